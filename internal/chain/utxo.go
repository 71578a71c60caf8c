package chain

import "time"

func init() {
	Register("BTC", Mainnet, &Params{
		Symbol: "BTC", Name: "Bitcoin", Family: FamilyUTXO, Decimals: 8,
		CoinType:         0,
		PubKeyHashAddrID: 0x00, ScriptHashAddrID: 0x05, Bech32HRP: "bc",
		Confirmations: 6,
		BlockTime:     10 * time.Minute,
		HashAlgos:     []string{HashSHA256},
	})
	Register("BTC", Testnet, &Params{
		Symbol: "BTC", Name: "Bitcoin Testnet", Family: FamilyUTXO, Decimals: 8,
		CoinType:         1,
		PubKeyHashAddrID: 0x6F, ScriptHashAddrID: 0xC4, Bech32HRP: "tb",
		Confirmations: 1,
		BlockTime:     10 * time.Minute,
		HashAlgos:     []string{HashSHA256},
	})

	Register("LTC", Mainnet, &Params{
		Symbol: "LTC", Name: "Litecoin", Family: FamilyUTXO, Decimals: 8,
		CoinType:         2,
		PubKeyHashAddrID: 0x30, ScriptHashAddrID: 0x32, Bech32HRP: "ltc",
		Confirmations: 6,
		BlockTime:     150 * time.Second,
		HashAlgos:     []string{HashSHA256},
	})
	Register("LTC", Testnet, &Params{
		Symbol: "LTC", Name: "Litecoin Testnet", Family: FamilyUTXO, Decimals: 8,
		CoinType:         1,
		PubKeyHashAddrID: 0x6F, ScriptHashAddrID: 0x3A, Bech32HRP: "tltc",
		Confirmations: 1,
		BlockTime:     150 * time.Second,
		HashAlgos:     []string{HashSHA256},
	})

	// Dogecoin has no segwit; its legs use P2SH-wrapped scripts.
	Register("DOGE", Mainnet, &Params{
		Symbol: "DOGE", Name: "Dogecoin", Family: FamilyUTXO, Decimals: 8,
		CoinType:         3,
		PubKeyHashAddrID: 0x1E, ScriptHashAddrID: 0x16,
		Confirmations: 10,
		BlockTime:     time.Minute,
		HashAlgos:     []string{HashSHA256},
	})
	Register("DOGE", Testnet, &Params{
		Symbol: "DOGE", Name: "Dogecoin Testnet", Family: FamilyUTXO, Decimals: 8,
		CoinType:         1,
		PubKeyHashAddrID: 0x71, ScriptHashAddrID: 0xC4,
		Confirmations: 2,
		BlockTime:     time.Minute,
		HashAlgos:     []string{HashSHA256},
	})
}
