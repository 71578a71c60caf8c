package chain

import "time"

func init() {
	// Tron's escrow is a TVM port of the EVM HTLC; blocks solidify after 19.
	Register("TRX", Mainnet, &Params{
		Symbol: "TRX", Name: "Tron", Family: FamilyTVM, Decimals: 6,
		CoinType:      195,
		Confirmations: 19,
		BlockTime:     3 * time.Second,
		HashAlgos:     []string{HashSHA256, HashKeccak256},
	})
	Register("TRX", Testnet, &Params{
		Symbol: "TRX", Name: "Tron Nile", Family: FamilyTVM, Decimals: 6,
		CoinType:      195,
		Confirmations: 1,
		BlockTime:     3 * time.Second,
		HashAlgos:     []string{HashSHA256, HashKeccak256},
	})

	Register("TON", Mainnet, &Params{
		Symbol: "TON", Name: "TON", Family: FamilyTON, Decimals: 9,
		CoinType:      607,
		Confirmations: 1,
		BlockTime:     5 * time.Second,
		HashAlgos:     []string{HashSHA256},
	})
	Register("TON", Testnet, &Params{
		Symbol: "TON", Name: "TON Testnet", Family: FamilyTON, Decimals: 9,
		CoinType:      607,
		Confirmations: 1,
		BlockTime:     5 * time.Second,
		HashAlgos:     []string{HashSHA256},
	})

	Register("SOL", Mainnet, &Params{
		Symbol: "SOL", Name: "Solana", Family: FamilySolana, Decimals: 9,
		CoinType:      501,
		Confirmations: 32,
		BlockTime:     400 * time.Millisecond,
		HashAlgos:     []string{HashKeccak256, HashSHA256},
	})
	Register("SOL", Testnet, &Params{
		Symbol: "SOL", Name: "Solana Devnet", Family: FamilySolana, Decimals: 9,
		CoinType:      501,
		Confirmations: 1,
		BlockTime:     400 * time.Millisecond,
		HashAlgos:     []string{HashKeccak256, HashSHA256},
	})

	// pallet-atomic-swap hashes proofs with blake2-256 only.
	Register("DOT", Mainnet, &Params{
		Symbol: "DOT", Name: "Polkadot", Family: FamilySubstrate, Decimals: 10,
		CoinType:      354,
		Confirmations: 2,
		BlockTime:     6 * time.Second,
		HashAlgos:     []string{HashBlake2b256},
	})
	Register("DOT", Testnet, &Params{
		Symbol: "DOT", Name: "Westend", Family: FamilySubstrate, Decimals: 12,
		CoinType:      354,
		Confirmations: 1,
		BlockTime:     6 * time.Second,
		HashAlgos:     []string{HashBlake2b256},
	})
}
