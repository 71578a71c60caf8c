package chain

import "time"

// evmHashes is what the HTLC contract deployed on every EVM chain verifies.
var evmHashes = []string{HashSHA256}

func evm(symbol, name string, chainID uint64, confirmations uint32, blockTime time.Duration) *Params {
	return &Params{
		Symbol:        symbol,
		Name:          name,
		Family:        FamilyEVM,
		Decimals:      18,
		CoinType:      60,
		ChainID:       chainID,
		Confirmations: confirmations,
		BlockTime:     blockTime,
		HashAlgos:     evmHashes,
	}
}

func init() {
	Register("ETH", Mainnet, evm("ETH", "Ethereum", 1, 12, 12*time.Second))
	Register("ETH", Testnet, evm("ETH", "Ethereum Sepolia", 11155111, 2, 12*time.Second))

	Register("BSC", Mainnet, evm("BSC", "BNB Smart Chain", 56, 15, 3*time.Second))
	Register("BSC", Testnet, evm("BSC", "BNB Smart Chain Testnet", 97, 3, 3*time.Second))

	// Polygon reorgs are deep enough that depth is counted in raw blocks.
	Register("POLYGON", Mainnet, evm("POLYGON", "Polygon", 137, 128, 2*time.Second))
	Register("POLYGON", Testnet, evm("POLYGON", "Polygon Amoy", 80002, 5, 2*time.Second))

	Register("ARBITRUM", Mainnet, evm("ARBITRUM", "Arbitrum One", 42161, 12, 250*time.Millisecond))
	Register("ARBITRUM", Testnet, evm("ARBITRUM", "Arbitrum Sepolia", 421614, 2, 250*time.Millisecond))

	Register("OPTIMISM", Mainnet, evm("OPTIMISM", "Optimism", 10, 12, 2*time.Second))
	Register("OPTIMISM", Testnet, evm("OPTIMISM", "Optimism Sepolia", 11155420, 2, 2*time.Second))

	Register("BASE", Mainnet, evm("BASE", "Base", 8453, 12, 2*time.Second))
	Register("BASE", Testnet, evm("BASE", "Base Sepolia", 84532, 2, 2*time.Second))

	Register("AVAX", Mainnet, evm("AVAX", "Avalanche C-Chain", 43114, 12, 2*time.Second))
	Register("AVAX", Testnet, evm("AVAX", "Avalanche Fuji", 43113, 1, 2*time.Second))
}
