package evm

import (
	"math/big"

	"github.com/ethereum/go-ethereum/common"
)

// htlcABI is the subset of the HTLC contract interface the adapter uses.
const htlcABI = `[
{"type":"function","name":"createSwapNative","stateMutability":"payable","outputs":[],"inputs":[
	{"name":"swapId","type":"bytes32"},{"name":"receiver","type":"address"},
	{"name":"secretHash","type":"bytes32"},{"name":"timelock","type":"uint256"}]},
{"type":"function","name":"createSwapERC20","stateMutability":"nonpayable","outputs":[],"inputs":[
	{"name":"swapId","type":"bytes32"},{"name":"receiver","type":"address"},
	{"name":"token","type":"address"},{"name":"amount","type":"uint256"},
	{"name":"secretHash","type":"bytes32"},{"name":"timelock","type":"uint256"}]},
{"type":"function","name":"claim","stateMutability":"nonpayable","outputs":[],"inputs":[
	{"name":"swapId","type":"bytes32"},{"name":"secret","type":"bytes32"}]},
{"type":"function","name":"refund","stateMutability":"nonpayable","outputs":[],"inputs":[
	{"name":"swapId","type":"bytes32"}]},
{"type":"function","name":"getSwap","stateMutability":"view","inputs":[{"name":"swapId","type":"bytes32"}],"outputs":[
	{"name":"","type":"tuple","components":[
		{"name":"sender","type":"address"},{"name":"receiver","type":"address"},
		{"name":"token","type":"address"},{"name":"amount","type":"uint256"},
		{"name":"daoFee","type":"uint256"},{"name":"secretHash","type":"bytes32"},
		{"name":"timelock","type":"uint256"},{"name":"state","type":"uint8"}]}]},
{"type":"event","name":"SwapCreated","anonymous":false,"inputs":[
	{"name":"swapId","type":"bytes32","indexed":true},{"name":"sender","type":"address","indexed":true},
	{"name":"receiver","type":"address","indexed":true},{"name":"token","type":"address","indexed":false},
	{"name":"amount","type":"uint256","indexed":false},{"name":"daoFee","type":"uint256","indexed":false},
	{"name":"secretHash","type":"bytes32","indexed":false},{"name":"timelock","type":"uint256","indexed":false}]},
{"type":"event","name":"SwapClaimed","anonymous":false,"inputs":[
	{"name":"swapId","type":"bytes32","indexed":true},{"name":"receiver","type":"address","indexed":true},
	{"name":"secret","type":"bytes32","indexed":false}]},
{"type":"event","name":"SwapRefunded","anonymous":false,"inputs":[
	{"name":"swapId","type":"bytes32","indexed":true},{"name":"sender","type":"address","indexed":true}]}
]`

// erc20ABI covers token approval before an ERC20 escrow is created.
const erc20ABI = `[
{"type":"function","name":"approve","stateMutability":"nonpayable","inputs":[
	{"name":"spender","type":"address"},{"name":"amount","type":"uint256"}],
	"outputs":[{"name":"","type":"bool"}]}
]`

// Contract swap states.
const (
	swapEmpty    uint8 = 0
	swapActive   uint8 = 1
	swapClaimed  uint8 = 2
	swapRefunded uint8 = 3
)

// onChainSwap mirrors the getSwap tuple.
type onChainSwap struct {
	Sender     common.Address
	Receiver   common.Address
	Token      common.Address
	Amount     *big.Int
	DaoFee     *big.Int
	SecretHash [32]byte
	Timelock   *big.Int
	State      uint8
}
