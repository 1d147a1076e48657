package types

import "math/big"

// Network represents supported EVM networks
type Network string

const (
	NetworkAvalanche     Network = "avalanche"
	NetworkAvalancheFuji Network = "avalanche-fuji" // testnet
	NetworkBase          Network = "base"
	NetworkBaseSepolia   Network = "base-sepolia" // testnet
	NetworkPolygon       Network = "polygon"
	NetworkPolygonAmoy   Network = "polygon-amoy" // testnet
)

var chainIDs = map[Network]int64{
	NetworkAvalanche:     43114,
	NetworkAvalancheFuji: 43113,
	NetworkBase:          8453,
	NetworkBaseSepolia:   84532,
	NetworkPolygon:       137,
	NetworkPolygonAmoy:   80002,
}

// ChainID returns the EIP-155 chain id of the network.
func (n Network) ChainID() (*big.Int, bool) {
	id, ok := chainIDs[n]
	if !ok {
		return nil, false
	}
	return big.NewInt(id), true
}

// IsSupported reports whether the network has a known chain id.
func (n Network) IsSupported() bool {
	_, ok := chainIDs[n]
	return ok
}

func (n Network) IsTestnet() bool {
	return n == NetworkAvalancheFuji || n == NetworkBaseSepolia || n == NetworkPolygonAmoy
}

func (n Network) String() string {
	return string(n)
}

// Asset describes the EIP-3009 token a network settles in.
type Asset struct {
	Address  string `json:"address"`
	Name     string `json:"name"`    // EIP-712 domain name
	Version  string `json:"version"` // EIP-712 domain version
	Decimals int    `json:"decimals"`
}

// USDCFuji is the Circle USDC deployment on Avalanche Fuji.
var USDCFuji = Asset{
	Address:  "0x5425890298aed601595a70AB815c96711a31Bc65",
	Name:     "USD Coin",
	Version:  "2",
	Decimals: 6,
}
