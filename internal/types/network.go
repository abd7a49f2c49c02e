// Package types contains shared type definitions used across multiple packages
package types

import (
	"fmt"
	"strings"
)

// Network identifies a chain the oracle contract is deployed on
type Network string

// Supported networks
const (
	MantleTestnet Network = "mantle-testnet"
	MantleMainnet Network = "mantle-mainnet"
)

// NetworkConfig holds connection settings for a network
type NetworkConfig struct {
	Name        Network `json:"name"`
	ChainID     int64   `json:"chain_id"`
	RPCEndpoint string  `json:"rpc_endpoint"`
	Explorer    string  `json:"explorer"`
}

// Networks lists the built-in network defaults
var Networks = map[Network]NetworkConfig{
	MantleTestnet: {
		Name:        MantleTestnet,
		ChainID:     5001,
		RPCEndpoint: "https://rpc.testnet.mantle.xyz",
		Explorer:    "https://explorer.testnet.mantle.xyz",
	},
	MantleMainnet: {
		Name:        MantleMainnet,
		ChainID:     5000,
		RPCEndpoint: "https://rpc.mantle.xyz",
		Explorer:    "https://explorer.mantle.xyz",
	},
}

// LookupNetwork resolves a network name, accepting the short forms testnet and mainnet
func LookupNetwork(name string) (NetworkConfig, error) {
	n := Network(strings.ToLower(strings.TrimSpace(name)))
	switch n {
	case "", "testnet":
		n = MantleTestnet
	case "mainnet":
		n = MantleMainnet
	}
	cfg, ok := Networks[n]
	if !ok {
		return NetworkConfig{}, fmt.Errorf("unknown network %q", name)
	}
	return cfg, nil
}
