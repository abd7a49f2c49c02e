package config

import (
	"fmt"
	"os"

	"github.com/ethereum/go-ethereum/common"
	"gopkg.in/yaml.v3"
)

// Grant authorizes one submitter for a set of tickers ("*" for all)
type Grant struct {
	Submitter string   `yaml:"submitter"`
	Tickers   []string `yaml:"tickers"`
}

// Grants is the content of a grants file:
//
//	grants:
//	  - submitter: "0x..."
//	    tickers: [ABC, XYZ]
type Grants struct {
	Grants []Grant `yaml:"grants"`
}

// LoadGrants reads and checks a YAML grants file
func LoadGrants(path string) (Grants, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Grants{}, fmt.Errorf("failed to read grants file: %w", err)
	}

	var g Grants
	if err := yaml.Unmarshal(data, &g); err != nil {
		return Grants{}, fmt.Errorf("failed to parse grants file: %w", err)
	}
	for i, grant := range g.Grants {
		if !common.IsHexAddress(grant.Submitter) {
			return Grants{}, fmt.Errorf("grant %d: %q is not an address", i, grant.Submitter)
		}
		if len(grant.Tickers) == 0 {
			return Grants{}, fmt.Errorf("grant %d: no tickers", i)
		}
	}
	return g, nil
}

// ByAddress groups the granted tickers by submitter address
func (g Grants) ByAddress() map[common.Address][]string {
	out := make(map[common.Address][]string, len(g.Grants))
	for _, grant := range g.Grants {
		addr := common.HexToAddress(grant.Submitter)
		out[addr] = append(out[addr], grant.Tickers...)
	}
	return out
}
