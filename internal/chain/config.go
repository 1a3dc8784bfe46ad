package chain

import (
	"fmt"
	"net/url"
	"os"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

// DefaultNetwork is used when no network moniker is configured.
const DefaultNetwork = "devnet"

// NetworkDefinitions models the structure of configs/networks.yaml.
type NetworkDefinitions struct {
	Networks map[string]Network `yaml:"networks"`
}

// Network describes a single Solana cluster endpoint.
type Network struct {
	Name            string `yaml:"-"`
	RPCURL          string `yaml:"rpc_url"`
	BatchRPCURL     string `yaml:"batch_rpc_url"`
	ExplorerCluster string `yaml:"explorer_cluster"`
	Description     string `yaml:"description"`
}

// BuiltinNetworks returns the public clusters known without any configuration.
func BuiltinNetworks() map[string]Network {
	return map[string]Network{
		"devnet": {
			Name:            "devnet",
			RPCURL:          "https://api.devnet.solana.com",
			ExplorerCluster: "devnet",
			Description:     "Solana public devnet",
		},
		"testnet": {
			Name:            "testnet",
			RPCURL:          "https://api.testnet.solana.com",
			ExplorerCluster: "testnet",
			Description:     "Solana public testnet",
		},
		"mainnet-beta": {
			Name:            "mainnet-beta",
			RPCURL:          "https://api.mainnet-beta.solana.com",
			ExplorerCluster: "mainnet-beta",
			Description:     "Solana mainnet beta",
		},
		"localnet": {
			Name:            "localnet",
			RPCURL:          "http://127.0.0.1:8899",
			ExplorerCluster: "custom",
			Description:     "solana-test-validator on localhost",
		},
	}
}

// LoadNetworkDefinitions merges the built-in clusters with the YAML file at
// path. Entries in the file replace built-ins with the same name.
func LoadNetworkDefinitions(path string) (NetworkDefinitions, error) {
	defs := NetworkDefinitions{Networks: BuiltinNetworks()}
	if strings.TrimSpace(path) == "" {
		return defs, nil
	}

	content, err := os.ReadFile(path)
	if err != nil {
		return NetworkDefinitions{}, fmt.Errorf("读取网络配置失败: %w", err)
	}

	var fromFile NetworkDefinitions
	if err := yaml.Unmarshal(content, &fromFile); err != nil {
		return NetworkDefinitions{}, fmt.Errorf("解析网络配置失败: %w", err)
	}
	for name, network := range fromFile.Networks {
		name = strings.TrimSpace(name)
		if name == "" {
			continue
		}
		if strings.TrimSpace(network.RPCURL) == "" {
			return NetworkDefinitions{}, fmt.Errorf("网络 %s 缺少 rpc_url", name)
		}
		network.Name = name
		defs.Networks[name] = network
	}
	return defs, nil
}

// Names returns the sorted network names.
func (d NetworkDefinitions) Names() []string {
	names := make([]string, 0, len(d.Networks))
	for name := range d.Networks {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// ExplorerTxURL links a transaction signature on the Solana explorer. It
// returns an empty string when the network has no explorer cluster.
func (n Network) ExplorerTxURL(signature string) string {
	return n.explorerURL("tx", signature)
}

// ExplorerAddressURL links an account address on the Solana explorer.
func (n Network) ExplorerAddressURL(address string) string {
	return n.explorerURL("address", address)
}

func (n Network) explorerURL(kind, id string) string {
	if n.ExplorerCluster == "" || id == "" {
		return ""
	}
	base := "https://explorer.solana.com/" + kind + "/" + url.PathEscape(id)
	switch n.ExplorerCluster {
	case "mainnet-beta":
		return base
	case "custom":
		return base + "?cluster=custom&customUrl=" + url.QueryEscape(n.RPCURL)
	default:
		return base + "?cluster=" + url.QueryEscape(n.ExplorerCluster)
	}
}
