package provider

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"OpenMCP-Solana/internal/chain"
	"OpenMCP-Solana/internal/chain/solana"
	"OpenMCP-Solana/internal/config"
)

// Factory builds a chain client for one network.
type Factory func(ctx context.Context, network chain.Network) (chain.Client, error)

// Registry manages chain clients keyed by network moniker.
type Registry struct {
	mu             sync.Mutex
	defaultNetwork string
	networks       map[string]chain.Network
	clients        map[string]chain.Client
	factory        Factory
}

// Option customises the registry.
type Option func(*Registry)

// WithFactory replaces the Solana client constructor, mainly for tests.
func WithFactory(f Factory) Option {
	return func(r *Registry) {
		if f != nil {
			r.factory = f
		}
	}
}

// NewRegistry loads network definitions and eagerly builds the default
// network client. Other networks are built on first use.
func NewRegistry(ctx context.Context, cfg config.Web3Config, opts ...Option) (*Registry, error) {
	defs, err := chain.LoadNetworkDefinitions(cfg.NetworksFile)
	if err != nil {
		return nil, err
	}

	defaultNetwork := strings.TrimSpace(cfg.Network)
	if defaultNetwork == "" {
		defaultNetwork = chain.DefaultNetwork
	}
	network, ok := defs.Networks[defaultNetwork]
	if !ok {
		if strings.TrimSpace(cfg.RPCURL) == "" {
			return nil, fmt.Errorf("未知的网络 %s，且未配置 rpc_url", defaultNetwork)
		}
		network = chain.Network{Name: defaultNetwork}
	}
	if rpcURL := strings.TrimSpace(cfg.RPCURL); rpcURL != "" {
		network.RPCURL = rpcURL
		network.BatchRPCURL = ""
	}
	defs.Networks[defaultNetwork] = network

	r := &Registry{
		defaultNetwork: defaultNetwork,
		networks:       defs.Networks,
		clients:        make(map[string]chain.Client),
	}
	r.factory = func(ctx context.Context, network chain.Network) (chain.Client, error) {
		return solana.NewClient(ctx, solana.Config{
			Network:      network,
			Commitment:   cfg.Commitment,
			PollInterval: time.Duration(cfg.PollIntervalMillis) * time.Millisecond,
		})
	}
	for _, opt := range opts {
		if opt != nil {
			opt(r)
		}
	}

	if _, err := r.Client(ctx, defaultNetwork); err != nil {
		return nil, err
	}
	return r, nil
}

// DefaultClient returns the client of the configured default network.
func (r *Registry) DefaultClient() (chain.Client, error) {
	if r == nil {
		return nil, errors.New("未初始化的网络注册表")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	client, ok := r.clients[r.defaultNetwork]
	if !ok {
		return nil, fmt.Errorf("默认网络 %s 未在注册表中", r.defaultNetwork)
	}
	return client, nil
}

// Client returns the client for name, building it when needed.
func (r *Registry) Client(ctx context.Context, name string) (chain.Client, error) {
	if r == nil {
		return nil, errors.New("未初始化的网络注册表")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if client, ok := r.clients[name]; ok {
		return client, nil
	}
	network, ok := r.networks[name]
	if !ok {
		return nil, fmt.Errorf("未知的网络 %s", name)
	}
	client, err := r.factory(ctx, network)
	if err != nil {
		return nil, fmt.Errorf("初始化网络 %s 失败: %w", name, err)
	}
	r.clients[name] = client
	return client, nil
}

// Close releases all clients managed by the registry.
func (r *Registry) Close() {
	if r == nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	for name, client := range r.clients {
		if client != nil {
			client.Close()
		}
		delete(r.clients, name)
	}
}

// Networks returns the known networks sorted by name.
func (r *Registry) Networks() []chain.Network {
	if r == nil {
		return nil
	}
	names := make([]string, 0, len(r.networks))
	for name := range r.networks {
		names = append(names, name)
	}
	sort.Strings(names)
	out := make([]chain.Network, 0, len(names))
	for _, name := range names {
		out = append(out, r.networks[name])
	}
	return out
}

// DefaultNetwork returns the default network moniker.
func (r *Registry) DefaultNetwork() string {
	if r == nil {
		return ""
	}
	return r.defaultNetwork
}
