// Package config loads and validates the engine configuration from YAML and
// builds the configured block store and bucket manager options from it.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/functionland/fula-store/pkg/blockstore"
	"github.com/functionland/fula-store/pkg/blockstore/ipfsapi"
	"github.com/functionland/fula-store/pkg/bucket"
	"github.com/functionland/fula-store/pkg/chunker"
	"github.com/functionland/fula-store/pkg/crypto"
	"github.com/functionland/fula-store/pkg/log"
	"github.com/functionland/fula-store/pkg/privacy"
	"github.com/functionland/fula-store/pkg/prolly"
)

// Store backends
const (
	BackendMemory  = "memory"
	BackendBolt    = "bolt"
	BackendIPFS    = "ipfs"
	BackendCluster = "cluster"
)

// StoreConfig selects and parameterises the block store backend
type StoreConfig struct {
	Backend       string        `yaml:"backend"`
	Path          string        `yaml:"path,omitempty"`
	IPFSURL       string        `yaml:"ipfs_url,omitempty"`
	ClusterURL    string        `yaml:"cluster_url,omitempty"`
	ProxyURL      string        `yaml:"proxy_url,omitempty"`
	Timeout       time.Duration `yaml:"timeout,omitempty"`
	MaxRetries    int           `yaml:"max_retries,omitempty"`
	CacheCapacity int           `yaml:"cache_capacity,omitempty"`
}

// PinningConfig configures the optional pinning service
type PinningConfig struct {
	Endpoint string `yaml:"endpoint,omitempty"`
	Token    string `yaml:"token,omitempty"`
}

// EngineConfig holds the storage engine parameters
type EngineConfig struct {
	Cipher          string `yaml:"cipher"`
	ObfuscationMode string `yaml:"obfuscation_mode"`
	ChunkSize       int    `yaml:"chunk_size"`
	MaxCASRetries   int    `yaml:"max_cas_retries"`
}

// ProllyConfig holds the index tree parameters
type ProllyConfig struct {
	BranchingFactor int   `yaml:"branching_factor"`
	BoundaryBits    uint8 `yaml:"boundary_bits"`
	MaxNodeSize     int   `yaml:"max_node_size"`
}

// LogConfig holds the logging parameters
type LogConfig struct {
	Level string `yaml:"level"`
	JSON  bool   `yaml:"json"`
}

// Config is the full engine configuration
type Config struct {
	Log     LogConfig     `yaml:"log"`
	Store   StoreConfig   `yaml:"store"`
	Pinning PinningConfig `yaml:"pinning"`
	Engine  EngineConfig  `yaml:"engine"`
	Prolly  ProllyConfig  `yaml:"prolly"`
}

// Default returns the standard configuration
func Default() Config {
	return Config{
		Log: LogConfig{Level: "info"},
		Store: StoreConfig{
			Backend:       BackendMemory,
			Timeout:       ipfsapi.DefaultRequestTimeout,
			MaxRetries:    ipfsapi.DefaultMaxRetries,
			CacheCapacity: 1024,
		},
		Engine: EngineConfig{
			Cipher:          crypto.AES256GCM.String(),
			ObfuscationMode: string(privacy.FlatNamespace),
			ChunkSize:       chunker.DefaultChunkSize,
			MaxCASRetries:   5,
		},
		Prolly: ProllyConfig{
			BranchingFactor: prolly.DefaultBranchingFactor,
			BoundaryBits:    prolly.DefaultBoundaryBits,
			MaxNodeSize:     prolly.DefaultMaxNodeSize,
		},
	}
}

// Parse decodes YAML over the defaults
func Parse(data []byte) (Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("config: invalid YAML: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// LoadFile reads and parses a YAML config file
func LoadFile(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("config: read %s: %w", path, err)
	}
	return Parse(data)
}

// Validate rejects impossible configurations
func (c Config) Validate() error {
	switch c.Store.Backend {
	case BackendMemory:
	case BackendBolt:
		if c.Store.Path == "" {
			return fmt.Errorf("config: bolt backend requires store.path")
		}
	case BackendIPFS:
		if c.Store.IPFSURL == "" {
			return fmt.Errorf("config: ipfs backend requires store.ipfs_url")
		}
	case BackendCluster:
		if c.Store.ClusterURL == "" || c.Store.ProxyURL == "" {
			return fmt.Errorf("config: cluster backend requires store.cluster_url and store.proxy_url")
		}
	default:
		return fmt.Errorf("config: unknown store backend %q", c.Store.Backend)
	}

	if c.Engine.ChunkSize < 1 || c.Engine.ChunkSize > chunker.MaxChunkSize {
		return fmt.Errorf("config: chunk size must be in [1, %d]", chunker.MaxChunkSize)
	}
	if !privacy.ObfuscationMode(c.Engine.ObfuscationMode).Valid() {
		return fmt.Errorf("config: unknown obfuscation mode %q", c.Engine.ObfuscationMode)
	}
	if c.Pinning.Endpoint != "" && c.Pinning.Token == "" {
		return fmt.Errorf("config: pinning endpoint requires a token")
	}
	return c.TreeConfig().Validate()
}

// TreeConfig builds the prolly configuration
func (c Config) TreeConfig() prolly.Config {
	return prolly.Config{
		BranchingFactor: c.Prolly.BranchingFactor,
		BoundaryBits:    c.Prolly.BoundaryBits,
		MaxNodeSize:     c.Prolly.MaxNodeSize,
	}
}

func (c Config) cipher() crypto.Cipher {
	if c.Engine.Cipher == crypto.ChaCha20Poly1305.String() {
		return crypto.ChaCha20Poly1305
	}
	return crypto.AES256GCM
}

// BuildStore constructs the configured block store, wrapped in an LRU cache
// when a cache capacity is set.
func (c Config) BuildStore() (blockstore.BlockStore, error) {
	var inner blockstore.BlockStore
	var err error

	logger := log.WithComponent("blockstore")
	client := ipfsapi.ClientConfig{Timeout: c.Store.Timeout, MaxRetries: c.Store.MaxRetries, Logger: logger}

	switch c.Store.Backend {
	case BackendMemory:
		inner = blockstore.NewMemoryStore()
	case BackendBolt:
		inner, err = blockstore.OpenBoltStore(c.Store.Path)
	case BackendIPFS:
		client.BaseURL = c.Store.IPFSURL
		inner, err = ipfsapi.NewIPFSStore(client)
	case BackendCluster:
		clusterClient := client
		clusterClient.BaseURL = c.Store.ClusterURL
		proxyClient := client
		proxyClient.BaseURL = c.Store.ProxyURL
		inner, err = ipfsapi.NewClusterStore(ipfsapi.ClusterConfig{Cluster: clusterClient, Proxy: proxyClient})
	}
	if err != nil {
		return nil, err
	}

	if c.Store.CacheCapacity > 0 {
		return blockstore.NewCachedStore(inner, c.Store.CacheCapacity)
	}
	return inner, nil
}

// BuildPinner constructs the pinning client when configured, nil otherwise
func (c Config) BuildPinner() (bucket.Pinner, error) {
	if c.Pinning.Endpoint == "" {
		return nil, nil
	}
	return ipfsapi.NewPinningClient(ipfsapi.PinningConfig{
		Client: ipfsapi.ClientConfig{
			BaseURL:    c.Pinning.Endpoint,
			Timeout:    c.Store.Timeout,
			MaxRetries: c.Store.MaxRetries,
			Logger:     log.WithComponent("pinning"),
		},
		Token: c.Pinning.Token,
	})
}

// ManagerOptions builds the bucket manager options
func (c Config) ManagerOptions() (bucket.Options, error) {
	pinner, err := c.BuildPinner()
	if err != nil {
		return bucket.Options{}, err
	}
	return bucket.Options{
		Cipher:        c.cipher(),
		Obfuscation:   privacy.ObfuscationMode(c.Engine.ObfuscationMode),
		Tree:          c.TreeConfig(),
		ChunkSize:     c.Engine.ChunkSize,
		MaxCASRetries: c.Engine.MaxCASRetries,
		Pinner:        pinner,
	}, nil
}
