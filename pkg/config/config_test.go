package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/functionland/fula-store/pkg/blockstore"
	"github.com/functionland/fula-store/pkg/crypto"
	"github.com/functionland/fula-store/pkg/privacy"
)

func TestDefaults(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())

	assert.Equal(t, BackendMemory, cfg.Store.Backend)
	assert.Equal(t, 256*1024, cfg.Engine.ChunkSize)
	assert.Equal(t, uint8(5), cfg.Prolly.BoundaryBits)
	assert.Equal(t, 4096, cfg.Prolly.MaxNodeSize)
}

func TestParseOverridesDefaults(t *testing.T) {
	cfg, err := Parse([]byte(`
engine:
  cipher: ChaCha20-Poly1305
  obfuscation_mode: deterministic-hash
  chunk_size: 65536
  max_cas_retries: 3
prolly:
  branching_factor: 16
  boundary_bits: 4
  max_node_size: 2048
`))
	require.NoError(t, err)

	assert.Equal(t, 65536, cfg.Engine.ChunkSize)
	assert.Equal(t, uint8(4), cfg.Prolly.BoundaryBits)

	opts, err := cfg.ManagerOptions()
	require.NoError(t, err)
	assert.Equal(t, crypto.ChaCha20Poly1305, opts.Cipher)
	assert.Equal(t, privacy.DeterministicHash, opts.Obfuscation)
	assert.Equal(t, 3, opts.MaxCASRetries)
	assert.Nil(t, opts.Pinner)
}

func TestValidateRejectsBadConfigs(t *testing.T) {
	bad := []string{
		"store:\n  backend: floppy\n",
		"store:\n  backend: bolt\n",
		"store:\n  backend: ipfs\n",
		"engine:\n  chunk_size: 0\n",
		"engine:\n  chunk_size: 2097152\n",
		"engine:\n  obfuscation_mode: rot13\n",
		"pinning:\n  endpoint: https://pin.example\n",
		"prolly:\n  boundary_bits: 0\n",
	}
	for _, doc := range bad {
		_, err := Parse([]byte(doc))
		assert.Error(t, err, doc)
	}
}

func TestBuildMemoryStore(t *testing.T) {
	cfg := Default()
	store, err := cfg.BuildStore()
	require.NoError(t, err)

	// Cache capacity is set by default, so the store is wrapped
	_, ok := store.(*blockstore.CachedStore)
	assert.True(t, ok)
}

func TestParseInvalidYAML(t *testing.T) {
	_, err := Parse([]byte("store: ["))
	assert.Error(t, err)
}
