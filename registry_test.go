package cfindex

import (
	"testing"

	"github.com/btcsuite/btcd/btcutil/gcs/builder"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
	"github.com/lightninglabs/cfindex/filterdb"
	"github.com/stretchr/testify/require"
)

func memConfig() *filterdb.Config {
	return &filterdb.Config{InMemory: true}
}

// TestRegistryInit tests index construction through the registry, including
// the unique-instance-per-type invariant.
func TestRegistryInit(t *testing.T) {
	t.Parallel()

	registry := NewRegistry()
	t.Cleanup(func() {
		require.NoError(t, registry.DestroyAll())
	})

	require.NoError(t, registry.Init(wire.GCSFilterRegular, memConfig()))

	idx, ok := registry.Get(wire.GCSFilterRegular)
	require.True(t, ok)
	require.Equal(t, wire.GCSFilterRegular, idx.FilterType())

	// Store a filter so we can tell the instance keeps its data across a
	// failed re-init.
	node := genTestNode(t, 0, nil)
	header := genRandFilterHeader(t)
	require.NoError(t, idx.PutFilter(node, &header, []byte{0x01}))

	// A second Init for the same type must fail and leave the existing
	// instance untouched.
	err := registry.Init(wire.GCSFilterRegular, memConfig())
	require.ErrorIs(t, err, ErrIndexAlreadyExists)

	same, ok := registry.Get(wire.GCSFilterRegular)
	require.True(t, ok)
	require.Same(t, idx, same)

	f, err := same.LookupFilter(node)
	require.NoError(t, err)
	require.Equal(t, []byte{0x01}, f.Filter)
}

// TestRegistryUnknownType tests that initializing an index for an
// unrecognized filter type fails and registers nothing.
func TestRegistryUnknownType(t *testing.T) {
	t.Parallel()

	registry := NewRegistry()

	err := registry.Init(wire.FilterType(0xff), memConfig())
	require.ErrorIs(t, err, filterdb.ErrUnknownFilterType)

	_, ok := registry.Get(wire.FilterType(0xff))
	require.False(t, ok)
}

// TestRegistryForEach tests visiting every registered index.
func TestRegistryForEach(t *testing.T) {
	t.Parallel()

	registry := NewRegistry()
	t.Cleanup(func() {
		require.NoError(t, registry.DestroyAll())
	})

	require.NoError(t, registry.Init(wire.GCSFilterRegular, memConfig()))
	require.NoError(t, registry.Init(filterdb.ExtendedFilter, memConfig()))

	visited := make(map[wire.FilterType]int)
	err := registry.ForEach(func(idx *FilterIndex) error {
		visited[idx.FilterType()]++
		return nil
	})
	require.NoError(t, err)

	require.Equal(t, map[wire.FilterType]int{
		wire.GCSFilterRegular:  1,
		filterdb.ExtendedFilter: 1,
	}, visited)
}

// TestRegistryDestroy tests removing single indexes and tearing down the
// whole registry.
func TestRegistryDestroy(t *testing.T) {
	t.Parallel()

	registry := NewRegistry()

	require.NoError(t, registry.Init(wire.GCSFilterRegular, memConfig()))
	require.NoError(t, registry.Init(filterdb.ExtendedFilter, memConfig()))

	require.NoError(t, registry.Destroy(wire.GCSFilterRegular))

	_, ok := registry.Get(wire.GCSFilterRegular)
	require.False(t, ok)

	// Destroying it again reports it as missing.
	err := registry.Destroy(wire.GCSFilterRegular)
	require.ErrorIs(t, err, ErrIndexNotFound)

	// The other index is unaffected until DestroyAll.
	_, ok = registry.Get(filterdb.ExtendedFilter)
	require.True(t, ok)

	require.NoError(t, registry.DestroyAll())

	_, ok = registry.Get(filterdb.ExtendedFilter)
	require.False(t, ok)

	// A destroyed registry is reusable.
	require.NoError(t, registry.Init(wire.GCSFilterRegular, memConfig()))
	require.NoError(t, registry.DestroyAll())
}

func genRandFilterHeader(t *testing.T) chainhash.Hash {
	t.Helper()

	filter, _ := genRandFilter(t, 5)
	header, err := builder.MakeHeaderForFilter(filter, chainhash.Hash{})
	require.NoError(t, err)

	return header
}
