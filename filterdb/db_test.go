package filterdb

import (
	"database/sql"
	"math/rand"
	"testing"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
	"github.com/stretchr/testify/require"
)

func createTestStore(t *testing.T, cfg *Config) *FilterStore {
	if cfg == nil {
		cfg = &Config{InMemory: true}
	}

	store, err := Open(wire.GCSFilterRegular, cfg)
	require.NoError(t, err)
	t.Cleanup(func() {
		require.NoError(t, store.Close())
	})

	return store
}

func genRandHash(t *testing.T) chainhash.Hash {
	var hash chainhash.Hash
	_, err := rand.Read(hash[:])
	require.NoError(t, err)

	return hash
}

func genRandBytes(t *testing.T, n int) []byte {
	b := make([]byte, n)
	_, err := rand.Read(b)
	require.NoError(t, err)

	return b
}

// TestUnknownFilterType tests that opening a store for a filter type outside
// the allow-list fails at construction time.
func TestUnknownFilterType(t *testing.T) {
	t.Parallel()

	_, err := Open(wire.FilterType(0xff), &Config{InMemory: true})
	require.ErrorIs(t, err, ErrUnknownFilterType)
}

// TestFilterStorage tests storing filters and reading them back through the
// height keyed bulk read and the targeted single row fetches.
func TestFilterStorage(t *testing.T) {
	t.Parallel()

	store := createTestStore(t, nil)

	type testFilter struct {
		blockHash    chainhash.Hash
		filterHeader chainhash.Hash
		filter       []byte
	}

	filters := make(map[int32]*testFilter)
	for height := int32(10); height <= 20; height++ {
		f := &testFilter{
			blockHash:    genRandHash(t),
			filterHeader: genRandHash(t),
			filter:       genRandBytes(t, 64),
		}
		filters[height] = f

		err := store.PutFilter(
			height, &f.blockHash, &f.filterHeader, f.filter,
		)
		require.NoError(t, err)
	}

	// The bulk read should surface exactly the rows within the bounds.
	fetched, err := store.FetchFilterRange(12, 17)
	require.NoError(t, err)
	require.Len(t, fetched, 6)

	for height := int32(12); height <= 17; height++ {
		f, ok := fetched[height]
		require.True(t, ok)
		require.Equal(t, filters[height].blockHash, f.BlockHash)
		require.Equal(t, filters[height].filterHeader, f.FilterHeader)
		require.Equal(t, filters[height].filter, f.Filter)
	}

	// The filter header should be retrievable while the row is still
	// height keyed.
	header, err := store.FetchFilterHeader(15, &filters[15].blockHash)
	require.NoError(t, err)
	require.Equal(t, filters[15].filterHeader, *header)

	// No row has been displaced yet, so the hash keyed fallback should
	// find nothing.
	_, err = store.FetchDisplacedFilter(&filters[15].blockHash)
	require.ErrorIs(t, err, ErrFilterNotFound)

	// A block we never stored should not be found under either keying.
	unknown := genRandHash(t)
	_, err = store.FetchFilterHeader(15, &unknown)
	require.ErrorIs(t, err, ErrFilterNotFound)
}

// TestRewind tests that rewinding a range of heights migrates the affected
// rows to hash keyed rows without losing them, and frees their height slots
// for the replacement branch.
func TestRewind(t *testing.T) {
	t.Parallel()

	store := createTestStore(t, nil)

	hashes := make(map[int32]chainhash.Hash)
	headers := make(map[int32]chainhash.Hash)
	for height := int32(0); height <= 5; height++ {
		hashes[height] = genRandHash(t)
		headers[height] = genRandHash(t)

		blockHash, filterHeader := hashes[height], headers[height]
		err := store.PutFilter(
			height, &blockHash, &filterHeader,
			genRandBytes(t, 32),
		)
		require.NoError(t, err)
	}

	// Rewind the chain back to height 3, displacing blocks 4 and 5.
	n, err := store.Rewind(3, 5)
	require.NoError(t, err)
	require.EqualValues(t, 2, n)

	// The height keyed read should no longer see the displaced rows.
	fetched, err := store.FetchFilterRange(0, 5)
	require.NoError(t, err)
	require.Len(t, fetched, 4)

	// Both displaced rows must remain reachable by block hash, and their
	// headers must resolve through the either-keying fetch.
	for height := int32(4); height <= 5; height++ {
		blockHash := hashes[height]

		f, err := store.FetchDisplacedFilter(&blockHash)
		require.NoError(t, err)
		require.Equal(t, headers[height], f.FilterHeader)

		header, err := store.FetchFilterHeader(height, &blockHash)
		require.NoError(t, err)
		require.Equal(t, headers[height], *header)
	}

	// Storing a replacement block at a freed height must not disturb the
	// displaced row.
	newHash, newHeader := genRandHash(t), genRandHash(t)
	err = store.PutFilter(4, &newHash, &newHeader, genRandBytes(t, 32))
	require.NoError(t, err)

	oldHash := hashes[4]
	_, err = store.FetchDisplacedFilter(&oldHash)
	require.NoError(t, err)

	fetched, err = store.FetchFilterRange(4, 4)
	require.NoError(t, err)
	require.Equal(t, newHash, fetched[4].BlockHash)
}

// TestWipeAndPersistence tests that rows survive a close/reopen cycle when
// the wipe flag is unset and are deleted when it is set.
func TestWipeAndPersistence(t *testing.T) {
	t.Parallel()

	dbPath := t.TempDir() + "/filters.sqlite"

	store, err := Open(wire.GCSFilterRegular, &Config{Path: dbPath})
	require.NoError(t, err)

	for height := int32(0); height < 10; height++ {
		blockHash := genRandHash(t)
		filterHeader := genRandHash(t)
		err := store.PutFilter(
			height, &blockHash, &filterHeader,
			genRandBytes(t, 32),
		)
		require.NoError(t, err)
	}
	require.NoError(t, store.Close())

	// Reopening without the wipe flag must preserve all prior rows.
	store, err = Open(wire.GCSFilterRegular, &Config{Path: dbPath})
	require.NoError(t, err)

	n, err := store.NumFilters()
	require.NoError(t, err)
	require.EqualValues(t, 10, n)
	require.NoError(t, store.Close())

	// Reopening with the wipe flag must leave zero rows.
	store, err = Open(
		wire.GCSFilterRegular, &Config{Path: dbPath, Wipe: true},
	)
	require.NoError(t, err)

	n, err = store.NumFilters()
	require.NoError(t, err)
	require.Zero(t, n)
	require.NoError(t, store.Close())
}

// TestCommitInterval tests that the write transaction is committed on its
// own after the configured number of stored filters.
func TestCommitInterval(t *testing.T) {
	t.Parallel()

	store := createTestStore(t, &Config{
		InMemory:       true,
		CommitInterval: 3,
	})

	for i := int32(0); i < 2; i++ {
		blockHash := genRandHash(t)
		filterHeader := genRandHash(t)
		err := store.PutFilter(
			i, &blockHash, &filterHeader, genRandBytes(t, 32),
		)
		require.NoError(t, err)
	}
	require.EqualValues(t, 2, store.pending)

	blockHash := genRandHash(t)
	filterHeader := genRandHash(t)
	err := store.PutFilter(2, &blockHash, &filterHeader,
		genRandBytes(t, 32))
	require.NoError(t, err)

	// The third filter hits the interval, so the staged rows must have
	// been committed and the counter reset.
	require.Zero(t, store.pending)

	n, err := store.NumFilters()
	require.NoError(t, err)
	require.EqualValues(t, 3, n)
}

// TestSchemaMismatch tests that opening a database whose filter table has a
// different column layout fails instead of decoding garbage.
func TestSchemaMismatch(t *testing.T) {
	t.Parallel()

	dbPath := t.TempDir() + "/filters.sqlite"

	db, err := sql.Open("sqlite3", dbPath)
	require.NoError(t, err)

	_, err = db.Exec("CREATE TABLE regular (height INTEGER, " +
		"block_hash TEXT NOT NULL)")
	require.NoError(t, err)
	require.NoError(t, db.Close())

	_, err = Open(wire.GCSFilterRegular, &Config{Path: dbPath})
	require.ErrorIs(t, err, ErrSchemaMismatch)
}
