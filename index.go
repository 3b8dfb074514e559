package cfindex

import (
	"errors"
	"fmt"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
	"github.com/lightninglabs/cfindex/chainview"
	"github.com/lightninglabs/cfindex/filterdb"
	"github.com/lightninglabs/neutrino/cache"
	"github.com/lightninglabs/neutrino/cache/lru"
)

// DefaultHeaderCacheSize is the default capacity of the in-memory filter
// header cache, in bytes.
const DefaultHeaderCacheSize uint64 = 1 << 20

// cacheableHeader wraps a filter header hash so it can be stored in the LRU
// cache, which sizes its contents in bytes.
type cacheableHeader chainhash.Hash

// Size returns the size of the header in bytes.
func (c *cacheableHeader) Size() (uint64, error) {
	return chainhash.HashSize, nil
}

// FilterIndex indexes compact block filters of a single filter type. Filters
// for blocks on the active chain are keyed by height for fast range scans;
// filters for blocks that a reorg displaced from the active chain remain
// retrievable by block hash. A filter stored for any block that is or ever
// was on the active chain can therefore always be looked up again, which the
// range lookups rely on to serve queries that walk an orphaned branch.
type FilterIndex struct {
	filterType wire.FilterType

	store *filterdb.FilterStore

	// headerCache memoizes filter headers by block hash. A block's filter
	// header never changes once stored, whether or not the row is later
	// migrated to hash keying, so entries are never invalidated by
	// reorgs.
	headerCache *lru.Cache[chainhash.Hash, *cacheableHeader]
}

// NewFilterIndex opens a filter index of the given type backed by a
// filterdb.FilterStore with the given configuration.
func NewFilterIndex(filterType wire.FilterType,
	cfg *filterdb.Config) (*FilterIndex, error) {

	store, err := filterdb.Open(filterType, cfg)
	if err != nil {
		return nil, err
	}

	return &FilterIndex{
		filterType: filterType,
		store:      store,
		headerCache: lru.NewCache[chainhash.Hash, *cacheableHeader](
			DefaultHeaderCacheSize,
		),
	}, nil
}

// FilterType returns the filter type this index stores filters for.
func (idx *FilterIndex) FilterType() wire.FilterType {
	return idx.filterType
}

// checkRange validates the lookup preconditions shared by all range lookups.
func checkRange(startHeight int32, stopNode chainview.BlockNode) error {
	if startHeight < 0 {
		return fmt.Errorf("%w: start height %d is negative",
			ErrInvalidRange, startHeight)
	}
	if stopNode == nil {
		return fmt.Errorf("%w: no stop block", ErrInvalidRange)
	}
	if startHeight > stopNode.Height() {
		return fmt.Errorf("%w: start height %d is greater than stop "+
			"height %d", ErrInvalidRange, startHeight,
			stopNode.Height())
	}

	return nil
}

// LookupFilterRange fetches the filters for every block from startHeight up
// to and including the stop block, following the stop block's ancestor chain
// rather than whatever the active chain currently is. The result is ordered
// by height descending, stop block first.
//
// Blocks still on the active chain are resolved from a single bulk read over
// the height keyed rows; blocks that have since been displaced fall back to
// one targeted lookup by block hash each. If any position in the span cannot
// be resolved the whole lookup fails with ErrIncompleteRange and no partial
// result: callers feed these ranges into higher level validation where a
// silently short list would be indistinguishable from the true range.
func (idx *FilterIndex) LookupFilterRange(startHeight int32,
	stopNode chainview.BlockNode) ([]*filterdb.FilterData, error) {

	if err := checkRange(startHeight, stopNode); err != nil {
		return nil, err
	}
	stopHeight := stopNode.Height()

	byHeight, err := idx.store.FetchFilterRange(startHeight, stopHeight)
	if err != nil {
		return nil, err
	}

	filters := make([]*filterdb.FilterData, 0, stopHeight-startHeight+1)

	it := chainview.NewAncestorIterator(startHeight, stopNode)
	for {
		node, err := it.Next()
		if errors.Is(err, chainview.ErrIteratorExhausted) {
			break
		} else if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidRange, err)
		}

		height := node.Height()
		blockHash := node.Hash()

		// Fast path: the height keyed row belongs to this exact
		// block.
		if f, ok := byHeight[height]; ok && f.BlockHash == blockHash {
			filters = append(filters, f)
			continue
		}

		// The height slot is missing or claimed by a different
		// branch, so the block must have been displaced. Look its row
		// up by hash.
		f, err := idx.store.FetchDisplacedFilter(&blockHash)
		switch {
		case errors.Is(err, filterdb.ErrFilterNotFound):
			return nil, fmt.Errorf("%w: no filter for block %v "+
				"at height %d", ErrIncompleteRange, blockHash,
				height)
		case err != nil:
			return nil, err
		}

		f.Height = height
		filters = append(filters, f)
	}

	return filters, nil
}

// LookupFilter fetches the filter for a single block.
func (idx *FilterIndex) LookupFilter(
	node chainview.BlockNode) (*filterdb.FilterData, error) {

	if node == nil {
		return nil, fmt.Errorf("%w: no block", ErrInvalidRange)
	}

	filters, err := idx.LookupFilterRange(node.Height(), node)
	if err != nil {
		return nil, err
	}

	return filters[0], nil
}

// LookupFilterHashRange fetches the filter header hash for every block from
// startHeight up to and including the stop block, ordered by height
// descending. Each position is resolved with one targeted lookup that
// matches the block's row under either keying; the bulk read optimization of
// LookupFilterRange is skipped since only the 32-byte headers are needed.
// The same all-or-nothing contract applies.
func (idx *FilterIndex) LookupFilterHashRange(startHeight int32,
	stopNode chainview.BlockNode) ([]chainhash.Hash, error) {

	if err := checkRange(startHeight, stopNode); err != nil {
		return nil, err
	}

	headers := make([]chainhash.Hash, 0, stopNode.Height()-startHeight+1)

	it := chainview.NewAncestorIterator(startHeight, stopNode)
	for {
		node, err := it.Next()
		if errors.Is(err, chainview.ErrIteratorExhausted) {
			break
		} else if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidRange, err)
		}

		header, err := idx.fetchHeader(node.Height(), node.Hash())
		switch {
		case errors.Is(err, filterdb.ErrFilterNotFound):
			return nil, fmt.Errorf("%w: no filter header for "+
				"block %v at height %d", ErrIncompleteRange,
				node.Hash(), node.Height())
		case err != nil:
			return nil, err
		}

		headers = append(headers, *header)
	}

	return headers, nil
}

// LookupFilterHeader fetches the filter header hash for a single block.
func (idx *FilterIndex) LookupFilterHeader(
	node chainview.BlockNode) (*chainhash.Hash, error) {

	if node == nil {
		return nil, fmt.Errorf("%w: no block", ErrInvalidRange)
	}

	headers, err := idx.LookupFilterHashRange(node.Height(), node)
	if err != nil {
		return nil, err
	}

	return &headers[0], nil
}

// fetchHeader returns the filter header for the given block, consulting the
// header cache before the store.
func (idx *FilterIndex) fetchHeader(height int32,
	blockHash chainhash.Hash) (*chainhash.Hash, error) {

	cached, err := idx.headerCache.Get(blockHash)
	if err == nil {
		header := chainhash.Hash(*cached)
		return &header, nil
	} else if !errors.Is(err, cache.ErrElementNotFound) {
		return nil, err
	}

	header, err := idx.store.FetchFilterHeader(height, &blockHash)
	if err != nil {
		return nil, err
	}

	cacheable := cacheableHeader(*header)
	if _, err := idx.headerCache.Put(blockHash, &cacheable); err != nil {
		log.Warnf("Unable to cache filter header for %v: %v",
			blockHash, err)
	}

	return header, nil
}

// PutFilter records the filter and filter header for a block that just
// joined the active chain. The store commits the staged rows on its own once
// its commit interval is reached; callers pin tighter durability boundaries
// with Commit.
func (idx *FilterIndex) PutFilter(node chainview.BlockNode,
	filterHeader *chainhash.Hash, filter []byte) error {

	blockHash := node.Hash()
	err := idx.store.PutFilter(node.Height(), &blockHash, filterHeader,
		filter)
	if err != nil {
		return err
	}

	// Keep the memoized header in sync in case the row was overwritten.
	cacheable := cacheableHeader(*filterHeader)
	if _, err := idx.headerCache.Put(blockHash, &cacheable); err != nil {
		log.Warnf("Unable to cache filter header for %v: %v",
			blockHash, err)
	}

	return nil
}

// Rewind migrates the rows for every block after newTip up to and including
// oldTip to hash keyed rows, freeing their height slots for the replacement
// branch while keeping the displaced blocks' filters retrievable. It is the
// disconnect half of the insertion contract and must be called before
// filters for the replacement blocks are stored.
func (idx *FilterIndex) Rewind(oldTip, newTip chainview.BlockNode) (int64,
	error) {

	if newTip.Height() >= oldTip.Height() {
		return 0, fmt.Errorf("%w: new tip height %d is not below old "+
			"tip height %d", ErrInvalidRange, newTip.Height(),
			oldTip.Height())
	}

	return idx.store.Rewind(newTip.Height(), oldTip.Height())
}

// Commit flushes all staged filters to durable storage.
func (idx *FilterIndex) Commit() error {
	return idx.store.Commit()
}

// Close releases the index's backing store, committing any staged rows.
func (idx *FilterIndex) Close() error {
	return idx.store.Close()
}
