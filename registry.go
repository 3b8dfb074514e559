package cfindex

import (
	"fmt"
	"sync"

	"github.com/btcsuite/btcd/wire"
	"github.com/lightninglabs/cfindex/filterdb"
)

// Registry tracks the set of open filter indexes, at most one per filter
// type. It replaces the usual process-global index map with an explicitly
// owned object so lifecycle and test isolation stay visible at call sites.
// All methods are safe for concurrent use.
type Registry struct {
	mtx sync.Mutex

	indexes map[wire.FilterType]*FilterIndex
}

// NewRegistry creates an empty index registry.
func NewRegistry() *Registry {
	return &Registry{
		indexes: make(map[wire.FilterType]*FilterIndex),
	}
}

// Init opens a new filter index for the given filter type and registers it.
// If an index for the type is already registered, ErrIndexAlreadyExists is
// returned and the existing index is left untouched. An unknown filter type
// surfaces as filterdb.ErrUnknownFilterType and registers nothing.
func (r *Registry) Init(filterType wire.FilterType,
	cfg *filterdb.Config) error {

	r.mtx.Lock()
	defer r.mtx.Unlock()

	if _, ok := r.indexes[filterType]; ok {
		return fmt.Errorf("%w: filter type %d", ErrIndexAlreadyExists,
			filterType)
	}

	index, err := NewFilterIndex(filterType, cfg)
	if err != nil {
		return err
	}

	r.indexes[filterType] = index

	log.Infof("Initialized filter index for filter type %d", filterType)

	return nil
}

// Get returns the registered index for the given filter type. The returned
// handle is valid until the index is destroyed.
func (r *Registry) Get(filterType wire.FilterType) (*FilterIndex, bool) {
	r.mtx.Lock()
	defer r.mtx.Unlock()

	index, ok := r.indexes[filterType]
	return index, ok
}

// ForEach invokes the visitor on every registered index. The iteration order
// is unspecified. Iteration stops at the first visitor error, which is
// returned.
func (r *Registry) ForEach(visitor func(*FilterIndex) error) error {
	r.mtx.Lock()
	defer r.mtx.Unlock()

	for _, index := range r.indexes {
		if err := visitor(index); err != nil {
			return err
		}
	}

	return nil
}

// Destroy removes the index for the given filter type from the registry and
// closes it. It returns ErrIndexNotFound if no index is registered for the
// type.
func (r *Registry) Destroy(filterType wire.FilterType) error {
	r.mtx.Lock()
	defer r.mtx.Unlock()

	index, ok := r.indexes[filterType]
	if !ok {
		return fmt.Errorf("%w: filter type %d", ErrIndexNotFound,
			filterType)
	}

	delete(r.indexes, filterType)

	return index.Close()
}

// DestroyAll removes and closes every registered index, returning the first
// close error encountered. The registry is empty afterwards and can be
// reused.
func (r *Registry) DestroyAll() error {
	r.mtx.Lock()
	defer r.mtx.Unlock()

	var firstErr error
	for filterType, index := range r.indexes {
		if err := index.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
		delete(r.indexes, filterType)
	}

	return firstErr
}
