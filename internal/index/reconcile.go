package index

import (
	"errors"

	"github.com/meigma/rangecache/storage"
)

// ReconcileStats summarizes a reconciliation pass.
type ReconcileStats struct {
	// Dropped counts index entries whose extent was missing or mis-sized.
	Dropped int
	// Orphans counts extents that had no index entry and were freed.
	Orphans int
	// Quarantined counts keys whose spans were discarded after corruption.
	Quarantined int
}

// Reconcile brings the index and storage into agreement. Spans of
// quarantined keys are discarded; entries whose extent is missing or holds
// a different number of bytes are dropped; extents that no entry references
// are freed. Quarantine is lifted afterwards. Running Reconcile again without
// intervening writes changes nothing.
func (idx *Index) Reconcile() (ReconcileStats, error) {
	idx.mu.Lock()
	defer idx.mu.Unlock()

	var stats ReconcileStats
	if idx.poisoned {
		for key := range idx.keys {
			idx.quarantined[key] = struct{}{}
		}
	}
	for key := range idx.quarantined {
		if _, ok := idx.keys[key]; ok {
			stats.Quarantined++
		}
		_, _ = idx.removeKeyLocked(key) //nolint:errcheck // missing extents are expected here
	}
	clear(idx.quarantined)
	idx.poisoned = false

	referenced := make(map[storage.Locator]struct{}, len(idx.byID))
	for _, s := range idx.sortedLocked() {
		size, err := idx.store.Size(s.loc)
		if err == nil && size == s.len {
			referenced[s.loc] = struct{}{}
			continue
		}
		stats.Dropped++
		// removeLocked frees the extent; a missing one is fine.
		if err := idx.removeLocked(s); err != nil && !errors.Is(err, storage.ErrNotFound) {
			return stats, err
		}
	}

	var orphans []storage.Locator
	for loc, err := range idx.store.List() {
		if err != nil {
			return stats, err
		}
		if _, ok := referenced[loc]; !ok {
			orphans = append(orphans, loc)
		}
	}
	for _, loc := range orphans {
		if err := idx.store.Free(loc); err != nil && !errors.Is(err, storage.ErrNotFound) {
			return stats, err
		}
		stats.Orphans++
	}
	return stats, nil
}
