package export

import "sync"

// ProgressStore holds the latest TableExportResult per (export, table).
// Entries are created on first write and never removed here; retention is
// handled by whoever owns the process.
type ProgressStore struct {
	mu      sync.RWMutex
	exports map[string]*exportProgress
}

type exportProgress struct {
	order   []string
	results map[string]TableExportResult
}

func NewProgressStore() *ProgressStore {
	return &ProgressStore{exports: make(map[string]*exportProgress)}
}

// RecordStatus upserts the result for the table. A Loading result never
// replaces a terminal one; it reports false in that case.
func (s *ProgressStore) RecordStatus(exportID, tableID string, r TableExportResult) bool {
	r.TableID = tableID

	s.mu.Lock()
	defer s.mu.Unlock()

	ep, ok := s.exports[exportID]
	if !ok {
		ep = &exportProgress{results: make(map[string]TableExportResult)}
		s.exports[exportID] = ep
	}
	prev, seen := ep.results[tableID]
	if !seen {
		ep.order = append(ep.order, tableID)
	} else if prev.Status.Terminal() && !r.Status.Terminal() {
		return false
	}
	ep.results[tableID] = r
	return true
}

// ListUpdatesSince returns the terminal results of an export for which
// delivered reports false. Pollers track what they have already seen; a nil
// delivered returns every terminal result. Results keep first-write order.
func (s *ProgressStore) ListUpdatesSince(exportID string, delivered func(tableID string) bool) ([]TableExportResult, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ep, ok := s.exports[exportID]
	if !ok {
		return nil, ErrExportNotFound
	}
	out := make([]TableExportResult, 0, len(ep.order))
	for _, id := range ep.order {
		r := ep.results[id]
		if !r.Status.Terminal() {
			continue
		}
		if delivered != nil && delivered(id) {
			continue
		}
		out = append(out, r)
	}
	return out, nil
}

// Snapshot returns every result of an export, Loading ones included.
func (s *ProgressStore) Snapshot(exportID string) ([]TableExportResult, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ep, ok := s.exports[exportID]
	if !ok {
		return nil, ErrExportNotFound
	}
	out := make([]TableExportResult, 0, len(ep.order))
	for _, id := range ep.order {
		out = append(out, ep.results[id])
	}
	return out, nil
}
