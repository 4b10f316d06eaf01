// Package eventlog keeps a bounded, searchable history of the peer
// lifecycle events the peer manager emits to the host. It is a
// supplemental feature: nothing in the
// core protocol depends on it, but it gives the host application a way
// to answer "what happened with node X recently" without re-deriving it
// from log lines.
package eventlog

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/blevesearch/bleve/v2"
	bquery "github.com/blevesearch/bleve/v2/search/query"
	"github.com/google/uuid"
)

// Event is one peer lifecycle event, matching the peer manager's event
// kinds (peer:connected, peer:disconnected, peer:synced, peer:error,
// peer:pairing-request, peer:pairing-accepted, peer:pairing-denied,
// peer:discovered, peer:health-change, vault:adoption-request,
// status:change, blob:received, live:updates).
type Event struct {
	ID        string `json:"id"`
	Kind      string `json:"kind"`
	NodeID    string `json:"node_id"`
	Detail    string `json:"detail"`
	Timestamp int64  `json:"timestamp"`
}

// Log is a bleve-indexed, size-bounded event history.
type Log struct {
	mu       sync.Mutex
	index    bleve.Index
	path     string
	capacity int
	order    []string // ids, oldest first, for capacity eviction
}

// DefaultCapacity bounds the log so long-running daemons don't grow an
// unbounded index on disk.
const DefaultCapacity = 10000

// Open creates or opens a persistent event log at dataDir/events.bleve.
func Open(dataDir string, capacity int) (*Log, error) {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	indexPath := filepath.Join(dataDir, "events.bleve")

	idx, err := bleve.Open(indexPath)
	if err == bleve.ErrorIndexPathDoesNotExist {
		mapping := bleve.NewIndexMapping()

		docMapping := bleve.NewDocumentMapping()
		detailField := bleve.NewTextFieldMapping()
		detailField.Analyzer = "standard"
		docMapping.AddFieldMappingsAt("detail", detailField)

		kindField := bleve.NewTextFieldMapping()
		kindField.Analyzer = "keyword"
		docMapping.AddFieldMappingsAt("kind", kindField)

		nodeField := bleve.NewTextFieldMapping()
		nodeField.Analyzer = "keyword"
		docMapping.AddFieldMappingsAt("node_id", nodeField)

		mapping.AddDocumentMapping("event", docMapping)

		idx, err = bleve.New(indexPath, mapping)
		if err != nil {
			return nil, fmt.Errorf("eventlog: create index: %w", err)
		}
	} else if err != nil {
		return nil, fmt.Errorf("eventlog: open index: %w", err)
	}

	l := &Log{index: idx, path: indexPath, capacity: capacity}
	l.loadOrder()
	return l, nil
}

// OpenMemory creates an in-memory event log, for tests.
func OpenMemory(capacity int) (*Log, error) {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	mapping := bleve.NewIndexMapping()
	idx, err := bleve.NewMemOnly(mapping)
	if err != nil {
		return nil, fmt.Errorf("eventlog: new memory index: %w", err)
	}
	return &Log{index: idx, capacity: capacity}, nil
}

// Record appends an event, assigning it an id and evicting the oldest
// entry if the log is at capacity.
func (l *Log) Record(kind, nodeID, detail string, timestamp int64) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	ev := Event{
		ID:        uuid.NewString(),
		Kind:      kind,
		NodeID:    nodeID,
		Detail:    detail,
		Timestamp: timestamp,
	}
	if err := l.index.Index(ev.ID, ev); err != nil {
		return fmt.Errorf("eventlog: index event: %w", err)
	}
	l.order = append(l.order, ev.ID)

	for len(l.order) > l.capacity {
		evictID := l.order[0]
		l.order = l.order[1:]
		if err := l.index.Delete(evictID); err != nil {
			return fmt.Errorf("eventlog: evict oldest: %w", err)
		}
	}
	return nil
}

// Query runs a full-text search over event detail, optionally narrowed
// to a single node id and/or kind. limit <= 0 defaults to 50.
func (l *Log) Query(text, nodeID, kind string, limit int) ([]Event, error) {
	var q = bleve.NewMatchQuery(text)
	q.SetField("detail")

	var query bquery.Query = q
	if nodeID != "" || kind != "" {
		conj := bleve.NewConjunctionQuery(q)
		if nodeID != "" {
			nq := bleve.NewMatchQuery(nodeID)
			nq.SetField("node_id")
			conj.AddQuery(nq)
		}
		if kind != "" {
			kq := bleve.NewMatchQuery(kind)
			kq.SetField("kind")
			conj.AddQuery(kq)
		}
		query = conj
	}

	req := bleve.NewSearchRequest(query)
	req.Size = limit
	if req.Size <= 0 {
		req.Size = 50
	}
	req.Fields = []string{"kind", "node_id", "detail", "timestamp"}

	res, err := l.index.Search(req)
	if err != nil {
		return nil, fmt.Errorf("eventlog: search: %w", err)
	}

	out := make([]Event, 0, len(res.Hits))
	for _, hit := range res.Hits {
		ev := Event{
			ID:        hit.ID,
			Kind:      fieldString(hit.Fields, "kind"),
			NodeID:    fieldString(hit.Fields, "node_id"),
			Detail:    fieldString(hit.Fields, "detail"),
			Timestamp: fieldInt64(hit.Fields, "timestamp"),
		}
		// The match queries tokenize ids and kinds ("node-b" also hits
		// "node-a"), so keep exact matches only.
		if (nodeID != "" && ev.NodeID != nodeID) || (kind != "" && ev.Kind != kind) {
			continue
		}
		out = append(out, ev)
	}
	return out, nil
}

func fieldString(fields map[string]interface{}, key string) string {
	v, _ := fields[key].(string)
	return v
}

func fieldInt64(fields map[string]interface{}, key string) int64 {
	switch v := fields[key].(type) {
	case float64:
		return int64(v)
	case int64:
		return v
	default:
		return 0
	}
}

// loadOrder rebuilds the eviction order from the index's own timestamp
// field after a restart. Best-effort: a failure here only degrades
// eviction ordering, never correctness of stored events.
func (l *Log) loadOrder() {
	req := bleve.NewSearchRequest(bleve.NewMatchAllQuery())
	req.Size = l.capacity
	req.SortBy([]string{"timestamp"})
	res, err := l.index.Search(req)
	if err != nil {
		return
	}
	order := make([]string, 0, len(res.Hits))
	for _, hit := range res.Hits {
		order = append(order, hit.ID)
	}
	l.order = order
}

// Close closes the underlying index.
func (l *Log) Close() error {
	return l.index.Close()
}

// Delete removes the index from disk entirely.
func (l *Log) Delete() error {
	l.index.Close()
	if l.path != "" {
		return os.RemoveAll(l.path)
	}
	return nil
}
