package peermgr

import (
	"context"
	"crypto/sha256"
	"encoding/binary"
	"sync"
	"time"
)

// discoveryQueueItem is one gossip-discovered node id waiting its turn
// to be dialed.
type discoveryQueueItem struct {
	nodeID  string
	ticket  string
	attempt int
}

// discoveryQueue serializes connection attempts to gossip-discovered
// peers: only nodes whose id sorts lexicographically higher than ours are
// enqueued (we are then the lower id and the initiator; when our id is
// the higher one we wait to be dialed, avoiding a double-connect race), at most
// DiscoveryQueueConcurrency run concurrently, each staggered by a
// deterministic 0-500ms delay derived from XORing the two node ids, and
// failed attempts retry up to DiscoveryRetryMax times with
// DiscoveryRetryBase*2^(attempt-1) backoff.
type discoveryQueue struct {
	mgr *Manager

	mu      sync.Mutex
	queued  map[string]bool
	running int
	items   []discoveryQueueItem
}

func newDiscoveryQueue(mgr *Manager) *discoveryQueue {
	return &discoveryQueue{mgr: mgr, queued: make(map[string]bool)}
}

// Enqueue adds nodeID/ticket to the queue unless our node id sorts
// higher (in which case the peer is expected to dial us instead) or the
// node is already queued or running.
func (q *discoveryQueue) Enqueue(ctx context.Context, nodeID, ticket string) {
	if q.mgr.ourNodeIDIsHigher(nodeID) {
		return
	}

	q.mu.Lock()
	if q.queued[nodeID] {
		q.mu.Unlock()
		return
	}
	q.queued[nodeID] = true
	q.items = append(q.items, discoveryQueueItem{nodeID: nodeID, ticket: ticket})
	q.mu.Unlock()

	q.drain(ctx)
}

func (q *discoveryQueue) drain(ctx context.Context) {
	for {
		q.mu.Lock()
		if q.running >= q.mgr.cfg.DiscoveryQueueConcurrency || len(q.items) == 0 {
			q.mu.Unlock()
			return
		}
		item := q.items[0]
		q.items = q.items[1:]
		q.running++
		q.mu.Unlock()

		go q.run(ctx, item)
	}
}

func (q *discoveryQueue) run(ctx context.Context, item discoveryQueueItem) {
	defer func() {
		q.mu.Lock()
		q.running--
		delete(q.queued, item.nodeID)
		q.mu.Unlock()
		q.drain(ctx)
	}()

	select {
	case <-time.After(staggerDelay(q.mgr.nodeID(), item.nodeID)):
	case <-ctx.Done():
		return
	}

	if _, err := q.mgr.AddPeer(ctx, item.ticket); err != nil {
		item.attempt++
		if item.attempt >= q.mgr.cfg.DiscoveryRetryMax {
			q.mgr.logger.Printf("peermgr: discovery connect to %s failed after %d attempts: %v", item.nodeID, item.attempt, err)
			return
		}
		backoff := q.mgr.cfg.DiscoveryRetryBase * time.Duration(1<<uint(item.attempt-1))
		go func() {
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				return
			}
			q.mu.Lock()
			q.queued[item.nodeID] = true
			q.items = append(q.items, item)
			q.mu.Unlock()
			q.drain(ctx)
		}()
	}
}

// staggerDelay derives a deterministic 0-500ms delay from the XOR of
// the two node ids' hashes, so both sides of a mutual-discovery race
// compute the same ordering without coordination.
func staggerDelay(ourID, peerID string) time.Duration {
	a := sha256.Sum256([]byte(ourID))
	b := sha256.Sum256([]byte(peerID))
	var x [32]byte
	for i := range x {
		x[i] = a[i] ^ b[i]
	}
	n := binary.BigEndian.Uint64(x[:8])
	return time.Duration(n%501) * time.Millisecond
}
