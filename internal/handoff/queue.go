package handoff

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"devos/internal/cache"
)

const (
	queueTTL = 30 * 24 * time.Hour

	// popRetries bounds the race window where a peer removed the member
	// we just peeked.
	popRetries = 5
)

// Queue is a per-workspace priority queue on a shared-cache sorted set.
// Score is the priority (lower pops first); members embed a monotonic
// sequence so equal priorities pop in insertion order.
type Queue struct {
	backend cache.Backend
}

// NewQueue wraps the cache backend.
func NewQueue(backend cache.Backend) *Queue {
	return &Queue{backend: backend}
}

func queueKey(workspaceID string) string {
	return "handoff-queue:" + workspaceID
}

type queueEntry struct {
	Seq    int64  `json:"seq"`
	Params Params `json:"params"`
}

// Enqueue appends the full handoff params at the given priority.
func (q *Queue) Enqueue(ctx context.Context, params Params) error {
	seq, err := q.backend.Incr(ctx, queueKey(params.WorkspaceID)+":seq")
	if err != nil {
		return fmt.Errorf("failed to allocate queue sequence: %w", err)
	}
	entry := queueEntry{Seq: seq, Params: params}
	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("failed to serialize handoff params: %w", err)
	}
	// The member is prefixed with a fixed-width sequence so that members
	// sharing a score sort in insertion order.
	member := fmt.Sprintf("%020d|%s", seq, data)
	key := queueKey(params.WorkspaceID)
	if err := q.backend.ZAdd(ctx, key, float64(params.Priority), member); err != nil {
		return err
	}
	return q.backend.Expire(ctx, key, queueTTL)
}

// PeekAndPop atomically takes the highest-priority entry: read the lowest
// score, then remove that exact serialized member. Removal is never done
// by score range because multiple entries may share a score.
func (q *Queue) PeekAndPop(ctx context.Context, workspaceID string) (*Params, error) {
	key := queueKey(workspaceID)
	for i := 0; i < popRetries; i++ {
		members, err := q.backend.ZRangeWithScores(ctx, key, 0, 0)
		if err != nil {
			return nil, err
		}
		if len(members) == 0 {
			return nil, nil
		}
		removed, err := q.backend.ZRem(ctx, key, members[0].Member)
		if err != nil {
			return nil, err
		}
		if removed == 0 {
			// A peer won the race for this member; peek again.
			continue
		}
		return decodeQueueMember(members[0].Member)
	}
	return nil, fmt.Errorf("queue contention on workspace %s", workspaceID)
}

// Depth returns the number of queued handoffs.
func (q *Queue) Depth(ctx context.Context, workspaceID string) (int, error) {
	n, err := q.backend.ZCard(ctx, queueKey(workspaceID))
	return int(n), err
}

// List returns queued entries in pop order without removing them.
func (q *Queue) List(ctx context.Context, workspaceID string) ([]Params, error) {
	members, err := q.backend.ZRangeWithScores(ctx, queueKey(workspaceID), 0, -1)
	if err != nil {
		return nil, err
	}
	out := make([]Params, 0, len(members))
	for _, m := range members {
		p, err := decodeQueueMember(m.Member)
		if err != nil {
			return nil, err
		}
		out = append(out, *p)
	}
	return out, nil
}

func decodeQueueMember(member string) (*Params, error) {
	for i := 0; i < len(member); i++ {
		if member[i] == '|' {
			var entry queueEntry
			if err := json.Unmarshal([]byte(member[i+1:]), &entry); err != nil {
				return nil, fmt.Errorf("corrupt queue member: %w", err)
			}
			return &entry.Params, nil
		}
	}
	return nil, fmt.Errorf("corrupt queue member: no separator")
}
