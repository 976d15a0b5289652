// Package stream batches CLI session output into periodic events with a
// bounded replay buffer for late subscribers.
package stream

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"devos/internal/cache"
	"devos/internal/db"
	"devos/internal/events"
	"devos/internal/telemetry"
)

const (
	// FlushInterval is how often buffered lines are published.
	FlushInterval = 100 * time.Millisecond

	// maxTotalLines caps the in-memory transcript; oldest lines drop.
	maxTotalLines = 50_000

	// bufferLines is the replay window kept in the shared cache.
	bufferLines = 1000

	// bufferTTL is how long the replay buffer outlives the session.
	bufferTTL = time.Hour
)

func bufferKey(sessionID string) string {
	return "cli:output:" + sessionID
}

type sessionStream struct {
	mu         sync.Mutex
	batch      []string
	total      []string
	nextOffset int64
	stop       chan struct{}
}

// Streamer fans session stdout/stderr into cli.output events. Line
// offsets are strictly monotonic per session and cover every line once.
type Streamer struct {
	backend  cache.Backend
	store    db.Store
	emitter  events.Emitter
	metrics  *telemetry.Metrics
	interval time.Duration

	mu       sync.Mutex
	sessions map[string]*sessionStream
}

// NewStreamer wires the streamer with the default flush interval.
func NewStreamer(backend cache.Backend, store db.Store, emitter events.Emitter, metrics *telemetry.Metrics) *Streamer {
	return &Streamer{
		backend:  backend,
		store:    store,
		emitter:  emitter,
		metrics:  metrics,
		interval: FlushInterval,
		sessions: make(map[string]*sessionStream),
	}
}

// SetFlushInterval overrides the flush cadence.
func (s *Streamer) SetFlushInterval(d time.Duration) { s.interval = d }

// StartStreaming clears any stale replay buffer and arms the periodic
// flush for the session.
func (s *Streamer) StartStreaming(ctx context.Context, sessionID string) error {
	if err := s.backend.Del(ctx, bufferKey(sessionID)); err != nil {
		return fmt.Errorf("failed to clear stale output buffer: %w", err)
	}

	ss := &sessionStream{stop: make(chan struct{})}
	s.mu.Lock()
	if prev, ok := s.sessions[sessionID]; ok {
		close(prev.stop)
	}
	s.sessions[sessionID] = ss
	s.mu.Unlock()

	go func() {
		ticker := time.NewTicker(s.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ss.stop:
				return
			case <-ticker.C:
				s.Flush(context.Background(), sessionID)
			}
		}
	}()
	return nil
}

// OnOutput ingests a raw chunk from the session's stdout or stderr.
// Output not belonging to a streaming session is discarded.
func (s *Streamer) OnOutput(sessionID string, data []byte) {
	s.mu.Lock()
	ss, ok := s.sessions[sessionID]
	s.mu.Unlock()
	if !ok {
		return
	}

	var lines []string
	for _, line := range strings.Split(string(data), "\n") {
		if line != "" {
			lines = append(lines, line)
		}
	}
	if len(lines) == 0 {
		return
	}

	ss.mu.Lock()
	ss.batch = append(ss.batch, lines...)
	ss.total = append(ss.total, lines...)
	if over := len(ss.total) - maxTotalLines; over > 0 {
		ss.total = ss.total[over:]
	}
	ss.mu.Unlock()

	if s.metrics != nil {
		s.metrics.OutputLinesTotal.Add(float64(len(lines)))
	}
}

// Flush publishes the pending batch, if any, and refreshes the replay
// buffer with the last lines of the transcript.
func (s *Streamer) Flush(ctx context.Context, sessionID string) {
	s.mu.Lock()
	ss, ok := s.sessions[sessionID]
	s.mu.Unlock()
	if !ok {
		return
	}

	ss.mu.Lock()
	if len(ss.batch) == 0 {
		ss.mu.Unlock()
		return
	}
	batch := ss.batch
	offset := ss.nextOffset
	ss.nextOffset += int64(len(batch))
	ss.batch = nil

	tail := ss.total
	if len(tail) > bufferLines {
		tail = tail[len(tail)-bufferLines:]
	}
	buffered := make([]string, len(tail))
	copy(buffered, tail)
	ss.mu.Unlock()

	if s.emitter != nil {
		s.emitter.Emit(events.CLIOutput, map[string]any{
			"sessionId":  sessionID,
			"lines":      batch,
			"lineOffset": offset,
			"timestamp":  time.Now().UTC(),
		})
	}

	payload, err := json.Marshal(buffered)
	if err != nil {
		telemetry.LogError("failed to serialize output buffer", err, "session", sessionID)
		return
	}
	if err := s.backend.Set(ctx, bufferKey(sessionID), string(payload), 0); err != nil {
		telemetry.LogWarn("failed to refresh output buffer", "session", sessionID, "error", err)
	}
}

// StopStreaming performs a final flush, expires the replay buffer, and
// archives the full transcript.
func (s *Streamer) StopStreaming(ctx context.Context, sessionID string) error {
	s.mu.Lock()
	ss, ok := s.sessions[sessionID]
	if ok {
		delete(s.sessions, sessionID)
	}
	s.mu.Unlock()
	if !ok {
		return nil
	}
	close(ss.stop)

	// Final flush needs the session visible to Flush.
	s.mu.Lock()
	s.sessions[sessionID] = ss
	s.mu.Unlock()
	s.Flush(ctx, sessionID)
	s.mu.Lock()
	delete(s.sessions, sessionID)
	s.mu.Unlock()

	if err := s.backend.Expire(ctx, bufferKey(sessionID), bufferTTL); err != nil {
		telemetry.LogWarn("failed to set output buffer ttl", "session", sessionID, "error", err)
	}

	ss.mu.Lock()
	transcript := strings.Join(ss.total, "\n")
	ss.mu.Unlock()
	if s.store != nil {
		if err := s.store.ArchiveSessionOutput(ctx, sessionID, transcript); err != nil {
			return fmt.Errorf("failed to archive session output: %w", err)
		}
	}
	return nil
}

// GetBufferedOutput returns the replay window, or an empty slice when
// nothing is buffered.
func (s *Streamer) GetBufferedOutput(ctx context.Context, sessionID string) ([]string, error) {
	val, ok, err := s.backend.Get(ctx, bufferKey(sessionID))
	if err != nil {
		return nil, err
	}
	if !ok {
		return []string{}, nil
	}
	var lines []string
	if err := json.Unmarshal([]byte(val), &lines); err != nil {
		return nil, fmt.Errorf("corrupt output buffer for session %s: %w", sessionID, err)
	}
	return lines, nil
}
