package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"pivot-signals/internal/model"
)

// BufferedPublisher wraps a Store so that signals published while the
// circuit is open are kept locally and replayed once it closes again.
type BufferedPublisher struct {
	store *Store
	ctx   context.Context

	mu     sync.Mutex
	buffer []string
	maxBuf int

	// OnFlush, if set, is called after buffered signals were replayed.
	OnFlush func(count int)
}

// NewBufferedPublisher creates a BufferedPublisher. ctx bounds the replay
// writes; maxBufferSize <= 0 defaults to 500 signals, oldest dropped first.
func NewBufferedPublisher(ctx context.Context, s *Store, maxBufferSize int) *BufferedPublisher {
	if maxBufferSize <= 0 {
		maxBufferSize = 500
	}
	bp := &BufferedPublisher{
		store:  s,
		ctx:    ctx,
		buffer: make([]string, 0, 16),
		maxBuf: maxBufferSize,
	}

	prev := s.cb.OnStateChange
	s.cb.OnStateChange = func(from, to State) {
		if prev != nil {
			prev(from, to)
		}
		if to == StateClosed {
			go bp.flush()
		}
	}
	return bp
}

// PublishSignal publishes env, or buffers it if the circuit is open.
func (bp *BufferedPublisher) PublishSignal(ctx context.Context, env model.Envelope) error {
	data, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("marshal signal: %w", err)
	}
	err = bp.store.publishRaw(ctx, string(data))
	if errors.Is(err, ErrCircuitOpen) {
		bp.push(string(data))
		return nil
	}
	return err
}

// PublishLevels passes through to the store.
func (bp *BufferedPublisher) PublishLevels(ctx context.Context, set model.LevelSet) error {
	return bp.store.PublishLevels(ctx, set)
}

func (bp *BufferedPublisher) push(data string) {
	bp.mu.Lock()
	defer bp.mu.Unlock()
	if len(bp.buffer) >= bp.maxBuf {
		bp.buffer = bp.buffer[1:]
		bp.store.log.Warn().Int("max", bp.maxBuf).Msg("signal buffer full, dropped oldest")
	}
	bp.buffer = append(bp.buffer, data)
}

func (bp *BufferedPublisher) flush() {
	bp.mu.Lock()
	if len(bp.buffer) == 0 {
		bp.mu.Unlock()
		return
	}
	pending := bp.buffer
	bp.buffer = make([]string, 0, 16)
	bp.mu.Unlock()

	flushed := 0
	for i, data := range pending {
		if err := bp.store.publishRaw(bp.ctx, data); err != nil {
			bp.store.log.Error().Err(err).Int("remaining", len(pending)-i).Msg("replay of buffered signals interrupted")
			bp.mu.Lock()
			bp.buffer = append(pending[i:], bp.buffer...)
			bp.mu.Unlock()
			break
		}
		flushed++
	}

	bp.store.log.Info().Int("count", flushed).Msg("replayed buffered signals")
	if bp.OnFlush != nil {
		bp.OnFlush(flushed)
	}
}

// PendingCount returns the number of buffered signals waiting to be replayed.
func (bp *BufferedPublisher) PendingCount() int {
	bp.mu.Lock()
	defer bp.mu.Unlock()
	return len(bp.buffer)
}
