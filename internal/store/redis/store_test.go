package redis

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	goredis "github.com/go-redis/redis/v8"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pivot-signals/internal/clock"
	"pivot-signals/internal/model"
)

var ctx = context.Background()

func newTestStore(t *testing.T) (*Store, *miniredis.Miniredis, *clock.Fake) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := goredis.NewClient(&goredis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	clk := clock.NewFake(time.Date(2025, 6, 4, 9, 0, 0, 0, time.UTC))
	s := NewWithClient(client, Config{MaxFailures: 1, ResetTimeout: 10 * time.Second}, clk, zerolog.Nop(), nil)
	return s, mr, clk
}

func envelope(id string) model.Envelope {
	level := model.PriceLevel{Key: model.Resistance(2, model.SessionClassic), Value: 3440}
	return model.Envelope{
		ID:          id,
		Kind:        model.SignalPartialBreakout,
		Signal:      model.PartialBreakoutSignal{Level: level, Price: 3443, Amplitude: 3, Direction: model.Bullish},
		Price:       3443,
		At:          time.Date(2025, 6, 4, 9, 1, 0, 0, time.UTC),
		ActivePivot: model.SessionClassic,
		Phase:       model.PhasePartial,
		Session:     "europe",
	}
}

func TestStateRoundTrip(t *testing.T) {
	s, mr, _ := newTestStore(t)

	data, err := s.Load(ctx)
	require.NoError(t, err)
	assert.Nil(t, data)

	require.NoError(t, s.Save(ctx, []byte(`{"phase":"TENSION"}`)))
	got, err := mr.Get("pivotbot:state")
	require.NoError(t, err)
	assert.Equal(t, `{"phase":"TENSION"}`, got)

	data, err = s.Load(ctx)
	require.NoError(t, err)
	assert.JSONEq(t, `{"phase":"TENSION"}`, string(data))
}

func TestPublishSignal(t *testing.T) {
	s, _, _ := newTestStore(t)

	sub := s.Client().Subscribe(ctx, "pub:signal:xauusd")
	defer sub.Close()
	_, err := sub.Receive(ctx)
	require.NoError(t, err)

	require.NoError(t, s.PublishSignal(ctx, envelope("sig-1")))

	msg, err := sub.ReceiveMessage(ctx)
	require.NoError(t, err)
	var decoded map[string]any
	require.NoError(t, json.Unmarshal([]byte(msg.Payload), &decoded))
	assert.Equal(t, "sig-1", decoded["id"])
	assert.Equal(t, "PARTIAL_BREAKOUT", decoded["kind"])

	latest, err := s.LatestSignal(ctx)
	require.NoError(t, err)
	assert.JSONEq(t, msg.Payload, string(latest))

	n, err := s.Client().XLen(ctx, "signal:xauusd").Result()
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
}

func TestPublishLevels(t *testing.T) {
	s, _, _ := newTestStore(t)

	none, err := s.LatestLevels(ctx, model.SessionAsia)
	require.NoError(t, err)
	assert.Nil(t, none)

	set := model.LevelSet{
		Session: model.SessionAsia,
		Day:     time.Date(2025, 6, 4, 0, 0, 0, 0, time.UTC),
		Levels: []model.PriceLevel{
			{Key: model.Support(1, model.SessionAsia), Value: 3440},
			{Key: model.Pivot(model.SessionAsia), Value: 3450},
			{Key: model.Resistance(1, model.SessionAsia), Value: 3460},
		},
	}
	require.NoError(t, s.PublishLevels(ctx, set))

	got, err := s.LatestLevels(ctx, model.SessionAsia)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, set.Levels, got.Levels)
	assert.Equal(t, 3450.0, got.Pivot())
}

func TestBreakerOpensOnRedisErrors(t *testing.T) {
	s, mr, _ := newTestStore(t)

	mr.SetError("LOADING redis is loading")
	err := s.Save(ctx, []byte(`{}`))
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrCircuitOpen)
	assert.Equal(t, StateOpen, s.Breaker().CurrentState())

	mr.SetError("")
	assert.ErrorIs(t, s.Save(ctx, []byte(`{}`)), ErrCircuitOpen)
}

func TestBufferedPublisherReplaysAfterRecovery(t *testing.T) {
	s, mr, clk := newTestStore(t)
	bp := NewBufferedPublisher(ctx, s, 10)
	flushed := make(chan int, 1)
	bp.OnFlush = func(n int) { flushed <- n }

	mr.SetError("LOADING redis is loading")
	require.Error(t, bp.PublishSignal(ctx, envelope("sig-1")), "the tripping write is reported")

	require.NoError(t, bp.PublishSignal(ctx, envelope("sig-2")), "open circuit buffers")
	require.NoError(t, bp.PublishSignal(ctx, envelope("sig-3")))
	assert.Equal(t, 2, bp.PendingCount())

	mr.SetError("")
	clk.Advance(11 * time.Second)
	require.NoError(t, bp.PublishSignal(ctx, envelope("sig-4")))

	select {
	case n := <-flushed:
		assert.Equal(t, 2, n)
	case <-time.After(2 * time.Second):
		t.Fatal("buffered signals were not replayed")
	}
	assert.Equal(t, 0, bp.PendingCount())

	n, err := s.Client().XLen(ctx, "signal:xauusd").Result()
	require.NoError(t, err)
	assert.Equal(t, int64(3), n)
}

func TestBufferedPublisherDropsOldest(t *testing.T) {
	s, mr, _ := newTestStore(t)
	bp := NewBufferedPublisher(ctx, s, 2)

	mr.SetError("LOADING redis is loading")
	bp.PublishSignal(ctx, envelope("sig-0"))
	for _, id := range []string{"sig-1", "sig-2", "sig-3"} {
		require.NoError(t, bp.PublishSignal(ctx, envelope(id)))
	}
	assert.Equal(t, 2, bp.PendingCount())
}
