package notification

import (
	"context"
	"time"

	"github.com/rs/zerolog"
	"github.com/sourcegraph/conc"

	"pivot-signals/internal/metrics"
	"pivot-signals/internal/model"
)

// Journal durably records level sets and signals.
type Journal interface {
	SaveLevels(ctx context.Context, set model.LevelSet) error
	SaveSignal(ctx context.Context, env model.Envelope) error
}

// Publisher pushes level sets and signals to live subscribers.
type Publisher interface {
	PublishLevels(ctx context.Context, set model.LevelSet) error
	PublishSignal(ctx context.Context, env model.Envelope) error
}

// Sink implements model.SignalSink by fanning out to the journal, the
// publisher and every notifier. Failures are logged and counted, never
// returned.
type Sink struct {
	journal   Journal
	publisher Publisher
	notifiers []Notifier
	timeout   time.Duration
	log       zerolog.Logger
	metrics   *metrics.Metrics
}

// NewSink creates a Sink. journal and publisher may be nil; m may be nil.
func NewSink(journal Journal, publisher Publisher, notifiers []Notifier, log zerolog.Logger, m *metrics.Metrics) *Sink {
	return &Sink{
		journal:   journal,
		publisher: publisher,
		notifiers: notifiers,
		timeout:   15 * time.Second,
		log:       log.With().Str("component", "sink").Logger(),
		metrics:   m,
	}
}

// SaveLevels journals and publishes a computed level set.
func (s *Sink) SaveLevels(ctx context.Context, set model.LevelSet) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	if s.journal != nil {
		s.check("journal", s.journal.SaveLevels(ctx, set))
	}
	if s.publisher != nil {
		s.check("publisher", s.publisher.PublishLevels(ctx, set))
	}
}

// SaveSignal journals, publishes and notifies an emitted signal. Notifiers
// run concurrently.
func (s *Sink) SaveSignal(ctx context.Context, env model.Envelope) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	if s.journal != nil {
		s.check("journal", s.journal.SaveSignal(ctx, env))
	}
	if s.publisher != nil {
		s.check("publisher", s.publisher.PublishSignal(ctx, env))
	}

	alert := AlertFor(env)
	var wg conc.WaitGroup
	for _, n := range s.notifiers {
		n := n
		wg.Go(func() {
			s.check(n.Name(), n.Send(ctx, alert))
		})
	}
	wg.Wait()
}

func (s *Sink) check(target string, err error) {
	if err == nil {
		return
	}
	s.log.Error().Err(err).Str("target", target).Msg("sink write failed")
	if s.metrics != nil {
		s.metrics.SinkFailures.WithLabelValues(target).Inc()
	}
}
