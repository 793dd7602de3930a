// Package notification delivers emitted signals to external channels
// (log, Telegram, webhooks) and fans them out to the persistence backends.
package notification

import (
	"context"
	"fmt"
	"strings"

	"github.com/rs/zerolog"

	"pivot-signals/internal/model"
)

// AlertLevel represents the severity of an alert.
type AlertLevel string

const (
	AlertInfo     AlertLevel = "INFO"
	AlertWarning  AlertLevel = "WARNING"
	AlertCritical AlertLevel = "CRITICAL"
)

// Alert is one notification derived from a signal envelope.
type Alert struct {
	Level   AlertLevel      `json:"level"`
	Title   string          `json:"title"`
	Message string          `json:"message"`
	Signal  *model.Envelope `json:"signal,omitempty"`
}

// Notifier is the interface for all notification backends.
type Notifier interface {
	// Name identifies the backend in logs and metrics.
	Name() string
	// Send delivers an alert. Returns error if delivery fails.
	Send(ctx context.Context, alert Alert) error
}

// AlertFor renders an envelope as an alert. Validated breakouts are
// critical, lifecycle changes are warnings, the rest informational.
func AlertFor(env model.Envelope) Alert {
	a := Alert{Level: AlertInfo, Signal: &env}
	switch s := env.Signal.(type) {
	case model.ValidatedSignal:
		a.Level = AlertCritical
		a.Title = fmt.Sprintf("VALIDATED %s %s @ %.2f", s.Level.Label(), s.Direction, s.Price)
	case model.PartialBreakoutSignal:
		a.Level = AlertWarning
		a.Title = fmt.Sprintf("PARTIAL BREAKOUT %s %s @ %.2f", s.Level.Label(), s.Direction, s.Price)
	case model.InvalidatedSignal:
		a.Level = AlertWarning
		a.Title = fmt.Sprintf("INVALIDATED %s @ %.2f", s.Level.Label(), s.Price)
	case model.RangeReturnSignal:
		a.Level = AlertWarning
		a.Title = fmt.Sprintf("RANGE RETURN @ %.2f", s.Price)
	case model.TensionSignal:
		a.Title = fmt.Sprintf("TENSION %s @ %.2f", s.Level.Label(), s.Price)
	case model.NeutralSignal:
		a.Title = fmt.Sprintf("NEUTRAL @ %.2f", s.Price)
	default:
		a.Title = string(env.Kind)
	}

	var b strings.Builder
	b.WriteString(env.Comment)
	if t := env.Trading; t != nil {
		fmt.Fprintf(&b, "\nSL %.2f | trailing %.2f | TP %.2f", t.StopLoss, t.TrailingStop, t.TakeProfit)
		if t.Target2 != 0 {
			fmt.Fprintf(&b, " | T2 %.2f", t.Target2)
		}
	}
	a.Message = b.String()
	return a
}

// LogNotifier writes alerts to the structured log.
type LogNotifier struct {
	log zerolog.Logger
}

// NewLogNotifier creates a log-based notifier.
func NewLogNotifier(log zerolog.Logger) *LogNotifier {
	return &LogNotifier{log: log.With().Str("component", "notify").Logger()}
}

func (n *LogNotifier) Name() string { return "log" }

func (n *LogNotifier) Send(_ context.Context, alert Alert) error {
	ev := n.log.Info()
	if alert.Level == AlertCritical {
		ev = n.log.Warn()
	}
	ev = ev.Str("level_alert", string(alert.Level)).Str("title", alert.Title)
	if alert.Signal != nil {
		ev = ev.Str("signal_id", alert.Signal.ID).Str("kind", string(alert.Signal.Kind)).Float64("price", alert.Signal.Price)
	}
	ev.Msg(alert.Message)
	return nil
}
