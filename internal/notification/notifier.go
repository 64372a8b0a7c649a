// Package notification delivers data-integrity alerts to external channels
// (Telegram, generic webhooks) when scheduled checks find holes in the
// stored price history.
package notification

import (
	"context"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/hanhvu87/Sen13-project/internal/model"
)

// AlertLevel represents the severity of an alert.
type AlertLevel string

const (
	AlertInfo     AlertLevel = "INFO"
	AlertWarning  AlertLevel = "WARNING"
	AlertCritical AlertLevel = "CRITICAL"
)

// Alert represents a notification to be sent.
type Alert struct {
	Level   AlertLevel `json:"level"`
	Title   string     `json:"title"`
	Message string     `json:"message"`
}

// Notifier is the interface for all notification backends.
type Notifier interface {
	// Send delivers an alert. Returns error if delivery fails.
	Send(ctx context.Context, alert Alert) error
}

// LogNotifier logs alerts instead of delivering them. Useful when no
// channel is configured.
type LogNotifier struct{}

func NewLogNotifier() *LogNotifier { return &LogNotifier{} }

func (n *LogNotifier) Send(ctx context.Context, alert Alert) error {
	log.Printf("[notify] [%s] %s: %s", alert.Level, alert.Title, alert.Message)
	return nil
}

// MultiNotifier fans one alert out to several backends. Delivery failures
// are logged per backend and the first error is returned.
type MultiNotifier struct {
	backends []Notifier
}

func NewMultiNotifier(backends ...Notifier) *MultiNotifier {
	return &MultiNotifier{backends: backends}
}

func (m *MultiNotifier) Send(ctx context.Context, alert Alert) error {
	var firstErr error
	for _, b := range m.backends {
		if err := b.Send(ctx, alert); err != nil {
			log.Printf("[notify] backend %T: %v", b, err)
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	return firstErr
}

// GapAlert formats an alert for gaps found in one series. The message lists
// at most ten ranges; beyond that only the total matters to a human reader.
func GapAlert(symbol, tf string, gapList []model.Gap) Alert {
	missing := 0
	var lines []string
	for i, g := range gapList {
		missing += g.Missing
		if i < 10 {
			lines = append(lines, fmt.Sprintf("%s .. %s (%d bars)",
				g.Start.Format(time.RFC3339), g.End.Format(time.RFC3339), g.Missing))
		}
	}
	if len(gapList) > 10 {
		lines = append(lines, fmt.Sprintf("... and %d more ranges", len(gapList)-10))
	}

	level := AlertWarning
	if missing >= 100 {
		level = AlertCritical
	}
	return Alert{
		Level:   level,
		Title:   fmt.Sprintf("Price history gaps: %s %s", symbol, tf),
		Message: fmt.Sprintf("%d bars missing in %d ranges\n%s", missing, len(gapList), strings.Join(lines, "\n")),
	}
}
