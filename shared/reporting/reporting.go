package reporting

import (
	"fmt"
	"time"

	"github.com/getsentry/sentry-go"
)

// Config holds error reporting settings; an empty DSN disables reporting
type Config struct {
	DSN         string
	Environment string
	Release     string
	SampleRate  float64
}

// Reporter forwards unexpected failures to the error tracker
type Reporter interface {
	CaptureError(err error, tags map[string]string)
	Flush(timeout time.Duration)
}

// Init configures the sentry SDK. It returns a no-op reporter when no DSN is set.
func Init(cfg Config) (Reporter, error) {
	if cfg.DSN == "" {
		return Nop{}, nil
	}

	sampleRate := cfg.SampleRate
	if sampleRate <= 0 {
		sampleRate = 1.0
	}

	err := sentry.Init(sentry.ClientOptions{
		Dsn:         cfg.DSN,
		Environment: cfg.Environment,
		Release:     cfg.Release,
		SampleRate:  sampleRate,
	})
	if err != nil {
		return nil, fmt.Errorf("sentry.Init: %w", err)
	}

	return &Sentry{hub: sentry.CurrentHub()}, nil
}

// Sentry reports to a sentry hub
type Sentry struct {
	hub *sentry.Hub
}

// NewSentry wraps an already configured hub
func NewSentry(hub *sentry.Hub) *Sentry {
	return &Sentry{hub: hub}
}

// CaptureError sends err with tags attached to the event scope
func (s *Sentry) CaptureError(err error, tags map[string]string) {
	if err == nil {
		return
	}
	s.hub.WithScope(func(scope *sentry.Scope) {
		scope.SetTags(tags)
		s.hub.CaptureException(err)
	})
}

// Flush waits for buffered events to be sent
func (s *Sentry) Flush(timeout time.Duration) {
	s.hub.Flush(timeout)
}

// Nop discards everything
type Nop struct{}

func (Nop) CaptureError(error, map[string]string) {}
func (Nop) Flush(time.Duration)                   {}
