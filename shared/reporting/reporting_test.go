package reporting

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/getsentry/sentry-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInit_EmptyDSNIsNop(t *testing.T) {
	r, err := Init(Config{})
	require.NoError(t, err)
	assert.IsType(t, Nop{}, r)

	// must not panic
	r.CaptureError(errors.New("boom"), nil)
	r.Flush(time.Millisecond)
}

func TestSentry_CaptureError(t *testing.T) {
	var (
		mu     sync.Mutex
		events []*sentry.Event
	)
	client, err := sentry.NewClient(sentry.ClientOptions{
		Dsn: "https://public@example.com/1",
		BeforeSend: func(event *sentry.Event, _ *sentry.EventHint) *sentry.Event {
			mu.Lock()
			defer mu.Unlock()
			events = append(events, event)
			return nil
		},
	})
	require.NoError(t, err)

	r := NewSentry(sentry.NewHub(client, sentry.NewScope()))
	r.CaptureError(errors.New("upload exploded"), map[string]string{"job_id": "job-1"})
	r.CaptureError(nil, nil)

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, events, 1)
	assert.Equal(t, "job-1", events[0].Tags["job_id"])
	require.NotEmpty(t, events[0].Exception)
	assert.Equal(t, "upload exploded", events[0].Exception[len(events[0].Exception)-1].Value)
}
