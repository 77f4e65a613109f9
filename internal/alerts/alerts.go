// Package alerts fans governance and divergence notifications out to the
// configured channels. Delivery is fire-and-forget: a slow or broken channel
// never blocks or fails the evaluation that raised the alert.
package alerts

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Severity levels, mirroring the zerolog levels the log channel maps onto.
const (
	SeverityInfo     = "INFO"
	SeverityWarning  = "WARNING"
	SeverityCritical = "CRITICAL"
)

// Event is one notification.
type Event struct {
	Severity string            `json:"severity"`
	Source   string            `json:"source"`
	Message  string            `json:"message"`
	Fields   map[string]string `json:"fields,omitempty"`
}

// Channel delivers an event to one destination.
type Channel interface {
	Name() string
	Send(ctx context.Context, evt Event) error
}

// Dispatcher broadcasts events to every channel concurrently. Send errors
// are logged and swallowed.
type Dispatcher struct {
	channels []Channel
	timeout  time.Duration
	log      zerolog.Logger

	wg sync.WaitGroup
}

// NewDispatcher creates a dispatcher over the given channels.
func NewDispatcher(timeout time.Duration, channels ...Channel) *Dispatcher {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &Dispatcher{
		channels: channels,
		timeout:  timeout,
		log:      log.With().Str("component", "alerts").Logger(),
	}
}

// Dispatch sends the event to all channels without waiting for delivery.
// The caller's context only gates the enqueue; each delivery gets its own
// timeout so an already-cancelled evaluation still emits its alert.
func (d *Dispatcher) Dispatch(_ context.Context, evt Event) {
	for _, ch := range d.channels {
		ch := ch
		d.wg.Add(1)
		go func() {
			defer d.wg.Done()
			sendCtx, cancel := context.WithTimeout(context.Background(), d.timeout)
			defer cancel()
			if err := ch.Send(sendCtx, evt); err != nil {
				d.log.Warn().Err(err).
					Str("channel", ch.Name()).
					Str("severity", evt.Severity).
					Msg("alert delivery failed")
			}
		}()
	}
}

// Flush waits for in-flight deliveries. Tests and shutdown paths use it;
// normal operation never does.
func (d *Dispatcher) Flush() {
	d.wg.Wait()
}
