package notifications

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"golang.org/x/time/rate"
)

const (
	maxRetries  = 3
	retryBase   = 30 * time.Second
	burstLimit  = 10
	ratePerSec  = 5
)

// Dispatcher routes notifications to the registered Sender for their
// channel and retries transient failures up to maxRetries times with
// exponential backoff from retryBase, per the dispatch contract. Dispatch
// is fire-and-forget from the caller's perspective: it returns as soon as
// the retry sequence is scheduled, not once it completes.
type Dispatcher struct {
	mu       sync.RWMutex
	senders  map[Channel]Sender
	limiter  *rate.Limiter
	newBackoff func() backoff.BackOff
}

// NewDispatcher constructs a Dispatcher with no senders registered.
// Register senders with Register before calling Dispatch.
func NewDispatcher() *Dispatcher {
	d := &Dispatcher{
		senders: make(map[Channel]Sender),
		limiter: rate.NewLimiter(rate.Limit(ratePerSec), burstLimit),
	}
	d.newBackoff = func() backoff.BackOff {
		b := backoff.NewExponentialBackOff()
		b.InitialInterval = retryBase
		b.Multiplier = 2
		b.MaxElapsedTime = 0 // bounded by WithMaxRetries instead of wall-clock
		return backoff.WithMaxRetries(b, maxRetries)
	}
	return d
}

// Register binds a Sender to the channel it reports via Name.
func (d *Dispatcher) Register(s Sender) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.senders[s.Name()] = s
}

// Dispatch schedules delivery of n and returns immediately. The send
// itself, including retries, runs on a separate goroutine; failures are
// logged, never returned to the caller, per the contract's fire-and-
// forget semantics.
func (d *Dispatcher) Dispatch(n Notification) {
	go d.deliver(n)
}

// DispatchAndWait is Dispatch's synchronous counterpart, for tests and
// for callers (S4's timeout/bypass notifications) that need to know the
// outcome before proceeding.
func (d *Dispatcher) DispatchAndWait(n Notification) error {
	return d.deliver(n)
}

func (d *Dispatcher) deliver(n Notification) error {
	d.mu.RLock()
	sender, ok := d.senders[n.Channel]
	d.mu.RUnlock()
	if !ok {
		err := fmt.Errorf("notifications: no sender registered for channel %q", n.Channel)
		log.Printf("[NOTIFICATION] %v", err)
		return err
	}

	if err := d.limiter.Wait(context.Background()); err != nil {
		log.Printf("[NOTIFICATION] rate limiter wait for %s: %v", n.Channel, err)
	}

	attempt := 0
	op := func() error {
		attempt++
		err := sender.Send(n)
		if err != nil {
			log.Printf("[NOTIFICATION] send to %s via %s failed (attempt %d): %v", n.RecipientID, n.Channel, attempt, err)
		}
		return err
	}

	err := backoff.Retry(op, d.newBackoff())
	if err != nil {
		log.Printf("[NOTIFICATION] giving up on %s via %s after %d attempts: %v", n.RecipientID, n.Channel, attempt, err)
		return err
	}
	return nil
}

// Channels returns the set of channels with a registered sender.
func (d *Dispatcher) Channels() []Channel {
	d.mu.RLock()
	defer d.mu.RUnlock()
	out := make([]Channel, 0, len(d.senders))
	for c := range d.senders {
		out = append(out, c)
	}
	return out
}
