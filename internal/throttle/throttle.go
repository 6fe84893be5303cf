package throttle

import (
	"context"
	"math/rand"
	"time"

	gocache "github.com/patrickmn/go-cache"
	"github.com/rs/zerolog/log"
)

// Kind selects which rate window an outbound message counts against.
type Kind string

const (
	KindText  Kind = "text"
	KindMedia Kind = "media"
)

// Options tune the three outbound policies. Zero values fall back to the
// defaults below.
type Options struct {
	Window         time.Duration // fixed rate window, default 1m
	MaxText        int           // default 10 per window
	MaxMedia       int           // default 5 per window
	MinDelay       time.Duration // default 2s
	MaxDelay       time.Duration // default 10s
	TypingDuration time.Duration // default 1.5s
}

func (o *Options) defaults() {
	if o.Window <= 0 {
		o.Window = time.Minute
	}
	if o.MaxText <= 0 {
		o.MaxText = 10
	}
	if o.MaxMedia <= 0 {
		o.MaxMedia = 5
	}
	if o.MinDelay <= 0 {
		o.MinDelay = 2 * time.Second
	}
	if o.MaxDelay < o.MinDelay {
		o.MaxDelay = 10 * time.Second
	}
	if o.TypingDuration <= 0 {
		o.TypingDuration = 1500 * time.Millisecond
	}
}

// Throttle is the outbound abuse-avoidance stage: a fixed-window rate
// limiter per account, a randomized pre-send delay, and a cosmetic typing
// simulation. Window state is process-local.
type Throttle struct {
	opts    Options
	windows *gocache.Cache
}

// New builds a throttle with the given options.
func New(opts Options) *Throttle {
	opts.defaults()
	return &Throttle{
		opts:    opts,
		windows: gocache.New(opts.Window, 2*opts.Window),
	}
}

func (t *Throttle) limit(kind Kind) int {
	if kind == KindMedia {
		return t.opts.MaxMedia
	}
	return t.opts.MaxText
}

// Allow counts one message of the given kind against the account's current
// window and reports whether sending is permitted now. A false return means
// the caller must re-enqueue, never drop.
func (t *Throttle) Allow(accountID string, kind Kind) bool {
	key := string(kind) + ":" + accountID
	// First hit in a window starts it; the entry expires with the window so
	// the count resets to permitted.
	if err := t.windows.Add(key, 1, t.opts.Window); err == nil {
		return true
	}
	n, err := t.windows.IncrementInt(key, 1)
	if err != nil {
		// Entry expired between Add and Increment; start a fresh window.
		t.windows.SetDefault(key, 1)
		return true
	}
	if n > t.limit(kind) {
		log.Warn().
			Str("accountID", accountID).
			Str("kind", string(kind)).
			Int("count", n).
			Msg("Outbound rate limit reached, message must wait")
		return false
	}
	return true
}

// Delay sleeps a uniform random duration in [MinDelay, MaxDelay], or returns
// early when ctx is cancelled.
func (t *Throttle) Delay(ctx context.Context) error {
	span := t.opts.MaxDelay - t.opts.MinDelay
	d := t.opts.MinDelay
	if span > 0 {
		d += time.Duration(rand.Int63n(int64(span)))
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// SimulateTyping sends a composing presence via send and holds it for the
// configured duration. Purely cosmetic: any failure is swallowed and logged,
// it must never block the message itself.
func (t *Throttle) SimulateTyping(ctx context.Context, accountID string, send func(ctx context.Context) error) {
	if err := send(ctx); err != nil {
		log.Debug().Err(err).Str("accountID", accountID).Msg("Typing simulation failed, continuing")
		return
	}
	timer := time.NewTimer(t.opts.TypingDuration)
	defer timer.Stop()
	select {
	case <-timer.C:
	case <-ctx.Done():
	}
}
