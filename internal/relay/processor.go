package relay

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"wagate/internal/events"
	"wagate/internal/models"
)

// Queue is the durable-queue surface the processor drives.
type Queue interface {
	Enqueue(ctx context.Context, channel string, msg *models.QueueMessage) error
	Dequeue(ctx context.Context, channel string, timeout time.Duration) (*models.QueueMessage, error)
	Retry(ctx context.Context, channel string, msg *models.QueueMessage, max int) error
	DeadLetter(ctx context.Context, channel string, msg *models.QueueMessage) error
}

// Handler processes one queued message. A nil return drops the message; an
// error is classified against the models sentinels.
type Handler func(ctx context.Context, msg *models.QueueMessage) error

// Processor runs one worker loop per registered channel. Each loop is
// single-threaded; loops are independent of each other.
type Processor struct {
	q              Queue
	mirror         *events.Publisher
	maxRetries     int
	dequeueTimeout time.Duration
	errorPause     time.Duration

	mu       sync.Mutex
	handlers map[string]Handler
	cancel   context.CancelFunc
	wg       sync.WaitGroup
}

// ProcessorOptions tune the worker loops.
type ProcessorOptions struct {
	MaxRetries     int           // per-message retry budget, default 3
	DequeueTimeout time.Duration // blocking-dequeue slice, default 2s
	ErrorPause     time.Duration // pause after a broker error, default 1s
}

// NewProcessor builds a processor over the queue. mirror may be nil.
func NewProcessor(q Queue, mirror *events.Publisher, opts ProcessorOptions) *Processor {
	if opts.MaxRetries <= 0 {
		opts.MaxRetries = 3
	}
	if opts.DequeueTimeout <= 0 {
		opts.DequeueTimeout = 2 * time.Second
	}
	if opts.ErrorPause <= 0 {
		opts.ErrorPause = time.Second
	}
	return &Processor{
		q:              q,
		mirror:         mirror,
		maxRetries:     opts.MaxRetries,
		dequeueTimeout: opts.DequeueTimeout,
		errorPause:     opts.ErrorPause,
		handlers:       make(map[string]Handler),
	}
}

// Register binds the handler for a channel. At most one handler per channel.
func (p *Processor) Register(channel string, h Handler) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.handlers[channel]; ok {
		return fmt.Errorf("channel %s already has a handler", channel)
	}
	p.handlers[channel] = h
	return nil
}

// Start launches one loop per registered channel.
func (p *Processor) Start() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.cancel != nil {
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	p.cancel = cancel
	for channel, h := range p.handlers {
		p.wg.Add(1)
		go p.runLoop(ctx, channel, h)
	}
	log.Info().Int("channels", len(p.handlers)).Msg("Relay processor started")
}

// Stop signals the loops to stop dequeuing and waits for in-flight handler
// invocations to finish. No hard timeout is imposed on in-flight work.
func (p *Processor) Stop() {
	p.mu.Lock()
	cancel := p.cancel
	p.cancel = nil
	p.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	p.wg.Wait()
	log.Info().Msg("Relay processor drained and stopped")
}

func (p *Processor) runLoop(ctx context.Context, channel string, h Handler) {
	defer p.wg.Done()
	log.Info().Str("channel", channel).Msg("Worker loop started")

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		msg, err := p.q.Dequeue(ctx, channel, p.dequeueTimeout)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			// Broker hiccup: pause the loop, distinct from per-message retry.
			log.Error().Err(err).Str("channel", channel).Msg("Dequeue failed, pausing worker")
			select {
			case <-time.After(p.errorPause):
			case <-ctx.Done():
				return
			}
			continue
		}
		if msg == nil {
			continue
		}

		// The handler runs on a detached context so shutdown drains it
		// instead of cancelling mid-flight.
		p.dispatch(context.Background(), channel, h, msg)
	}
}

func (p *Processor) dispatch(ctx context.Context, channel string, h Handler, msg *models.QueueMessage) {
	err := h(ctx, msg)
	if err == nil {
		log.Debug().
			Str("channel", channel).
			Str("messageID", msg.ID).
			Msg("Message processed")
		p.mirror.Publish(ctx, events.TypeMessageRelayed, msg)
		return
	}

	switch {
	case errors.Is(err, models.ErrConfiguration):
		// Retrying can never succeed; log and drop.
		log.Error().Err(err).
			Str("channel", channel).
			Str("messageID", msg.ID).
			Str("accountID", msg.AccountID).
			Msg("Configuration error, message dropped")

	case errors.Is(err, models.ErrRateLimited):
		// Self-imposed refusal: back on the queue, retry budget untouched.
		log.Debug().
			Str("channel", channel).
			Str("messageID", msg.ID).
			Msg("Rate limited, re-enqueueing")
		if qerr := p.q.Enqueue(ctx, channel, msg); qerr != nil {
			log.Error().Err(qerr).Str("messageID", msg.ID).Msg("Re-enqueue after rate limit failed")
		}

	case errors.Is(err, models.ErrPermanentReject):
		log.Error().Err(err).
			Str("channel", channel).
			Str("messageID", msg.ID).
			Msg("Message permanently rejected")
		if qerr := p.q.DeadLetter(ctx, channel, msg); qerr != nil {
			log.Error().Err(qerr).Str("messageID", msg.ID).Msg("Dead-lettering failed")
		}
		p.mirror.Publish(ctx, events.TypeMessageDead, msg)

	default:
		if !models.IsRetryable(err) {
			// Non-retryable class without a specific case above: goes to
			// dead-letter, never to the retry path.
			log.Error().Err(err).
				Str("channel", channel).
				Str("messageID", msg.ID).
				Msg("Non-retryable failure, message dead-lettered")
			if qerr := p.q.DeadLetter(ctx, channel, msg); qerr != nil {
				log.Error().Err(qerr).Str("messageID", msg.ID).Msg("Dead-lettering failed")
			}
			p.mirror.Publish(ctx, events.TypeMessageDead, msg)
			return
		}
		log.Warn().Err(err).
			Str("channel", channel).
			Str("messageID", msg.ID).
			Int("retryCount", msg.RetryCount).
			Msg("Handler failed, applying retry policy")
		exhausted := msg.RetryCount >= p.maxRetries
		if qerr := p.q.Retry(ctx, channel, msg, p.maxRetries); qerr != nil {
			log.Error().Err(qerr).Str("messageID", msg.ID).Msg("Retry re-enqueue failed")
			return
		}
		if exhausted {
			p.mirror.Publish(ctx, events.TypeMessageDead, msg)
		}
	}
}
