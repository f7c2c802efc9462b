// Package consumer implements the Consumer component: a poll loop that
// claims one row at a time, fans it out through three concurrent HTTP
// calls, writes the outcome back, and implements the drain-detection state
// machine (the three-empty-polls-after-producer-done guard).
package consumer

import (
	"context"
	"math/rand"
	"net/http"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/Stella-Achar-Oiro/queuepipe/internal/httpfanout"
	"github.com/Stella-Achar-Oiro/queuepipe/internal/message"
	"github.com/Stella-Achar-Oiro/queuepipe/internal/pipelineerr"
	"github.com/Stella-Achar-Oiro/queuepipe/internal/queue"
)

// busyBackoff is the fixed sleep after a busy-timeout or an empty poll. It
// is coupled with the three-empty-poll threshold below: together they give
// >=400ms of quiet-queue observation before a Consumer trusts
// producer_done.
const busyBackoff = 200 * time.Millisecond

// emptyPollsBeforeExit is the number of consecutive empty polls, observed
// after producer_done, required before a Consumer treats the queue as
// drained.
const emptyPollsBeforeExit = 3

// Config holds a Consumer's fixed parameters.
type Config struct {
	ID          int
	HTTPBaseURL string
	MockCPULoad bool
}

// Consumer is one of the N poll-loop workers spawned by the Orchestrator.
// Each owns its own Queue (and therefore its own store.Handle).
type Consumer struct {
	cfg    Config
	q      *queue.Queue
	client *http.Client
	log    zerolog.Logger
	rng    *rand.Rand

	flagMu       sync.Mutex
	producerDone bool
	draining     bool
}

// New constructs a Consumer. client is shared across all Consumer
// instances: one *http.Client with no special transport tuning, no
// per-call timeout beyond the client default.
func New(cfg Config, q *queue.Queue, client *http.Client, log zerolog.Logger) *Consumer {
	return &Consumer{
		cfg:    cfg,
		q:      q,
		client: client,
		log:    log,
		rng:    rand.New(rand.NewSource(time.Now().UnixNano() + int64(cfg.ID))),
	}
}

// Run executes the poll loop until the drain conditions are met or a
// pipeline-fatal error occurs. inbox delivers ProducerDone and Drain
// broadcasts from the Orchestrator; outbox carries ItemProcessed and
// ConsumerDone back.
func (c *Consumer) Run(ctx context.Context, inbox <-chan message.ToConsumer, outbox chan<- message.FromConsumer) error {
	stopListen := make(chan struct{})
	defer close(stopListen)
	go c.listen(inbox, stopListen)

	emptyPolls := 0

	for {
		// Checked at the top of every iteration, before ClaimOne: a
		// draining consumer exits at the next poll attempt regardless of
		// empty_polls. A row already claimed by a prior iteration has
		// already been finalized before this check runs, so this can
		// never abandon a row mid-flight.
		if c.drainingFlag() {
			c.log.Info().Msg("consumer done: draining")
			outbox <- message.FromConsumer{Kind: message.ConsumerDone}
			return nil
		}

		item, err := c.q.ClaimOne(ctx)
		if err != nil {
			if pipelineerr.IsBusy(err) {
				time.Sleep(busyBackoff)
				continue
			}
			c.log.Error().Err(err).Msg("consumer fatal error")
			outbox <- message.FromConsumer{Kind: message.ConsumerDone, Err: err}
			return err
		}

		if item == nil {
			emptyPolls++
			if c.producerDoneFlag() && emptyPolls >= emptyPollsBeforeExit {
				c.log.Info().Msg("consumer done: queue drained")
				outbox <- message.FromConsumer{Kind: message.ConsumerDone}
				return nil
			}
			time.Sleep(busyBackoff)
			continue
		}
		emptyPolls = 0

		// Cooperative drain is checked only between poll iterations, never
		// between claim and mark_*: a claimed row must always be finalized,
		// otherwise reset_orphans would resurrect it and a later run would
		// duplicate the HTTP calls.
		results, fanErr := httpfanout.Fanout(ctx, c.client, c.cfg.HTTPBaseURL, c.rng)
		if fanErr != nil {
			c.log.Warn().Err(fanErr).Int64("id", item.ID).Msg("http fan-out failed, marking row failed")
			if err := c.q.MarkFailed(ctx, item.ID); err != nil {
				c.log.Error().Err(err).Msg("consumer fatal error")
				outbox <- message.FromConsumer{Kind: message.ConsumerDone, Err: err}
				return err
			}
		} else {
			if err := c.q.MarkDone(ctx, item.ID, results); err != nil {
				c.log.Error().Err(err).Msg("consumer fatal error")
				outbox <- message.FromConsumer{Kind: message.ConsumerDone, Err: err}
				return err
			}
			if c.cfg.MockCPULoad {
				burnCPU()
			}
		}

		outbox <- message.FromConsumer{Kind: message.ItemProcessed, SourceID: item.SourceID}
		// No sleep: there is likely more work, reschedule immediately.
	}
}

// listen applies ProducerDone/Drain broadcasts to the Consumer's flags. It
// runs on its own goroutine so the poll loop's sleeps never delay the
// Consumer from observing a signal.
func (c *Consumer) listen(inbox <-chan message.ToConsumer, stop <-chan struct{}) {
	for {
		select {
		case <-stop:
			return
		case msg, ok := <-inbox:
			if !ok {
				return
			}
			switch msg.Kind {
			case message.ProducerDone:
				c.setProducerDone()
			case message.Drain:
				c.setDraining()
			}
		}
	}
}

// The flags below are only ever written by listen and read by Run, both of
// which this Consumer owns exclusively; a small mutex-free approach would
// race, so these go through unexported setters that the poll loop never
// calls directly, keeping all mutation on one goroutine. Reads happen from
// Run's goroutine, so the fields are guarded by a mutex rather than left as
// bare bools.
func (c *Consumer) setProducerDone() {
	c.flagMu.Lock()
	c.producerDone = true
	c.flagMu.Unlock()
}

func (c *Consumer) setDraining() {
	c.flagMu.Lock()
	c.draining = true
	c.flagMu.Unlock()
}

func (c *Consumer) producerDoneFlag() bool {
	c.flagMu.Lock()
	defer c.flagMu.Unlock()
	return c.producerDone
}

func (c *Consumer) drainingFlag() bool {
	c.flagMu.Lock()
	defer c.flagMu.Unlock()
	return c.draining
}
