// Package producer implements the Producer component: it pulls pages from
// the upstream Source and hands each page to the Queue in one write
// transaction per page, then reports its lifecycle to the Orchestrator via
// a message channel.
package producer

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/Stella-Achar-Oiro/queuepipe/internal/message"
	"github.com/Stella-Achar-Oiro/queuepipe/internal/pipelineerr"
	"github.com/Stella-Achar-Oiro/queuepipe/internal/queue"
	"github.com/Stella-Achar-Oiro/queuepipe/internal/source"
)

// busyBackoff is the fixed sleep before retrying a batch insert after a
// busy-timeout, matching the Consumer's claim-retry cadence.
const busyBackoff = 200 * time.Millisecond

// Config holds the Producer's tunables.
type Config struct {
	PageSize int // positive; upstream page size
	RowLimit int // 0 means unbounded
}

// Producer is a single worker; the Orchestrator spawns exactly one.
type Producer struct {
	src    source.Source
	q      *queue.Queue
	cfg    Config
	log    zerolog.Logger
	outbox chan<- message.FromProducer
}

// New constructs a Producer. outbox is the channel the Orchestrator reads
// lifecycle messages from; it is owned by the caller and closed by Run.
func New(src source.Source, q *queue.Queue, cfg Config, log zerolog.Logger, outbox chan<- message.FromProducer) *Producer {
	return &Producer{src: src, q: q, cfg: cfg, log: log, outbox: outbox}
}

// Run executes the fetch/enqueue loop until the upstream yields an empty
// page or row_limit is reached, then emits producer_done and returns. A
// fatal upstream or store error emits a FromProducer carrying Err and
// returns that error; the Orchestrator treats this as pipeline-fatal.
func (p *Producer) Run(ctx context.Context) error {
	defer close(p.outbox)

	offset := 0
	totalInserted := 0

	for {
		if p.cfg.RowLimit > 0 && totalInserted >= p.cfg.RowLimit {
			break
		}

		limit := p.cfg.PageSize
		page, err := p.src.Fetch(ctx, limit, offset)
		if err != nil {
			fatal := fmt.Errorf("producer: fetch at offset %d: %w", offset, err)
			p.log.Error().Err(fatal).Msg("producer fatal error")
			p.outbox <- message.FromProducer{Kind: message.ProducerDone, Err: fatal}
			return fatal
		}
		if len(page) == 0 {
			break
		}

		if p.cfg.RowLimit > 0 {
			remaining := p.cfg.RowLimit - totalInserted
			if len(page) > remaining {
				page = page[:remaining]
			}
		}

		rows := make([]queue.Row, len(page))
		for i, r := range page {
			rows[i] = queue.Row{SourceID: r.ID, Payload: r.Payload}
		}

		// A busy-timeout on enqueue_batch is never fatal: back off and
		// retry the same page, the same way the Consumer retries a
		// busy ClaimOne. Only a non-busy store error is pipeline-fatal.
		for {
			err := p.q.EnqueueBatch(ctx, rows)
			if err == nil {
				break
			}
			if pipelineerr.IsBusy(err) {
				time.Sleep(busyBackoff)
				continue
			}
			fatal := fmt.Errorf("producer: enqueue_batch: %w", err)
			p.log.Error().Err(fatal).Msg("producer fatal error")
			p.outbox <- message.FromProducer{Kind: message.ProducerDone, Err: fatal}
			return fatal
		}

		totalInserted += len(rows)
		offset += limit
		p.log.Info().Int("count", len(rows)).Int("total", totalInserted).Msg("batch inserted")
		p.outbox <- message.FromProducer{Kind: message.BatchInserted, Count: len(rows)}
	}

	p.log.Info().Int("total", totalInserted).Msg("producer done")
	p.outbox <- message.FromProducer{Kind: message.ProducerDone, TotalInserted: totalInserted}
	return nil
}
