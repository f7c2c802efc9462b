// Package orchestrator implements the top-level lifecycle controller: it
// bootstraps the Store, spawns one Producer and N Consumers, relays the
// producer-done signal, runs the progress sampler and deadline timer, and
// executes shutdown.
package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/Stella-Achar-Oiro/queuepipe/internal/config"
	"github.com/Stella-Achar-Oiro/queuepipe/internal/consumer"
	"github.com/Stella-Achar-Oiro/queuepipe/internal/message"
	"github.com/Stella-Achar-Oiro/queuepipe/internal/producer"
	"github.com/Stella-Achar-Oiro/queuepipe/internal/queue"
	"github.com/Stella-Achar-Oiro/queuepipe/internal/source"
	"github.com/Stella-Achar-Oiro/queuepipe/internal/store"
	"github.com/Stella-Achar-Oiro/queuepipe/internal/workitem"
)

// progressInterval is how often the sampler logs status_counts.
const progressInterval = 2000 * time.Millisecond

// drainSafetyTimeout is how long the Orchestrator waits for every Consumer
// to report consumer_done after broadcasting drain before forcing shutdown.
const drainSafetyTimeout = 30 * time.Second

// Orchestrator owns the queue file's lifecycle and every worker's
// messaging channels.
type Orchestrator struct {
	cfg *config.Config
	log zerolog.Logger
	src source.Source

	shutdownOnce sync.Once
	shutdownCh   chan struct{}
	exitCode     int

	rowsProducedMu sync.Mutex
	rowsProduced   int
}

// New constructs an Orchestrator for one pipeline run.
func New(cfg *config.Config, log zerolog.Logger, src source.Source) *Orchestrator {
	return &Orchestrator{
		cfg:        cfg,
		log:        log,
		src:        src,
		shutdownCh: make(chan struct{}),
	}
}

// Run executes the full lifecycle and returns the process exit code: 0 on
// normal or deadline-drained completion, 1 on fatal producer error or a
// non-zero consumer exit observed before all-done.
func (o *Orchestrator) Run(parentCtx context.Context) int {
	if err := o.bootstrap(); err != nil {
		o.log.Error().Err(err).Msg("bootstrap failed")
		return 1
	}

	ctx, cancel := context.WithCancel(parentCtx)
	defer cancel()

	monitorHandle, err := store.Open(o.cfg.QueuePath, true)
	if err != nil {
		o.log.Error().Err(err).Msg("open monitor handle failed")
		return 1
	}
	monitorQueue := queue.New(monitorHandle)

	producerOutbox := make(chan message.FromProducer, 8)
	consumerEvents := make(chan message.FromConsumer, o.cfg.Consumers*2+8)
	consumerInboxes := make([]chan message.ToConsumer, o.cfg.Consumers)
	for i := range consumerInboxes {
		consumerInboxes[i] = make(chan message.ToConsumer, 2)
	}

	// Every worker opens its own Handle; each must not be shared. Handles
	// are opened synchronously, before any goroutine is spawned, so
	// a handle-open failure is a plain startup error rather than something
	// a worker goroutine has to report through a half-started pipeline.
	producerHandle, err := store.Open(o.cfg.QueuePath, false)
	if err != nil {
		o.log.Error().Err(err).Msg("open producer handle failed")
		_ = monitorHandle.Close()
		return 1
	}
	consumerHandles := make([]*store.Handle, o.cfg.Consumers)
	for i := range consumerHandles {
		h, err := store.Open(o.cfg.QueuePath, false)
		if err != nil {
			o.log.Error().Err(err).Msg("open consumer handle failed")
			_ = producerHandle.Close()
			_ = monitorHandle.Close()
			for _, opened := range consumerHandles[:i] {
				_ = opened.Close()
			}
			return 1
		}
		consumerHandles[i] = h
	}

	var wg sync.WaitGroup
	httpClient := &http.Client{}

	wg.Add(1)
	go func() {
		defer wg.Done()
		defer producerHandle.Close()
		q := queue.New(producerHandle)
		p := producer.New(o.src, q, producer.Config{
			PageSize: o.cfg.BatchSize,
			RowLimit: o.cfg.Limit,
		}, o.log.With().Str("component", "producer").Logger(), producerOutbox)
		_ = p.Run(ctx)
	}()

	for i := 0; i < o.cfg.Consumers; i++ {
		i := i
		wg.Add(1)
		go func() {
			defer wg.Done()
			defer consumerHandles[i].Close()
			q := queue.New(consumerHandles[i])
			c := consumer.New(consumer.Config{
				ID:          i,
				HTTPBaseURL: o.cfg.HTTPBinURL,
				MockCPULoad: o.cfg.MockCPU,
			}, q, httpClient, o.log.With().Str("component", "consumer").Int("id", i).Logger())
			_ = c.Run(ctx, consumerInboxes[i], consumerEvents)
		}()
	}

	samplerDone := make(chan struct{})
	samplerStop := make(chan struct{})
	go o.runSampler(monitorQueue, samplerStop, samplerDone)

	var deadlineTimer *time.Timer
	var safetyTimer *time.Timer
	if o.cfg.MaxDuration > 0 {
		deadlineTimer = time.NewTimer(time.Duration(o.cfg.MaxDuration) * time.Second)
	}

	consumersDone := 0
	finish := func(code int) {
		o.shutdownOnce.Do(func() {
			o.exitCode = code
			close(o.shutdownCh)
		})
	}

	var deadlineFired <-chan time.Time
	if deadlineTimer != nil {
		deadlineFired = deadlineTimer.C
	}

eventLoop:
	for {
		var safetyFired <-chan time.Time
		if safetyTimer != nil {
			safetyFired = safetyTimer.C
		}

		select {
		case m, ok := <-producerOutbox:
			if !ok {
				producerOutbox = nil
				continue
			}
			switch m.Kind {
			case message.BatchInserted:
				o.addRowsProduced(m.Count)
			case message.ProducerDone:
				if m.Err != nil {
					finish(1)
					break eventLoop
				}
				broadcast(consumerInboxes, message.ToConsumer{Kind: message.ProducerDone})
			}

		case m := <-consumerEvents:
			switch m.Kind {
			case message.ItemProcessed:
				// no-op: final counts come from status_counts at shutdown,
				// not re-derived here.
			case message.ConsumerDone:
				if m.Err != nil {
					finish(1)
					break eventLoop
				}
				consumersDone++
				if consumersDone == o.cfg.Consumers {
					finish(0)
					break eventLoop
				}
			}

		case <-deadlineFired:
			deadlineFired = nil
			o.log.Info().Msg("deadline fired, broadcasting drain")
			broadcast(consumerInboxes, message.ToConsumer{Kind: message.Drain})
			safetyTimer = time.NewTimer(drainSafetyTimeout)

		case <-safetyFired:
			o.log.Warn().Msg("drain safety timeout exceeded, forcing shutdown")
			finish(0)
			break eventLoop

		case <-o.shutdownCh:
			break eventLoop
		}
	}

	close(samplerStop)
	<-samplerDone
	cancel() // hard termination fallback for any worker that hasn't exited cooperatively
	wg.Wait()
	_ = monitorHandle.Close()

	code := o.exitCode
	if err := o.shutdown(); err != nil {
		o.log.Error().Err(err).Msg("shutdown failed")
		if code == 0 {
			code = 1
		}
	}
	return code
}

func (o *Orchestrator) bootstrap() error {
	if err := store.RemoveFile(o.cfg.QueuePath); err != nil {
		return fmt.Errorf("orchestrator: remove stale file: %w", err)
	}
	h, err := store.Open(o.cfg.QueuePath, false)
	if err != nil {
		return fmt.Errorf("orchestrator: open for schema init: %w", err)
	}
	defer h.Close()
	if err := store.InitSchema(h); err != nil {
		return fmt.Errorf("orchestrator: init schema: %w", err)
	}
	return nil
}

// shutdown resets orphans and emits the summary report. It is called once,
// after every worker goroutine has returned.
func (o *Orchestrator) shutdown() error {
	h, err := store.Open(o.cfg.QueuePath, false)
	if err != nil {
		return fmt.Errorf("orchestrator: open for shutdown: %w", err)
	}
	defer h.Close()

	q := queue.New(h)
	orphans, err := q.ResetOrphans(context.Background())
	if err != nil {
		return fmt.Errorf("orchestrator: reset_orphans: %w", err)
	}

	counts, err := q.StatusCounts(context.Background())
	if err != nil {
		return fmt.Errorf("orchestrator: final status_counts: %w", err)
	}

	o.printSummary(counts, orphans)
	return nil
}

// summary is the shutdown report's JSON shape, used only when --json is set.
type summary struct {
	RowsProduced int `json:"rows_produced"`
	RowsInQueue  int `json:"rows_in_queue"`
	Pending      int `json:"pending"`
	Processing   int `json:"processing"`
	Done         int `json:"done"`
	Failed       int `json:"failed"`
	OrphansReset int `json:"orphans_reset"`
}

func (o *Orchestrator) printSummary(counts map[workitem.Status]int, orphansReset int) {
	total := 0
	for _, n := range counts {
		total += n
	}

	if o.cfg.JSONOutput {
		s := summary{
			RowsProduced: o.getRowsProduced(),
			RowsInQueue:  total,
			Pending:      counts[workitem.Pending],
			Processing:   counts[workitem.Processing],
			Done:         counts[workitem.Done],
			Failed:       counts[workitem.Failed],
			OrphansReset: orphansReset,
		}
		b, err := json.MarshalIndent(s, "", "  ")
		if err != nil {
			o.log.Error().Err(err).Msg("marshal json summary failed")
			return
		}
		fmt.Println(string(b))
		return
	}

	fmt.Println()
	fmt.Println("=== Pipeline Summary ===")
	fmt.Printf("Rows produced:     %d\n", o.getRowsProduced())
	fmt.Printf("Rows in queue:     %d\n", total)
	fmt.Printf("  pending:         %d\n", counts[workitem.Pending])
	fmt.Printf("  processing:      %d\n", counts[workitem.Processing])
	fmt.Printf("  done:            %d\n", counts[workitem.Done])
	fmt.Printf("  failed:          %d\n", counts[workitem.Failed])
	fmt.Printf("Orphans reset:     %d\n", orphansReset)
}

func (o *Orchestrator) runSampler(q *queue.Queue, stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)
	ticker := time.NewTicker(progressInterval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			counts, err := q.StatusCounts(context.Background())
			if err != nil {
				o.log.Warn().Err(err).Msg("progress sampler: status_counts failed")
				continue
			}
			o.log.Info().
				Int("pending", counts[workitem.Pending]).
				Int("processing", counts[workitem.Processing]).
				Int("done", counts[workitem.Done]).
				Int("failed", counts[workitem.Failed]).
				Msg("progress")
		}
	}
}

func (o *Orchestrator) addRowsProduced(n int) {
	o.rowsProducedMu.Lock()
	o.rowsProduced += n
	o.rowsProducedMu.Unlock()
}

func (o *Orchestrator) getRowsProduced() int {
	o.rowsProducedMu.Lock()
	defer o.rowsProducedMu.Unlock()
	return o.rowsProduced
}

func broadcast(inboxes []chan message.ToConsumer, m message.ToConsumer) {
	for _, ch := range inboxes {
		select {
		case ch <- m:
		default:
			// Buffered by 2 (producer_done + drain); a full channel here
			// means the consumer already has both signals queued.
		}
	}
}
