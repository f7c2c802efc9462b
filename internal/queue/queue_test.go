package queue

import (
	"context"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Stella-Achar-Oiro/queuepipe/internal/pipelineerr"
	"github.com/Stella-Achar-Oiro/queuepipe/internal/store"
	"github.com/Stella-Achar-Oiro/queuepipe/internal/workitem"
)

func newTestQueue(t *testing.T, readOnly bool) (*Queue, *store.Handle, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "queue.db")

	bootstrap, err := store.Open(path, false)
	require.NoError(t, err)
	require.NoError(t, store.InitSchema(bootstrap))
	require.NoError(t, bootstrap.Close())

	h, err := store.Open(path, readOnly)
	require.NoError(t, err)
	t.Cleanup(func() { _ = h.Close() })
	return New(h), h, path
}

func sampleResults() [3]workitem.Result {
	return [3]workitem.Result{
		{Body: "a", StatusCode: 200, DurationMS: 110},
		{Body: "b", StatusCode: 200, DurationMS: 120},
		{Body: "c", StatusCode: 500, DurationMS: 130},
	}
}

func TestEnqueueBatchInsertsAllRowsAsPending(t *testing.T) {
	q, _, _ := newTestQueue(t, false)
	ctx := context.Background()

	err := q.EnqueueBatch(ctx, []Row{
		{SourceID: 1, Payload: `{"a":1}`},
		{SourceID: 2, Payload: `{"a":2}`},
		{SourceID: 3, Payload: `{"a":3}`},
	})
	require.NoError(t, err)

	counts, err := q.StatusCounts(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, counts[workitem.Pending])
}

func TestEnqueueBatchEmptyIsNoOp(t *testing.T) {
	q, _, _ := newTestQueue(t, false)
	require.NoError(t, q.EnqueueBatch(context.Background(), nil))

	counts, err := q.StatusCounts(context.Background())
	require.NoError(t, err)
	assert.Empty(t, counts)
}

func TestClaimOneTransitionsPendingToProcessing(t *testing.T) {
	q, _, _ := newTestQueue(t, false)
	ctx := context.Background()
	require.NoError(t, q.EnqueueBatch(ctx, []Row{{SourceID: 7, Payload: `{}`}}))

	item, err := q.ClaimOne(ctx)
	require.NoError(t, err)
	require.NotNil(t, item)
	assert.Equal(t, int64(7), item.SourceID)
	assert.Equal(t, workitem.Processing, item.Status)
	assert.NotNil(t, item.ProcessedAt)

	counts, err := q.StatusCounts(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, counts[workitem.Processing])
	assert.Equal(t, 0, counts[workitem.Pending])
}

func TestClaimOneOnEmptyQueueReturnsNil(t *testing.T) {
	q, _, _ := newTestQueue(t, false)
	item, err := q.ClaimOne(context.Background())
	require.NoError(t, err)
	assert.Nil(t, item)
}

func TestMarkDoneWritesAllResultFields(t *testing.T) {
	q, _, _ := newTestQueue(t, false)
	ctx := context.Background()
	require.NoError(t, q.EnqueueBatch(ctx, []Row{{SourceID: 1, Payload: `{}`}}))
	item, err := q.ClaimOne(ctx)
	require.NoError(t, err)

	require.NoError(t, q.MarkDone(ctx, item.ID, sampleResults()))

	counts, err := q.StatusCounts(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, counts[workitem.Done])

	var status string
	var r1Body, r2Body, r3Body *string
	var r1Status, r2Status, r3Status *int
	row := q.h.DB.QueryRow(`SELECT status, result_1_body, result_1_status, result_2_body, result_2_status, result_3_body, result_3_status FROM work_queue WHERE id = ?`, item.ID)
	require.NoError(t, row.Scan(&status, &r1Body, &r1Status, &r2Body, &r2Status, &r3Body, &r3Status))
	assert.Equal(t, "done", status)
	require.NotNil(t, r1Body)
	assert.Equal(t, "a", *r1Body)
	require.NotNil(t, r1Status)
	assert.Equal(t, 200, *r1Status)
	require.NotNil(t, r3Status)
	assert.Equal(t, 500, *r3Status)
}

func TestMarkDoneRejectsNonProcessingRow(t *testing.T) {
	q, _, _ := newTestQueue(t, false)
	ctx := context.Background()
	require.NoError(t, q.EnqueueBatch(ctx, []Row{{SourceID: 1, Payload: `{}`}}))

	err := q.MarkDone(ctx, 1, sampleResults())
	assert.ErrorIs(t, err, pipelineerr.ErrNotProcessing)
}

func TestMarkFailedTransitionsAndClearsNoResults(t *testing.T) {
	q, _, _ := newTestQueue(t, false)
	ctx := context.Background()
	require.NoError(t, q.EnqueueBatch(ctx, []Row{{SourceID: 1, Payload: `{}`}}))
	item, err := q.ClaimOne(ctx)
	require.NoError(t, err)

	require.NoError(t, q.MarkFailed(ctx, item.ID))

	counts, err := q.StatusCounts(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, counts[workitem.Failed])

	var r1Body *string
	var r1Status *int
	row := q.h.DB.QueryRow(`SELECT result_1_body, result_1_status FROM work_queue WHERE id = ?`, item.ID)
	require.NoError(t, row.Scan(&r1Body, &r1Status))
	assert.Nil(t, r1Body)
	assert.Nil(t, r1Status)
}

func TestMarkFailedRejectsNonProcessingRow(t *testing.T) {
	q, _, _ := newTestQueue(t, false)
	ctx := context.Background()
	require.NoError(t, q.EnqueueBatch(ctx, []Row{{SourceID: 1, Payload: `{}`}}))

	err := q.MarkFailed(ctx, 1)
	assert.ErrorIs(t, err, pipelineerr.ErrNotProcessing)
}

func TestResetOrphansReversesProcessingRows(t *testing.T) {
	q, _, _ := newTestQueue(t, false)
	ctx := context.Background()
	require.NoError(t, q.EnqueueBatch(ctx, []Row{{SourceID: 1, Payload: `{}`}, {SourceID: 2, Payload: `{}`}}))

	_, err := q.ClaimOne(ctx)
	require.NoError(t, err)

	n, err := q.ResetOrphans(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	counts, err := q.StatusCounts(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, counts[workitem.Pending])
	assert.Equal(t, 0, counts[workitem.Processing])
}

func TestResetOrphansIsIdempotent(t *testing.T) {
	q, _, _ := newTestQueue(t, false)
	ctx := context.Background()
	require.NoError(t, q.EnqueueBatch(ctx, []Row{{SourceID: 1, Payload: `{}`}}))
	_, err := q.ClaimOne(ctx)
	require.NoError(t, err)

	n1, err := q.ResetOrphans(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n1)

	n2, err := q.ResetOrphans(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, n2)
}

func TestStatusCountsAggregates(t *testing.T) {
	q, _, _ := newTestQueue(t, false)
	ctx := context.Background()
	require.NoError(t, q.EnqueueBatch(ctx, []Row{
		{SourceID: 1, Payload: `{}`},
		{SourceID: 2, Payload: `{}`},
		{SourceID: 3, Payload: `{}`},
	}))

	item, err := q.ClaimOne(ctx)
	require.NoError(t, err)
	require.NoError(t, q.MarkDone(ctx, item.ID, sampleResults()))

	counts, err := q.StatusCounts(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, counts[workitem.Pending])
	assert.Equal(t, 1, counts[workitem.Done])
}

// TestNoDoubleClaim is the randomized-workload version of testable property
// #1: across many concurrent claimers against the same store, every row id
// is returned by at most one successful ClaimOne call.
func TestNoDoubleClaim(t *testing.T) {
	const (
		rows    = 200
		workers = 8
	)
	path := filepath.Join(t.TempDir(), "queue.db")
	bootstrap, err := store.Open(path, false)
	require.NoError(t, err)
	require.NoError(t, store.InitSchema(bootstrap))
	require.NoError(t, bootstrap.Close())

	seeder, err := store.Open(path, false)
	require.NoError(t, err)
	seedRows := make([]Row, rows)
	for i := range seedRows {
		seedRows[i] = Row{SourceID: int64(i), Payload: `{}`}
	}
	require.NoError(t, New(seeder).EnqueueBatch(context.Background(), seedRows))
	require.NoError(t, seeder.Close())

	var (
		mu     sync.Mutex
		claimed = make(map[int64]int)
		wg     sync.WaitGroup
	)

	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			h, err := store.Open(path, false)
			require.NoError(t, err)
			defer h.Close()
			q := New(h)
			ctx := context.Background()

			for {
				item, err := q.ClaimOne(ctx)
				if err != nil {
					if pipelineerr.IsBusy(err) {
						continue
					}
					t.Errorf("unexpected claim error: %v", err)
					return
				}
				if item == nil {
					return
				}
				mu.Lock()
				claimed[item.ID]++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Len(t, claimed, rows)
	for id, n := range claimed {
		assert.Equalf(t, 1, n, "row %d claimed %d times", id, n)
	}
}
