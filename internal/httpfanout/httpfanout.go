// Package httpfanout issues the three concurrent probe requests a Consumer
// makes per claimed row and reports per-call status, body, and elapsed
// time.
package httpfanout

import (
	"context"
	"fmt"
	"io"
	"math"
	"math/rand"
	"net/http"
	"time"

	"github.com/Stella-Achar-Oiro/queuepipe/internal/workitem"
)

// callCount is the fixed fan-out width: three independent HTTP calls per
// row.
const callCount = 3

// delayMin and delayMax bound the per-call delay parameter, in seconds:
// each call's /delay/<d> is drawn uniformly from [0.10, 0.25) and truncated
// to two decimals, so the value sent is one of 0.10 .. 0.24.
const (
	delayMin = 0.10
	delayMax = 0.25
)

// Fanout issues callCount concurrent GET requests against
// baseURL/delay/<d>, one per call with its own independently sampled delay.
// It returns either all three Results (success) or an error (at least one
// call failed to complete) — the caller decides mark_done vs mark_failed
// from that split.
//
// rng samples all three delays up front, before any request goroutine
// starts, so *rand.Rand (not safe for concurrent use) never needs its own
// lock here.
func Fanout(ctx context.Context, client *http.Client, baseURL string, rng *rand.Rand) ([callCount]workitem.Result, error) {
	delays := [callCount]float64{}
	for i := range delays {
		delays[i] = math.Floor((delayMin+rng.Float64()*(delayMax-delayMin))*100) / 100
	}

	type outcome struct {
		idx int
		res workitem.Result
		err error
	}
	out := make(chan outcome, callCount)

	for i, d := range delays {
		go func(idx int, delay float64) {
			res, err := doOne(ctx, client, baseURL, delay)
			out <- outcome{idx: idx, res: res, err: err}
		}(i, d)
	}

	var (
		results  [callCount]workitem.Result
		firstErr error
	)
	for i := 0; i < callCount; i++ {
		o := <-out
		if o.err != nil {
			if firstErr == nil {
				firstErr = o.err
			}
			continue
		}
		results[o.idx] = o.res
	}
	return results, firstErr
}

func doOne(ctx context.Context, client *http.Client, baseURL string, delaySeconds float64) (workitem.Result, error) {
	url := fmt.Sprintf("%s/delay/%.2f", baseURL, delaySeconds)

	start := time.Now()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return workitem.Result{}, fmt.Errorf("httpfanout: build request: %w", err)
	}

	resp, err := client.Do(req)
	if err != nil {
		return workitem.Result{}, fmt.Errorf("httpfanout: request %s: %w", url, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return workitem.Result{}, fmt.Errorf("httpfanout: read body %s: %w", url, err)
	}

	return workitem.Result{
		Body:       string(body),
		StatusCode: resp.StatusCode,
		DurationMS: float64(time.Since(start)) / float64(time.Millisecond),
	}, nil
}
