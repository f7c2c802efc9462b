package source

import (
	"context"
	"encoding/json"
	"fmt"
)

// fakeRecord is a handful of plausible fields generated deterministically
// from the row's id, so two runs against the same Fake produce
// byte-identical payloads.
type fakeRecord struct {
	ID        int64  `json:"id"`
	Name      string `json:"name"`
	Category  string `json:"category"`
	Sequence  int64  `json:"sequence"`
}

// Fake is an in-memory Source standing in for a live Postgres table in
// tests. It never errors and serves exactly Total rows, id 1..Total.
type Fake struct {
	Total int
}

// Fetch implements Source against a deterministic, in-memory id space.
func (f *Fake) Fetch(_ context.Context, limit, offset int) ([]Row, error) {
	if offset >= f.Total {
		return nil, nil
	}

	end := offset + limit
	if end > f.Total {
		end = f.Total
	}

	out := make([]Row, 0, end-offset)
	categories := []string{"alpha", "beta", "gamma", "delta"}
	for i := offset; i < end; i++ {
		id := int64(i + 1)
		rec := fakeRecord{
			ID:       id,
			Name:     fmt.Sprintf("row-%d", id),
			Category: categories[int(id)%len(categories)],
			Sequence: id,
		}
		payload, err := json.Marshal(rec)
		if err != nil {
			return nil, fmt.Errorf("source: fake marshal %d: %w", id, err)
		}
		out = append(out, Row{ID: id, Payload: string(payload)})
	}
	return out, nil
}

// Close is a no-op for Fake.
func (f *Fake) Close() error { return nil }
