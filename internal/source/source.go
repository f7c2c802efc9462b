// Package source implements the upstream paginated-iterator contract: given
// (limit, offset), return a possibly-empty, id-ordered page of rows whose
// non-id fields are preserved verbatim as JSON payload.
package source

import "context"

// Row is one upstream record. Fields beyond ID are opaque to the pipeline
// core; Payload carries them serialized as JSON text, ready to persist
// straight into work_queue.payload.
type Row struct {
	ID      int64
	Payload string
}

// Source is the paginated iterator contract the Producer consumes. Ordering
// is by id ascending; implementations must paginate stably under that
// ordering.
type Source interface {
	Fetch(ctx context.Context, limit, offset int) ([]Row, error)
	Close() error
}
