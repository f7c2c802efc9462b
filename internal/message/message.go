// Package message defines the typed lifecycle messages that flow between
// the Producer, Consumers, and Orchestrator. The Producer has its own
// outbound channel, all Consumers share one outbound channel, and each
// Consumer has its own inbound channel; the Orchestrator runs an event loop
// that dispatches on Kind.
package message

// Kind identifies the shape of a message's payload.
type Kind int

const (
	BatchInserted Kind = iota
	ProducerDone
	ItemProcessed
	ConsumerDone
	Drain
)

// FromProducer is emitted on the Producer's outbound channel.
type FromProducer struct {
	Kind          Kind
	Count         int   // BatchInserted: rows inserted in this page
	TotalInserted int   // ProducerDone: total rows inserted across the run
	Err           error // non-nil signals a pipeline-fatal producer error
}

// FromConsumer is emitted on a Consumer's outbound channel.
type FromConsumer struct {
	Kind     Kind
	SourceID int64 // ItemProcessed: the source_id of the row just finalized
	Err      error // non-nil signals a pipeline-fatal consumer error
}

// ToConsumer is broadcast from the Orchestrator to every Consumer.
type ToConsumer struct {
	Kind Kind // ProducerDone or Drain
}
