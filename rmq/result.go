package rmq

// ResultKind identifies how the Dispatcher should settle a delivery
type ResultKind int

const (
	// ResultAck acknowledges the delivery, removing it from the queue: this is the only
	// outcome that consumes a message
	ResultAck ResultKind = iota

	// ResultReject rejects the delivery, either requeueing it for redelivery or
	// discarding it (which the broker may route to a queue-level dead-letter exchange)
	ResultReject

	// ResultDeadLetter republishes the message to the subscription's dead-letter
	// exchange, then acks the original delivery
	ResultDeadLetter
)

func (k ResultKind) String() string {
	switch k {
	case ResultAck:
		return "ack"
	case ResultReject:
		return "reject"
	case ResultDeadLetter:
		return "dead_letter"
	}
	return "unknown"
}

// Result is returned by every HandlerFunc to tell the Dispatcher what to do with the
// delivery it was handed
type Result struct {
	Kind    ResultKind
	Requeue bool
	Err     error
}

// Ack indicates that the message was handled successfully
func Ack() Result {
	return Result{Kind: ResultAck}
}

// Reject indicates that the message could not be handled; if requeue is true the
// broker will redeliver it
func Reject(err error, requeue bool) Result {
	return Result{Kind: ResultReject, Requeue: requeue, Err: err}
}

// DeadLetter indicates that the message can never be handled and should be parked for
// inspection
func DeadLetter(err error) Result {
	return Result{Kind: ResultDeadLetter, Err: err}
}
