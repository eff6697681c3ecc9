package catalog

import (
	"time"

	"github.com/golden-vcr/micro-catalog/rmq"
)

// Change describes a model event that has been applied to local storage
type Change struct {
	Entity    string          `json:"entity"`
	Action    rmq.ModelAction `json:"action"`
	ID        string          `json:"id"`
	Record    any             `json:"record,omitempty"`
	AppliedAt time.Time       `json:"appliedAt"`
}

// Notifier is informed of every change once it's been applied
type Notifier interface {
	Publish(change Change)
}

// NotifierFunc adapts a plain function to the Notifier interface
type NotifierFunc func(change Change)

func (f NotifierFunc) Publish(change Change) {
	f(change)
}
