// Package mcast implements the FMTP-like multicast transport of
// spec.md §4.G: an external collaborator the core depends on only
// through this package's interfaces, so upstream/downstream logic
// never assumes a specific transport library (spec.md §10 REDESIGN
// FLAGS explicitly keeps this abstract).
//
// Two implementations are provided: a real UDP multicast transport
// (udp.go) and a deterministic, seeded loss-injecting in-process stub
// (stub.go), grounded on the teacher's internal/queue/runner.go
// NewStubRunner/stubLoop split between a real io_uring-backed runner
// and an in-memory double driven by a single consumer goroutine.
package mcast

import (
	"context"

	"github.com/ldm7/ldm7"
)

// Delivery is handed to a receiver's delivery callback for each
// product-index received over multicast.
type Delivery struct {
	ProductIndex uint32
	FeedType     ldm7.FeedType
	Data         []byte
	IsStart      bool
	IsEnd        bool
}

// DeliveryFunc is invoked on the receiver goroutine for each delivered
// fragment; IsStart/IsEnd bracket a product that may span more than
// one Delivery.
type DeliveryFunc func(Delivery)

// MissedFunc is invoked for each product-index detected as lost,
// either via an explicit transport-level loss signal or a gap in
// delivered indices.
type MissedFunc func(idx uint32)

// Sender hands products off to the transport for multicast delivery.
// Send returns once the transport has accepted the bytes for
// transmission, not once delivery is confirmed (multicast has no
// acks); loss is recovered at a higher layer via the backstop path.
type Sender interface {
	Send(ctx context.Context, idx uint32, feed ldm7.FeedType, data []byte) error
	Close() error
}

// Receiver consumes a multicast stream, invoking onDeliver for each
// fragment and onMissed for each detected gap.
type Receiver interface {
	Start(ctx context.Context, onDeliver DeliveryFunc, onMissed MissedFunc) error
	Stop() error
}

// Transport is the full duplex contract a real FMTP binding satisfies;
// the stub implements it too so tests can run an upstream and a
// downstream against the same in-process group.
type Transport interface {
	Sender
	Receiver
}
