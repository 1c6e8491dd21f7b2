package constants

import "time"

// Default product-queue sizing.
const (
	// DefaultQueueSlots is the default number of index/hash-table slots
	// in a newly created product queue.
	DefaultQueueSlots = 1 << 16

	// DefaultQueueBytes is the default arena size in bytes (512MB).
	DefaultQueueBytes = 512 << 20

	// MaxProductSize is the size of the largest reassembly-buffer bucket
	// the NOAAPort assembler pools. The product queue does not check it:
	// Insert and Reserve reject a product with too_big only when it
	// exceeds the queue's own data capacity.
	MaxProductSize = 64 << 20
)

// Protocol defaults.
const (
	// DefaultLDMPort is the registered LDM-7 RPC port.
	DefaultLDMPort = 388

	// DefaultRPCTimeout bounds a single control-channel round trip.
	DefaultRPCTimeout = 60 * time.Second

	// DefaultBacklogWindow is how far back a downstream peer requests
	// backlog delivery on first connect, absent session memory.
	DefaultBacklogWindow = 1 * time.Hour
)

// NOAAPort frame assembly.
const (
	// NOAAPortMaxFrameSize is the largest SBN/PDH frame the assembler
	// will buffer before treating the stream as desynchronized.
	NOAAPortMaxFrameSize = 1 << 16
)

// Session and connection timing.
//
// These delays mirror the staged bring-up a multicast session requires:
// a downstream peer subscribes over RPC before it can read anything
// useful off the multicast group, and the FMTP layer needs a moment to
// join the group before packets reliably arrive.
const (
	// SubscribeRetryDelay is a retry delay between subscribe attempts.
	// internal/downstream does not use it: a failed session waits
	// Config.RestartNap before reconnecting.
	SubscribeRetryDelay = 2 * time.Second

	// MulticastJoinSettleDelay is a settle time after joining a multicast
	// group. internal/downstream does not use it: the multicast receiver
	// starts counting gaps as soon as it joins.
	MulticastJoinSettleDelay = 100 * time.Millisecond

	// RunStatsInterval is a period for logging received, missed, and
	// duplicate product counts. No package references it; the downstream
	// logs no periodic summary.
	RunStatsInterval = 30 * time.Second
)
