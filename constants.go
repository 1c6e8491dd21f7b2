package ldm7

import "github.com/ldm7/ldm7/internal/constants"

// Re-exported defaults for the public API; see internal/constants for the
// authoritative values and rationale.
const (
	DefaultQueueSlots      = constants.DefaultQueueSlots
	DefaultQueueBytes      = constants.DefaultQueueBytes
	DefaultLDMPort         = constants.DefaultLDMPort
	DefaultRPCTimeout      = constants.DefaultRPCTimeout
	MaxProductSize         = constants.MaxProductSize
	DefaultBacklogWindow   = constants.DefaultBacklogWindow
	NOAAPortMaxFrameSize   = constants.NOAAPortMaxFrameSize
)
