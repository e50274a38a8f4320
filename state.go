package fiberloop

// FiberState is the scheduling state of a fiber.
//
// State machine:
//
//	StateRunnable → StateRunning    [cursor reaches the fiber]
//	StateRunning  → StateRunnable   [Yield]
//	StateRunning  → StateParked     [ParkRead / ParkWrite]
//	StateParked   → StateRunnable   [readiness reap, or retire promotion]
//	StateRunning  → StateRetired    [entry function returns]
//	StateRetired  → StateRunnable   [id recycled by Go]
//
// Exactly one fiber is Running at any observable point; every live fiber id
// is in exactly one of the Runnable, Parked, or Retired sets (the Running
// fiber occupies the Runnable slot at the cursor).
type FiberState uint8

const (
	// StateRunnable indicates the fiber is in the Runnable set awaiting the
	// cursor.
	StateRunnable FiberState = iota
	// StateRunning indicates the fiber currently holds the run token.
	StateRunning
	// StateParked indicates the fiber is blocked on a poll descriptor.
	StateParked
	// StateRetired indicates the fiber's entry function has returned and its
	// id is available for reuse.
	StateRetired
)

// String returns a human-readable representation of the state.
func (s FiberState) String() string {
	switch s {
	case StateRunnable:
		return "Runnable"
	case StateRunning:
		return "Running"
	case StateParked:
		return "Parked"
	case StateRetired:
		return "Retired"
	default:
		return "Unknown"
	}
}
