package calibration

// State is the lifecycle stage of a stateful calibrator.
//
//	Idle -> Accumulating -> Solving -> Solved | Failed -> Accumulating ...
//
// A failed solve keeps the accumulated samples so the caller can add more and retry.
type State int

const (
	// StateIdle means no samples have been added.
	StateIdle State = iota
	// StateAccumulating means samples are being collected.
	StateAccumulating
	// StateSolving means a solve is running.
	StateSolving
	// StateSolved means the last solve succeeded.
	StateSolved
	// StateFailed means the last solve failed.
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateAccumulating:
		return "accumulating"
	case StateSolving:
		return "solving"
	case StateSolved:
		return "solved"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}
