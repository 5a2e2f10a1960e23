package transform

// State is the stage a pipeline run has reached
type State int

const (
	StateCreated     State = iota // Pipeline built, nothing extracted
	StateExtracted                // Source rows read
	StateValidated                // Source rows conform to the source schema
	StateTransformed              // Derived rows built in memory
	StateLoaded                   // Derived rows stored and runmoment advanced
)

// String returns a human-readable representation of the state
func (s State) String() string {
	switch s {
	case StateCreated:
		return "created"
	case StateExtracted:
		return "extracted"
	case StateValidated:
		return "validated"
	case StateTransformed:
		return "transformed"
	case StateLoaded:
		return "loaded"
	default:
		return "unknown"
	}
}

// stage returns the name of the step that moves a run out of s
func (s State) stage() string {
	switch s {
	case StateCreated:
		return "extract"
	case StateExtracted:
		return "validate"
	case StateValidated:
		return "transform"
	case StateTransformed:
		return "load"
	default:
		return ""
	}
}

// StateRecorder tracks state transitions for testing
type StateRecorder struct {
	path []State
}

func NewStateRecorder() *StateRecorder {
	return &StateRecorder{path: make([]State, 0)}
}

func (r *StateRecorder) Record(state State) {
	r.path = append(r.path, state)
}

func (r *StateRecorder) Path() []State {
	return r.path
}
