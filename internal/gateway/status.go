package gateway

// State is the externally visible connection state.
type State string

const (
	StateStopped      State = "stopped"
	StateStarting     State = "starting"
	StateRunning      State = "running"
	StateReconnecting State = "reconnecting"
	StateError        State = "error"
)

// Status is the one externally visible state value per manager. Port
// and PID are set only while running or reconnecting; Err carries the
// last failure reason in the error state.
type Status struct {
	State State  `json:"state"`
	Port  int    `json:"port,omitempty"`
	PID   int    `json:"pid,omitempty"`
	Err   string `json:"error,omitempty"`
}

// Connected reports whether RPCs can be issued right now.
func (s Status) Connected() bool {
	return s.State == StateRunning
}
