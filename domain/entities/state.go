package entities

// SandboxState is the lifecycle state of a sandbox.
//
//	starting --(manifest received)--> ready --(stop)--> stopped
//	starting --(stop or exit)--> stopped
type SandboxState int

const (
	StateStarting SandboxState = iota
	StateReady
	StateStopped
)

func (s SandboxState) String() string {
	switch s {
	case StateStarting:
		return "starting"
	case StateReady:
		return "ready"
	case StateStopped:
		return "stopped"
	default:
		return "unknown"
	}
}
