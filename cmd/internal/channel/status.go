package channel

// Status is the controller's load state.
type Status uint8

const (
	StatusIdle Status = iota
	StatusLoading
	StatusReady
	StatusLoadingMore
	StatusError
)

func (s Status) String() string {
	switch s {
	case StatusIdle:
		return "idle"
	case StatusLoading:
		return "loading"
	case StatusReady:
		return "ready"
	case StatusLoadingMore:
		return "loading_more"
	case StatusError:
		return "error"
	default:
		return "unknown"
	}
}
