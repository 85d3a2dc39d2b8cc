package chrome

// EngineState is the coarse state of the engine, reported in logs
type EngineState int32

const (
	EngineStateStarting EngineState = iota
	EngineStateIdle
	EngineStateRendering
	EngineStateRestarting
	EngineStateStopped
)

func (s EngineState) String() string {
	switch s {
	case EngineStateStarting:
		return "starting"
	case EngineStateIdle:
		return "idle"
	case EngineStateRendering:
		return "rendering"
	case EngineStateRestarting:
		return "restarting"
	case EngineStateStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// Restart reasons, used as metric labels
const (
	RestartReasonCount  = "count"
	RestartReasonTime   = "time"
	RestartReasonMemory = "memory"
)

// Render error types, used as metric labels
const (
	ErrorTypeTimeout       = "timeout"
	ErrorTypeNavigation    = "navigation"
	ErrorTypeNetwork       = "network"
	ErrorTypeExtract       = "extract"
	ErrorTypeStatusCapture = "status_capture"
	ErrorTypeTooLarge      = "too_large"
	ErrorTypeBrowserGone   = "browser_gone"
)

// headerPrerender marks requests issued by the renderer so the origin can avoid routing them back here
const headerPrerender = "X-Prerender"

// RenderResult is what one page load produced before post-processing
type RenderResult struct {
	StatusCode int
	HTML       string
	FinalURL   string
	TimedOut   bool
}
