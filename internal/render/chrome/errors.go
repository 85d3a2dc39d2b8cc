package chrome

import "errors"

// Render errors - the job keeps its 500 defaults
var (
	ErrWaitTimeout      = errors.New("wait timeout exceeded")
	ErrNavigateFailed   = errors.New("navigation failed")
	ErrExtractHTML      = errors.New("HTML extraction failed")
	ErrStatusCapture    = errors.New("status capture failed")
	ErrResponseTooLarge = errors.New("response exceeds maximum size limit")
	ErrBrowserGone      = errors.New("browser is not running")
)

// Engine errors - reported through EngineTerminated
var (
	ErrStartFailed    = errors.New("chrome start failed")
	ErrRestartFailed  = errors.New("chrome restart failed")
	ErrEngineCrashed  = errors.New("chrome exited unexpectedly")
	ErrAlreadyStarted = errors.New("engine already started")
)
