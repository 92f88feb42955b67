package core

import "errors"

var (
	// ErrConfig reports an invalid scenario description. Nothing has been
	// allocated in the engine when it is returned from validation.
	ErrConfig = errors.New("invalid configuration")
	// ErrSetupOrder reports a build step invoked out of order.
	ErrSetupOrder = errors.New("setup order violation")
	// ErrEngine wraps failures reported by the simulation engine.
	ErrEngine = errors.New("engine failure")
)
