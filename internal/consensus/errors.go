package consensus

import "errors"

// ErrAlreadyRunning reports an engine that is already running. Start
// does not return it: a second Start call is a no-op returning nil.
var ErrAlreadyRunning = errors.New("consensus engine already running")
