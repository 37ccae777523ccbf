package tracker

import (
	"errors"
	"fmt"

	"image-tracker/internal/reference"
)

// ErrConfiguration is the kind of every setup error; it is the same value
// as reference.ErrConfiguration so callers need only one errors.Is check.
var ErrConfiguration = reference.ErrConfiguration

var (
	ErrUninitialized      = errors.New("tracker is not initialized")
	ErrAlreadyInitialized = errors.New("tracker is already initialized")
	ErrReleased           = errors.New("tracker has been released")
	ErrUpdateInProgress   = errors.New("an update is already in progress")
	ErrIllegalOperation   = errors.New("illegal operation")
	ErrIllegalTransition  = errors.New("illegal state transition")
	ErrInvalidSettings    = fmt.Errorf("%w: invalid tracker settings", ErrConfiguration)
)
