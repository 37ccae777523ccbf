package reference

import (
	"errors"
	"fmt"
)

// ErrConfiguration is the kind shared by every error caused by an invalid
// tracker setup. Check with errors.Is.
var ErrConfiguration = errors.New("configuration error")

var (
	ErrEmptyDatabase    = fmt.Errorf("%w: reference image database is empty", ErrConfiguration)
	ErrDuplicateName    = fmt.Errorf("%w: duplicate reference image name", ErrConfiguration)
	ErrDatabaseLocked   = fmt.Errorf("%w: reference image database is locked for training", ErrConfiguration)
	ErrInvalidReference = fmt.Errorf("%w: invalid reference image", ErrConfiguration)
	ErrNotFound         = errors.New("reference image not found")
)
