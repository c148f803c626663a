package optimizer

import "errors"

var (
	ErrUnsupportedTier = errors.New("allocation is only recalculated for the active tier")
	ErrInvalidSettings = errors.New("invalid optimizer settings")
	ErrInvalidAddress  = errors.New("wallet address is required")
	ErrUnknownAction   = errors.New("unknown rotation action")
)
