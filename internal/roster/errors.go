package roster

import "errors"

var (
	ErrRosterFull            = errors.New("active roster is full")
	ErrPinLimitExceeded      = errors.New("pin limit exceeded")
	ErrWalletBanned          = errors.New("wallet is banned")
	ErrInvalidTierTransition = errors.New("invalid tier transition")
	ErrWalletNotFound        = errors.New("wallet not on roster")
	ErrWalletExists          = errors.New("wallet already on roster")
	ErrWalletPinned          = errors.New("wallet is pinned")
	ErrNotBanned             = errors.New("wallet is not banned")
	ErrPassAlreadyRunning    = errors.New("rotation pass already running")
	ErrPersistenceConflict   = errors.New("roster persistence conflict")
	ErrAllocationOverflow    = errors.New("active allocation exceeds 100 percent")
)
