package domain

import "errors"

var (
	ErrNotFound          = errors.New("not found")
	ErrAlreadyExists     = errors.New("already exists")
	ErrRateLimited       = errors.New("rate limited")
	ErrUnauthorized      = errors.New("unauthorized")
	ErrInvalidOrder      = errors.New("invalid order parameters")
	ErrSigningFailed     = errors.New("signing failed")
	ErrLockHeld          = errors.New("lock already held")
	ErrTransient         = errors.New("transient failure")
	ErrNoActor           = errors.New("no actor available")
	ErrOrderInFlight     = errors.New("order already submitted")
	ErrDuplicateSubmit   = errors.New("order already seen by executor")
	ErrKeystoreIntegrity = errors.New("keystore integrity failure")
	ErrDecrypt           = errors.New("decryption failed")
	ErrPriceUnavailable  = errors.New("price unavailable")
	ErrNoQuote           = errors.New("no quote available")
	ErrUnknownPhase      = errors.New("unknown phase")
	ErrHalted            = errors.New("trading halted")
	ErrTxFailed          = errors.New("transaction failed on chain")
	ErrTxTimeout         = errors.New("transaction confirmation timed out")
)
