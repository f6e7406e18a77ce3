package errs

import (
	"errors"
	"fmt"
)

var (
	ErrNotFound       = errors.New("not found")
	ErrInvalidState   = errors.New("invalid state")
	ErrInvalidInput   = errors.New("invalid input")
	ErrUnauthorized   = errors.New("unauthorized")
	ErrAlreadyClaimed = errors.New("already claimed")
)

// DeviceLimitExceededError is returned when a license key has no free device
// slots. Carries the counts so the caller can tell the user how many devices
// are in use and what the limit is.
type DeviceLimitExceededError struct {
	Used  int
	Limit int
}

func (e *DeviceLimitExceededError) Error() string {
	return fmt.Sprintf("device limit exceeded: %d of %d devices in use", e.Used, e.Limit)
}

// InsufficientBalanceError is returned when a reseller charge would drive the
// balance below the allowed floor.
type InsufficientBalanceError struct {
	Balance   float64
	Attempted float64
}

func (e *InsufficientBalanceError) Error() string {
	return fmt.Sprintf("insufficient balance: have %.2f, attempted charge %.2f", e.Balance, e.Attempted)
}

// IsDeviceLimitExceeded reports whether err is a DeviceLimitExceededError.
func IsDeviceLimitExceeded(err error) (*DeviceLimitExceededError, bool) {
	var dle *DeviceLimitExceededError
	if errors.As(err, &dle) {
		return dle, true
	}
	return nil, false
}

// IsInsufficientBalance reports whether err is an InsufficientBalanceError.
func IsInsufficientBalance(err error) (*InsufficientBalanceError, bool) {
	var ibe *InsufficientBalanceError
	if errors.As(err, &ibe) {
		return ibe, true
	}
	return nil, false
}
