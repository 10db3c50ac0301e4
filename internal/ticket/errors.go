package ticket

import (
	"errors"
	"fmt"
)

// Cause names why a ticket stopped without completing.
type Cause string

const (
	CauseMacNotFound           Cause = "MacNotFound"
	CauseTooManyMacsFound      Cause = "TooManyMacsFound"
	CauseNotObservedToday      Cause = "NotObservedToday"
	CauseExcludedHost          Cause = "ExcludedHost"
	CauseDeviceUnreachable     Cause = "DeviceUnreachable"
	CauseNotAccessPort         Cause = "NotAccessPort"
	CauseMultiDeviceConfigured Cause = "MultiDeviceConfigured"
	CausePortDown              Cause = "PortDown"
	CauseHubDetected           Cause = "HubDetected"
	CauseMacStuckBehindHub     Cause = "MacStuckBehindHub"
	CauseStickinessTimeout     Cause = "StickinessTimeout"
	CauseCancelledByOperator   Cause = "CancelledByOperator"
	// CauseInterrupted is a worker stopped by a signal it could handle, such
	// as a service manager stop. Operator KILLs never reach the worker.
	CauseInterrupted           Cause = "Interrupted"
	CauseInternalFault         Cause = "InternalFault"
)

// Sentinel errors, one per cause.
var (
	ErrMacNotFound           = errors.New("no MAC addresses found")
	ErrTooManyMacsFound      = errors.New("too many MAC addresses found")
	ErrNotObservedToday      = errors.New("device not observed in the log server during the working day")
	ErrExcludedHost          = errors.New("host is in the list of excluded addresses")
	ErrDeviceUnreachable     = errors.New("device unreachable")
	ErrNotAccessPort         = errors.New("not an access port")
	ErrMultiDeviceConfigured = errors.New("multiple devices configured on port")
	ErrPortDown              = errors.New("port is down")
	ErrHubDetected           = errors.New("multiple devices behind a hub")
	ErrMacStuckBehindHub     = errors.New("MAC stuck on another port behind a hub")
	ErrStickinessTimeout     = errors.New("MAC does not stick to the port")
	ErrCancelledByOperator   = errors.New("cancelled by operator")
	ErrInterrupted           = errors.New("worker interrupted")
	ErrInternalFault         = errors.New("internal fault")
)

var causeErrors = map[Cause]error{
	CauseMacNotFound:           ErrMacNotFound,
	CauseTooManyMacsFound:      ErrTooManyMacsFound,
	CauseNotObservedToday:      ErrNotObservedToday,
	CauseExcludedHost:          ErrExcludedHost,
	CauseDeviceUnreachable:     ErrDeviceUnreachable,
	CauseNotAccessPort:         ErrNotAccessPort,
	CauseMultiDeviceConfigured: ErrMultiDeviceConfigured,
	CausePortDown:              ErrPortDown,
	CauseHubDetected:           ErrHubDetected,
	CauseMacStuckBehindHub:     ErrMacStuckBehindHub,
	CauseStickinessTimeout:     ErrStickinessTimeout,
	CauseCancelledByOperator:   ErrCancelledByOperator,
	CauseInterrupted:           ErrInterrupted,
	CauseInternalFault:         ErrInternalFault,
}

// Err returns the sentinel error for the cause.
func (c Cause) Err() error {
	if err, ok := causeErrors[c]; ok {
		return err
	}
	return ErrInternalFault
}

// Error is a terminal ticket failure.
type Error struct {
	Cause Cause
	Err   error
}

// Fail builds a terminal error for cause with an optional underlying error.
func Fail(cause Cause, err error) *Error {
	return &Error{Cause: cause, Err: err}
}

// Failf builds a terminal error for cause with a formatted detail.
func Failf(cause Cause, format string, args ...any) *Error {
	return &Error{Cause: cause, Err: fmt.Errorf(format, args...)}
}

func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %v", e.Cause, e.Cause.Err())
	}
	return fmt.Sprintf("%s: %v", e.Cause, e.Err)
}

// Unwrap exposes both the cause sentinel and the underlying error.
func (e *Error) Unwrap() []error {
	if e.Err == nil {
		return []error{e.Cause.Err()}
	}
	return []error{e.Cause.Err(), e.Err}
}

// CauseOf extracts the cause carried by err. Errors that match a sentinel are
// mapped to its cause; anything else is an internal fault.
func CauseOf(err error) Cause {
	if err == nil {
		return ""
	}
	var te *Error
	if errors.As(err, &te) {
		return te.Cause
	}
	for cause, sentinel := range causeErrors {
		if errors.Is(err, sentinel) {
			return cause
		}
	}
	return CauseInternalFault
}
