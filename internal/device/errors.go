// internal/device/errors.go
package device

import (
	"context"
	"errors"
	"strings"
)

// ErrorCode is a string type used for structured error reporting from device
// commands and action execution. Using a custom type ensures that only
// predefined constants can be used where an ErrorCode is expected.
type ErrorCode string

const (
	// -- Transient: plausibly resolved by retrying --
	ErrCodeDeviceUnavailable ErrorCode = "DEVICE_UNAVAILABLE" // adb lost the device, it may come back.
	ErrCodeCommandTimeout    ErrorCode = "COMMAND_TIMEOUT"    // The adb call overran its deadline.
	ErrCodeADBFailure        ErrorCode = "ADB_FAILURE"        // adb failed for no recognized reason.
	ErrCodeObservationFailed ErrorCode = "OBSERVATION_FAILED" // Screen inspection produced no usable tree.

	// -- Permanent: retrying the same action cannot help --
	ErrCodeElementNotFound ErrorCode = "ELEMENT_NOT_FOUND" // The addressed text is not on screen.
	ErrCodeAssertionFailed ErrorCode = "ASSERTION_FAILED"  // assert_text_present found nothing.
	ErrCodeUnknownPackage  ErrorCode = "UNKNOWN_PACKAGE"   // The package does not exist on the device.
	ErrCodeInvalidAction   ErrorCode = "INVALID_ACTION"    // No handler for the action type.
)

// transientMarkers are stderr fragments that indicate the device briefly went
// away rather than the command being wrong.
var transientMarkers = []string{
	"device offline",
	"no devices/emulators found",
	"device unauthorized",
	"connection reset",
	"closed",
	"protocol fault",
	"cannot connect to daemon",
}

// permanentMarkers identify command failures where a retry is pointless.
var permanentMarkers = map[string]ErrorCode{
	"no launchable activity":  ErrCodeUnknownPackage,
	"no activities found":     ErrCodeUnknownPackage,
	"unknown package":         ErrCodeUnknownPackage,
	"not installed":           ErrCodeUnknownPackage,
	"pm clear did not report": ErrCodeUnknownPackage,
}

// ClassifyError maps a command failure to an error code and a transient flag.
// Heuristic based, mirroring how adb reports trouble: deadline errors and
// known connectivity fragments are transient, recognized command rejections
// are permanent, and anything else stays transient so the bounded retry
// policy gets a chance before the step is written off.
func ClassifyError(err error) (ErrorCode, bool) {
	if err == nil {
		return "", false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return ErrCodeCommandTimeout, true
	}
	if errors.Is(err, context.Canceled) {
		// Cancellation is not the device's fault; report it as a timeout so
		// the session layer can tell apart its own shutdown.
		return ErrCodeCommandTimeout, true
	}

	msg := strings.ToLower(err.Error())
	var cmdErr *CommandError
	if errors.As(err, &cmdErr) {
		msg = strings.ToLower(cmdErr.Error())
		if cmdErr.Err != nil {
			msg += " " + strings.ToLower(cmdErr.Err.Error())
		}
	}

	for marker, code := range permanentMarkers {
		if strings.Contains(msg, marker) {
			return code, false
		}
	}
	for _, marker := range transientMarkers {
		if strings.Contains(msg, marker) {
			return ErrCodeDeviceUnavailable, true
		}
	}
	// adb interpolates the serial into this one: "error: device
	// 'emulator-5554' not found", so a fixed fragment cannot catch it.
	if strings.Contains(msg, "device") && strings.Contains(msg, "not found") {
		return ErrCodeDeviceUnavailable, true
	}
	if strings.Contains(msg, "timed out") || strings.Contains(msg, "timeout") {
		return ErrCodeCommandTimeout, true
	}
	return ErrCodeADBFailure, true
}
