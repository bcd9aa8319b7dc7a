// Package devices is the contract with the audio device/permission provider.
// Failures here are a separate error class from connectivity failures and
// are never retried automatically.
package devices

import (
	"context"
	"errors"
	"fmt"
)

// Reason classifies a device failure
type Reason string

const (
	ReasonPermissionDenied    Reason = "permission-denied"
	ReasonPermissionDismissed Reason = "permission-dismissed"
	ReasonMissingInput        Reason = "missing-input-device"
	ReasonMissingOutput       Reason = "missing-output-device"
	ReasonMissingDevices      Reason = "missing-devices"
	ReasonNotFound            Reason = "device-not-found"
)

// Error is a typed device failure
type Error struct {
	Reason  Reason
	Message string
}

func (e *Error) Error() string {
	return fmt.Sprintf("device error (%s): %s", e.Reason, e.Message)
}

// IsDeviceError reports whether err is, or wraps, a device failure
func IsDeviceError(err error) bool {
	var de *Error
	return errors.As(err, &de)
}

// ReasonOf returns the reason of a device failure, or "" for other errors
func ReasonOf(err error) Reason {
	var de *Error
	if errors.As(err, &de) {
		return de.Reason
	}
	return ""
}

// Kind of audio device
type Kind string

const (
	KindInput  Kind = "audioinput"
	KindOutput Kind = "audiooutput"
)

// Device describes one audio device
type Device struct {
	ID    string `json:"deviceId"`
	Label string `json:"label"`
	Kind  Kind   `json:"kind"`
}

// Checker is implemented by the host's device/permission provider
type Checker interface {
	GetPermissions(ctx context.Context) error
	CheckValidDevices(ctx context.Context) error
	FindDevice(ctx context.Context, want Device) (Device, error)
}

// maxPermissionPrompts bounds re-prompting after a dismissed permission dialog
const maxPermissionPrompts = 3

// EnsureReady obtains permissions and confirms an input and output device
// exist. A dismissed prompt is asked again; a denial aborts.
func EnsureReady(ctx context.Context, c Checker) error {
	var err error
	for i := 0; i < maxPermissionPrompts; i++ {
		err = c.GetPermissions(ctx)
		if ReasonOf(err) != ReasonPermissionDismissed {
			break
		}
	}
	if err != nil {
		return err
	}
	return c.CheckValidDevices(ctx)
}

// MissingDevicesError builds the error for an incomplete device set, or nil
func MissingDevicesError(haveInput, haveOutput bool) error {
	switch {
	case haveInput && haveOutput:
		return nil
	case !haveInput && haveOutput:
		return &Error{Reason: ReasonMissingInput, Message: "No microphone detected"}
	case haveInput && !haveOutput:
		return &Error{Reason: ReasonMissingOutput, Message: "No speaker/headset detected"}
	default:
		return &Error{Reason: ReasonMissingDevices, Message: "No microphone and speaker/headset detected"}
	}
}
