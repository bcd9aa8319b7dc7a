package devices

import (
	"context"
	"sync"
)

// Permission states a Static checker can be configured with
const (
	PermissionGranted   = "granted"
	PermissionDenied    = "denied"
	PermissionDismissed = "dismissed"
)

// Static is a Checker over a fixed device list, used when the process has
// no interactive device layer
type Static struct {
	mu         sync.Mutex
	permission string
	devices    []Device
}

// NewStatic creates a checker with the given permission state and devices
func NewStatic(permission string, devices ...Device) *Static {
	return &Static{permission: permission, devices: devices}
}

// SetDevices replaces the device list, as a device-change notification would
func (s *Static) SetDevices(devices ...Device) {
	s.mu.Lock()
	s.devices = devices
	s.mu.Unlock()
}

// SetPermission changes the permission state
func (s *Static) SetPermission(permission string) {
	s.mu.Lock()
	s.permission = permission
	s.mu.Unlock()
}

func (s *Static) GetPermissions(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch s.permission {
	case PermissionDenied:
		return &Error{Reason: ReasonPermissionDenied, Message: "Permission denied"}
	case PermissionDismissed:
		return &Error{Reason: ReasonPermissionDismissed, Message: "Permission dismissed"}
	}
	return nil
}

func (s *Static) CheckValidDevices(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var haveInput, haveOutput bool
	for _, d := range s.devices {
		switch d.Kind {
		case KindInput:
			haveInput = true
		case KindOutput:
			haveOutput = true
		}
	}
	return MissingDevicesError(haveInput, haveOutput)
}

// FindDevice matches by id first, then by label
func (s *Static) FindDevice(ctx context.Context, want Device) (Device, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, d := range s.devices {
		if want.ID != "" && d.ID == want.ID {
			return d, nil
		}
	}
	for _, d := range s.devices {
		if want.Label != "" && d.Label == want.Label {
			return d, nil
		}
	}
	return Device{}, &Error{Reason: ReasonNotFound, Message: "Requested device not found"}
}
