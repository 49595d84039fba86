package volman

import (
	"errors"
	"fmt"
	"strings"
)

// DeviceFlow distinguishes output (render) endpoints from input (capture) endpoints
type DeviceFlow int

const (
	FlowOutput DeviceFlow = iota
	FlowInput
)

const (
	defaultDeviceName = "Default device"

	// policy ids wrap the MMDevice id between these tokens
	mmdevapiToken        = `\\?\SWD#MMDEVAPI#`
	devInterfaceRender   = "#{e6327cad-dcec-4949-ae8a-991e976a79d2}"
	devInterfaceCapture  = "#{2eef81be-33fa-4800-9670-1cd474972c3f}"
	deviceStringFormat   = "<device: %s (%s)>"
	defaultDeviceFormat  = "<device: default %s>"
	outputDeviceSessName = "Output device"
	inputDeviceSessName  = "Input device"
)

var (
	// ErrUnsupported is returned when the OS does not expose the native interface an operation needs
	ErrUnsupported = errors.New("operation not supported")

	// ErrNoDevice is returned when a session's device association can't be resolved
	ErrNoDevice = errors.New("no resolvable device")
)

func (f DeviceFlow) String() string {
	if f == FlowInput {
		return "input"
	}

	return "output"
}

// Toggle returns the opposite flow
func (f DeviceFlow) Toggle() DeviceFlow {
	if f == FlowInput {
		return FlowOutput
	}

	return FlowInput
}

// Device represents a single audio endpoint, or the "use system default" sentinel
type Device struct {
	ID   string
	Name string
	Flow DeviceFlow

	isDefault bool
}

// DefaultDevice returns the sentinel that stands for the system default endpoint of a flow
func DefaultDevice(flow DeviceFlow) *Device {
	return &Device{
		Name:      defaultDeviceName,
		Flow:      flow,
		isDefault: true,
	}
}

// IsDefault reports whether d is the "use system default" sentinel
func (d *Device) IsDefault() bool {
	return d != nil && d.isDefault
}

// Equal compares devices by id. Sentinels are equal when their flows match
func (d *Device) Equal(other *Device) bool {
	if d == nil || other == nil {
		return d == other
	}

	if d.isDefault || other.isDefault {
		return d.isDefault == other.isDefault && d.Flow == other.Flow
	}

	return strings.EqualFold(d.ID, other.ID)
}

// PolicyID returns the device reference understood by the per-application routing interface.
// The sentinel maps to an empty reference, which clears a persisted association
func (d *Device) PolicyID() string {
	if d == nil || d.isDefault || d.ID == "" {
		return ""
	}

	suffix := devInterfaceRender
	if d.Flow == FlowInput {
		suffix = devInterfaceCapture
	}

	return mmdevapiToken + d.ID + suffix
}

func (d *Device) String() string {
	if d.isDefault {
		return fmt.Sprintf(defaultDeviceFormat, d.Flow)
	}

	return fmt.Sprintf(deviceStringFormat, d.Name, d.Flow)
}

// deviceIDFromPolicyID strips the routing interface's wrapping from a device reference
func deviceIDFromPolicyID(policyID string) string {
	id := policyID

	if len(id) >= len(mmdevapiToken) && strings.EqualFold(id[:len(mmdevapiToken)], mmdevapiToken) {
		id = id[len(mmdevapiToken):]
	}

	for _, suffix := range []string{devInterfaceRender, devInterfaceCapture} {
		if len(id) >= len(suffix) && strings.EqualFold(id[len(id)-len(suffix):], suffix) {
			id = id[:len(id)-len(suffix)]
			break
		}
	}

	return id
}

// Session represents a single volume/mute control scope
type Session interface {
	Name() string

	// Volume is an integer percentage, 0..100
	Volume() (int, error)
	SetVolume(v int) error

	Muted() (bool, error)
	SetMuted(v bool) error

	Release()
}

// DeviceSession is a session bound to an audio endpoint (the whole device's volume)
type DeviceSession interface {
	Session

	Flow() DeviceFlow
	Device() *Device

	// SetDevice makes device the system default for all roles and rebinds the session to it
	SetDevice(device *Device) error
}

// RoutableSession is a per-process session whose default endpoints can be persisted per application
type RoutableSession interface {
	Session

	ProcessID() uint32

	// RoutedDevice returns the persisted device for flow, or the sentinel when none is persisted
	RoutedDevice(flow DeviceFlow) (*Device, error)
	RouteTo(flow DeviceFlow, device *Device) error
}

// AudioManager queries the OS audio subsystem for devices and sessions
type AudioManager interface {
	DefaultDevice(flow DeviceFlow) (*Device, error)
	Devices(flow DeviceFlow) ([]*Device, error)

	// DeviceSession returns a session bound to the current default endpoint of flow
	DeviceSession(flow DeviceFlow) (DeviceSession, error)

	// Sessions returns one session per running process with an active audio session
	Sessions() ([]Session, error)

	// StepVolume invokes the native stepped-volume primitive on the default output and
	// returns the resulting percentage
	StepVolume(up bool) (int, error)

	// ResetConfiguration clears every persisted per-application device association
	ResetConfiguration() error
	RoutingSupported() bool

	// SubscribeToDeviceChanges returns a channel that receives whenever a default endpoint changes
	SubscribeToDeviceChanges() chan bool

	Release() error
}

func deviceSessionName(flow DeviceFlow) string {
	if flow == FlowInput {
		return inputDeviceSessName
	}

	return outputDeviceSessName
}
