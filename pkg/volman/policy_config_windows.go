package volman

import (
	"fmt"
	"syscall"
	"unsafe"

	ole "github.com/go-ole/go-ole"
	"go.uber.org/zap"
	"golang.org/x/sys/windows"
)

// neither interface ships with go-wca; both are undocumented and laid out by hand here

const (
	eDataFlowRender  = 0
	eDataFlowCapture = 1

	eRoleConsole        = 0
	eRoleMultimedia     = 1
	eRoleCommunications = 2

	audioPolicyConfigClass = "Windows.Media.Internal.AudioPolicyConfig"

	// first builds exposing each IAudioPolicyConfig layout
	buildAudioPolicyConfig21H2 = 21390
	buildAudioPolicyConfig     = 10240
)

var (
	allRoles = []uintptr{eRoleConsole, eRoleMultimedia, eRoleCommunications}

	clsidPolicyConfig = ole.NewGUID("{870AF99C-171D-4F9E-AF0D-E63DF40C2BC9}")
	iidPolicyConfig   = ole.NewGUID("{F8679F50-850A-41CF-9C72-430F290290C8}")

	iidAudioPolicyConfig21H2 = ole.NewGUID("{ab3d4648-e242-459f-b02f-541c70306324}")
	iidAudioPolicyConfig     = ole.NewGUID("{2a59116d-6c4f-45e0-a74f-707e3fef9258}")

	modcombase                    = windows.NewLazySystemDLL("combase.dll")
	procWindowsCreateString       = modcombase.NewProc("WindowsCreateString")
	procWindowsDeleteString       = modcombase.NewProc("WindowsDeleteString")
	procWindowsGetStringRawBuffer = modcombase.NewProc("WindowsGetStringRawBuffer")
	procRoGetActivationFactory    = modcombase.NewProc("RoGetActivationFactory")
)

func flowToEDataFlow(flow DeviceFlow) uint32 {
	if flow == FlowInput {
		return eDataFlowCapture
	}

	return eDataFlowRender
}

type hstring uintptr

func newHString(s string) (hstring, error) {
	if s == "" {
		return 0, nil
	}

	u16, err := syscall.UTF16FromString(s)
	if err != nil {
		return 0, fmt.Errorf("encode hstring: %w", err)
	}

	var h hstring
	hr, _, _ := syscall.SyscallN(
		procWindowsCreateString.Addr(),
		uintptr(unsafe.Pointer(&u16[0])),
		uintptr(len(u16)-1),
		uintptr(unsafe.Pointer(&h)),
	)

	if hr != 0 {
		return 0, fmt.Errorf("create hstring: %w", ole.NewError(hr))
	}

	return h, nil
}

func (h hstring) String() string {
	if h == 0 {
		return ""
	}

	var length uint32
	ptr, _, _ := syscall.SyscallN(procWindowsGetStringRawBuffer.Addr(), uintptr(h), uintptr(unsafe.Pointer(&length)))
	if ptr == 0 || length == 0 {
		return ""
	}

	return windows.UTF16ToString(unsafe.Slice((*uint16)(unsafe.Pointer(ptr)), length))
}

func (h hstring) Delete() {
	if h != 0 {
		syscall.SyscallN(procWindowsDeleteString.Addr(), uintptr(h))
	}
}

// policyConfig sets the system default endpoint per role
type policyConfig struct {
	ole.IUnknown
}

type policyConfigVtbl struct {
	ole.IUnknownVtbl

	GetMixFormat          uintptr
	GetDeviceFormat       uintptr
	ResetDeviceFormat     uintptr
	SetDeviceFormat       uintptr
	GetProcessingPeriod   uintptr
	SetProcessingPeriod   uintptr
	GetShareMode          uintptr
	SetShareMode          uintptr
	GetPropertyValue      uintptr
	SetPropertyValue      uintptr
	SetDefaultEndpoint    uintptr
	SetEndpointVisibility uintptr
}

func newPolicyConfig() (*policyConfig, error) {
	unknown, err := ole.CreateInstance(clsidPolicyConfig, iidPolicyConfig)
	if err != nil {
		return nil, fmt.Errorf("create policy config instance: %w", err)
	}

	return (*policyConfig)(unsafe.Pointer(unknown)), nil
}

func (v *policyConfig) vtable() *policyConfigVtbl {
	return (*policyConfigVtbl)(unsafe.Pointer(v.RawVTable))
}

func (v *policyConfig) SetDefaultEndpoint(deviceID string, role uintptr) error {
	id, err := syscall.UTF16PtrFromString(deviceID)
	if err != nil {
		return fmt.Errorf("encode device id: %w", err)
	}

	hr, _, _ := syscall.SyscallN(
		v.vtable().SetDefaultEndpoint,
		uintptr(unsafe.Pointer(v)),
		uintptr(unsafe.Pointer(id)),
		role,
	)

	if hr != 0 {
		return ole.NewError(hr)
	}

	return nil
}

// audioPolicyConfig persists per-process default endpoints. Only present on Windows 10 and up
type audioPolicyConfig struct {
	ole.IUnknown
}

type audioPolicyConfigVtbl struct {
	ole.IUnknownVtbl

	// IInspectable
	GetIids             uintptr
	GetRuntimeClassName uintptr
	GetTrustLevel       uintptr

	_ [19]uintptr

	SetPersistedDefaultAudioEndpoint             uintptr
	GetPersistedDefaultAudioEndpoint             uintptr
	ClearAllPersistedApplicationDefaultEndpoints uintptr
}

// audioPolicyConfigIID picks the interface id matching the running OS build, or nil when unavailable
func audioPolicyConfigIID(build uint32) *ole.GUID {
	switch {
	case build >= buildAudioPolicyConfig21H2:
		return iidAudioPolicyConfig21H2
	case build >= buildAudioPolicyConfig:
		return iidAudioPolicyConfig
	default:
		return nil
	}
}

func newAudioPolicyConfig(logger *zap.SugaredLogger) (*audioPolicyConfig, error) {
	build := windows.RtlGetVersion().BuildNumber

	iid := audioPolicyConfigIID(build)
	if iid == nil {
		logger.Infow("Per-application devices unavailable on this OS build", "build", build)
		return nil, ErrUnsupported
	}

	className, err := newHString(audioPolicyConfigClass)
	if err != nil {
		return nil, err
	}
	defer className.Delete()

	var factory *audioPolicyConfig
	hr, _, _ := syscall.SyscallN(
		procRoGetActivationFactory.Addr(),
		uintptr(className),
		uintptr(unsafe.Pointer(iid)),
		uintptr(unsafe.Pointer(&factory)),
	)

	if hr != 0 {
		logger.Warnw("Failed to get audio policy config factory", "build", build, "error", ole.NewError(hr))
		return nil, fmt.Errorf("get audio policy config factory: %w", ErrUnsupported)
	}

	logger.Debugw("Got audio policy config factory", "build", build, "iid", iid.String())

	return factory, nil
}

func (v *audioPolicyConfig) vtable() *audioPolicyConfigVtbl {
	return (*audioPolicyConfigVtbl)(unsafe.Pointer(v.RawVTable))
}

// SetPersistedDefaultAudioEndpoint persists policyID for pid. An empty policyID clears the association
func (v *audioPolicyConfig) SetPersistedDefaultAudioEndpoint(pid uint32, flow DeviceFlow, role uintptr, policyID string) error {
	id, err := newHString(policyID)
	if err != nil {
		return err
	}
	defer id.Delete()

	hr, _, _ := syscall.SyscallN(
		v.vtable().SetPersistedDefaultAudioEndpoint,
		uintptr(unsafe.Pointer(v)),
		uintptr(pid),
		uintptr(flowToEDataFlow(flow)),
		role,
		uintptr(id),
	)

	if hr != 0 {
		return ole.NewError(hr)
	}

	return nil
}

// GetPersistedDefaultAudioEndpoint returns the persisted policy id for pid, or "" when there is none
func (v *audioPolicyConfig) GetPersistedDefaultAudioEndpoint(pid uint32, flow DeviceFlow, role uintptr) (string, error) {
	var id hstring

	hr, _, _ := syscall.SyscallN(
		v.vtable().GetPersistedDefaultAudioEndpoint,
		uintptr(unsafe.Pointer(v)),
		uintptr(pid),
		uintptr(flowToEDataFlow(flow)),
		role,
		uintptr(unsafe.Pointer(&id)),
	)

	if hr != 0 {
		return "", ole.NewError(hr)
	}
	defer id.Delete()

	return id.String(), nil
}

func (v *audioPolicyConfig) ClearAllPersistedApplicationDefaultEndpoints() error {
	hr, _, _ := syscall.SyscallN(v.vtable().ClearAllPersistedApplicationDefaultEndpoints, uintptr(unsafe.Pointer(v)))

	if hr != 0 {
		return ole.NewError(hr)
	}

	return nil
}
