package volman

import (
	"errors"
	"fmt"
	"runtime"
	"strings"
	"syscall"
	"time"
	"unsafe"

	ole "github.com/go-ole/go-ole"
	wca "github.com/moutend/go-wca"
	"go.uber.org/zap"

	"github.com/stalexteam/volman/pkg/volman/util"
)

const (
	// there's no real mystery here, it's just a random GUID
	myteriousGUID = "{1ec920a1-7db8-44ba-9779-e5d28ed9f330}"

	// the notification client calls back several times per change; we only act on the first
	minDefaultDeviceChangeThreshold = 100 * time.Millisecond

	// E_NOINTERFACE
	comENoInterface = 0x80004002

	// AUDCLNT_S_NO_SINGLE_PROCESS
	audclntNoSingleProcess = 0x889000D

	// E_FALSE, CoInitializeEx on an already initialized thread
	comEFalse = 1
)

type wcaAudioManager struct {
	logger        *zap.SugaredLogger
	sessionLogger *zap.SugaredLogger

	eventCtx *ole.GUID
	cache    *DeviceCache

	policy    *policyConfig
	appPolicy *audioPolicyConfig

	mmDeviceEnumerator   *wca.IMMDeviceEnumerator
	mmNotificationClient *wca.IMMNotificationClient

	deviceChanges *deviceChangeNotifier

	stopMTA chan bool
}

func newAudioManager(logger *zap.SugaredLogger) (AudioManager, error) {
	m := &wcaAudioManager{
		logger:        logger.Named("audio"),
		sessionLogger: logger.Named("sessions"),
		eventCtx:      ole.NewGUID(myteriousGUID),
		cache:         newDeviceCache(),
		deviceChanges: newDeviceChangeNotifier(minDefaultDeviceChangeThreshold),
		stopMTA:       make(chan bool),
	}

	if err := m.startMTA(); err != nil {
		return nil, err
	}

	if err := wca.CoCreateInstance(
		wca.CLSID_MMDeviceEnumerator,
		0,
		wca.CLSCTX_ALL,
		wca.IID_IMMDeviceEnumerator,
		&m.mmDeviceEnumerator,
	); err != nil {
		m.logger.Warnw("Failed to call CoCreateInstance", "error", err)
		close(m.stopMTA)
		return nil, fmt.Errorf("call CoCreateInstance: %w", err)
	}

	m.mmNotificationClient = m.newNotificationClient()

	if err := m.mmDeviceEnumerator.RegisterEndpointNotificationCallback(m.mmNotificationClient); err != nil {
		m.logger.Warnw("Failed to register notification callback", "error", err)
		m.mmNotificationClient = nil
	}

	policy, err := newPolicyConfig()
	if err != nil {
		m.logger.Warnw("Failed to create policy config, default devices can't be changed", "error", err)
	} else {
		m.policy = policy
	}

	appPolicy, err := newAudioPolicyConfig(m.logger)
	if err != nil {
		m.logger.Infow("Per-application devices unsupported", "error", err)
	} else {
		m.appPolicy = appPolicy
	}

	m.logger.Debug("Created WCA audio manager instance")

	return m, nil
}

// startMTA keeps a multithreaded apartment alive on a dedicated OS thread, so every
// goroutine in the process can make COM calls without initializing its own thread
func (m *wcaAudioManager) startMTA() error {
	result := make(chan error)

	go func() {
		runtime.LockOSThread()
		defer runtime.UnlockOSThread()

		if err := ole.CoInitializeEx(0, ole.COINIT_MULTITHREADED); err != nil {
			oleError := &ole.OleError{}

			if errors.As(err, &oleError) && oleError.Code() == comEFalse {
				m.logger.Warn("CoInitializeEx failed with E_FALSE due to redundant invocation")
			} else {
				m.logger.Warnw("Failed to call CoInitializeEx", "isOleError", errors.As(err, &oleError), "error", err)
				result <- fmt.Errorf("call CoInitializeEx: %w", err)
				return
			}
		}

		result <- nil

		<-m.stopMTA
		ole.CoUninitialize()
	}()

	return <-result
}

func (m *wcaAudioManager) DefaultDevice(flow DeviceFlow) (*Device, error) {
	endpoint, err := m.defaultEndpoint(flow)
	if err != nil {
		return nil, err
	}
	defer endpoint.Release()

	return m.deviceFromEndpoint(endpoint, flow)
}

func (m *wcaAudioManager) Devices(flow DeviceFlow) ([]*Device, error) {
	var deviceCollection *wca.IMMDeviceCollection

	if err := m.mmDeviceEnumerator.EnumAudioEndpoints(
		flowToEDataFlow(flow),
		wca.DEVICE_STATE_ACTIVE,
		&deviceCollection,
	); err != nil {
		m.logger.Warnw("Failed to enumerate active audio endpoints", "flow", flow, "error", err)
		return nil, fmt.Errorf("enumerate active audio endpoints: %w", err)
	}
	defer deviceCollection.Release()

	var deviceCount uint32
	if err := deviceCollection.GetCount(&deviceCount); err != nil {
		m.logger.Warnw("Failed to get device count from device collection", "error", err)
		return nil, fmt.Errorf("get device count from device collection: %w", err)
	}

	devices := make([]*Device, 0, deviceCount)

	for deviceIdx := uint32(0); deviceIdx < deviceCount; deviceIdx++ {
		var endpoint *wca.IMMDevice

		if err := deviceCollection.Item(deviceIdx, &endpoint); err != nil {
			m.logger.Warnw("Failed to get device from device collection", "deviceIdx", deviceIdx, "error", err)
			continue
		}

		device, err := m.deviceFromEndpoint(endpoint, flow)
		endpoint.Release()

		if err != nil {
			continue
		}

		devices = append(devices, device)
	}

	m.logger.Debugw("Enumerated devices", "flow", flow, "count", len(devices), "cache", m.cache)

	return devices, nil
}

func (m *wcaAudioManager) DeviceSession(flow DeviceFlow) (DeviceSession, error) {
	endpoint, err := m.defaultEndpoint(flow)
	if err != nil {
		return nil, err
	}
	defer endpoint.Release()

	device, err := m.deviceFromEndpoint(endpoint, flow)
	if err != nil {
		return nil, err
	}

	var volume *wca.IAudioEndpointVolume
	if err := endpoint.Activate(wca.IID_IAudioEndpointVolume, wca.CLSCTX_ALL, nil, &volume); err != nil {
		m.logger.Warnw("Failed to activate AudioEndpointVolume", "flow", flow, "error", err)
		return nil, fmt.Errorf("activate endpoint volume: %w", err)
	}

	return newEndpointSession(m.sessionLogger, m, flow, device, volume, m.eventCtx), nil
}

// Sessions enumerates application sessions on every active output endpoint, one per process
func (m *wcaAudioManager) Sessions() ([]Session, error) {
	var deviceCollection *wca.IMMDeviceCollection

	if err := m.mmDeviceEnumerator.EnumAudioEndpoints(wca.ERender, wca.DEVICE_STATE_ACTIVE, &deviceCollection); err != nil {
		m.logger.Warnw("Failed to enumerate active audio endpoints", "error", err)
		return nil, fmt.Errorf("enumerate active audio endpoints: %w", err)
	}
	defer deviceCollection.Release()

	var deviceCount uint32
	if err := deviceCollection.GetCount(&deviceCount); err != nil {
		m.logger.Warnw("Failed to get device count from device collection", "error", err)
		return nil, fmt.Errorf("get device count from device collection: %w", err)
	}

	sessions := []Session{}
	seen := map[uint32]bool{}

	for deviceIdx := uint32(0); deviceIdx < deviceCount; deviceIdx++ {
		var endpoint *wca.IMMDevice

		if err := deviceCollection.Item(deviceIdx, &endpoint); err != nil {
			m.logger.Warnw("Failed to get device from device collection", "deviceIdx", deviceIdx, "error", err)
			continue
		}

		if err := m.enumerateAndAddSessions(endpoint, &sessions, seen); err != nil {
			m.logger.Warnw("Failed to enumerate sessions on endpoint", "deviceIdx", deviceIdx, "error", err)
		}

		endpoint.Release()
	}

	m.logger.Debugw("Enumerated sessions", "count", len(sessions))

	return sessions, nil
}

func (m *wcaAudioManager) enumerateAndAddSessions(endpoint *wca.IMMDevice, sessions *[]Session, seen map[uint32]bool) error {
	var audioSessionManager2 *wca.IAudioSessionManager2

	if err := endpoint.Activate(wca.IID_IAudioSessionManager2, wca.CLSCTX_ALL, nil, &audioSessionManager2); err != nil {
		return fmt.Errorf("activate endpoint: %w", err)
	}
	defer audioSessionManager2.Release()

	var sessionEnumerator *wca.IAudioSessionEnumerator
	if err := audioSessionManager2.GetSessionEnumerator(&sessionEnumerator); err != nil {
		return fmt.Errorf("get session enumerator: %w", err)
	}
	defer sessionEnumerator.Release()

	var sessionCount int
	if err := sessionEnumerator.GetCount(&sessionCount); err != nil {
		return fmt.Errorf("get session count: %w", err)
	}

	for sessionIdx := 0; sessionIdx < sessionCount; sessionIdx++ {
		var audioSessionControl *wca.IAudioSessionControl
		if err := sessionEnumerator.GetSession(sessionIdx, &audioSessionControl); err != nil {
			m.logger.Warnw("Failed to get session from session enumerator", "sessionIdx", sessionIdx, "error", err)
			continue
		}

		dispatch, err := audioSessionControl.QueryInterface(wca.IID_IAudioSessionControl2)
		audioSessionControl.Release()

		if err != nil {
			m.logger.Warnw("Failed to query session's IAudioSessionControl2", "sessionIdx", sessionIdx, "error", err)
			continue
		}

		audioSessionControl2 := (*wca.IAudioSessionControl2)(unsafe.Pointer(dispatch))

		var pid uint32
		if err := audioSessionControl2.GetProcessId(&pid); err != nil {

			// multi-process sessions still report their pid alongside this status
			oleError := &ole.OleError{}
			if !errors.As(err, &oleError) || oleError.Code() != audclntNoSingleProcess {
				m.logger.Warnw("Failed to get session process ID", "error", err)
				audioSessionControl2.Release()
				continue
			}
		}

		// the system sounds session has no process to route or name
		if pid == 0 || seen[pid] {
			audioSessionControl2.Release()
			continue
		}

		dispatch, err = audioSessionControl2.QueryInterface(wca.IID_ISimpleAudioVolume)
		if err != nil {
			m.logger.Warnw("Failed to query session's ISimpleAudioVolume", "pid", pid, "error", err)
			audioSessionControl2.Release()
			continue
		}

		simpleAudioVolume := (*wca.ISimpleAudioVolume)(unsafe.Pointer(dispatch))

		session, err := newProcessSession(m.sessionLogger, m, audioSessionControl2, simpleAudioVolume, pid, m.eventCtx)
		if err != nil {
			simpleAudioVolume.Release()
			audioSessionControl2.Release()

			if !errors.Is(err, errNoSuchProcess) {
				m.logger.Warnw("Failed to create new WCA session instance", "error", err, "sessionIdx", sessionIdx)
			}

			continue
		}

		seen[pid] = true
		*sessions = append(*sessions, session)
	}

	return nil
}

func (m *wcaAudioManager) StepVolume(up bool) (int, error) {
	endpoint, err := m.defaultEndpoint(FlowOutput)
	if err != nil {
		return 0, err
	}
	defer endpoint.Release()

	var volume *wca.IAudioEndpointVolume
	if err := endpoint.Activate(wca.IID_IAudioEndpointVolume, wca.CLSCTX_ALL, nil, &volume); err != nil {
		return 0, fmt.Errorf("activate endpoint volume: %w", err)
	}
	defer volume.Release()

	if up {
		err = volume.VolumeStepUp(m.eventCtx)
	} else {
		err = volume.VolumeStepDown(m.eventCtx)
	}

	if err != nil {
		m.logger.Warnw("Failed to step endpoint volume", "up", up, "error", err)
		return 0, fmt.Errorf("step endpoint volume: %w", err)
	}

	var level float32
	if err := volume.GetMasterVolumeLevelScalar(&level); err != nil {
		return 0, fmt.Errorf("get endpoint volume: %w", err)
	}

	return util.ScalarToPercent(level), nil
}

func (m *wcaAudioManager) ResetConfiguration() error {
	if m.appPolicy == nil {
		return ErrUnsupported
	}

	if err := m.appPolicy.ClearAllPersistedApplicationDefaultEndpoints(); err != nil {
		m.logger.Warnw("Failed to clear persisted application endpoints", "error", err)
		return fmt.Errorf("clear persisted application endpoints: %w", err)
	}

	return nil
}

func (m *wcaAudioManager) RoutingSupported() bool {
	return m.appPolicy != nil
}

func (m *wcaAudioManager) SubscribeToDeviceChanges() chan bool {
	return m.deviceChanges.subscribe()
}

func (m *wcaAudioManager) Release() error {
	if m.mmNotificationClient != nil {
		if err := m.mmDeviceEnumerator.UnregisterEndpointNotificationCallback(m.mmNotificationClient); err != nil {
			m.logger.Warnw("Failed to unregister notification callback", "error", err)
		}
	}

	if m.appPolicy != nil {
		m.appPolicy.Release()
	}

	if m.policy != nil {
		m.policy.Release()
	}

	m.mmDeviceEnumerator.Release()
	m.deviceChanges.close()

	close(m.stopMTA)

	m.logger.Debug("Released WCA audio manager instance")

	return nil
}

func (m *wcaAudioManager) defaultEndpoint(flow DeviceFlow) (*wca.IMMDevice, error) {
	var endpoint *wca.IMMDevice

	if err := m.mmDeviceEnumerator.GetDefaultAudioEndpoint(flowToEDataFlow(flow), wca.EMultimedia, &endpoint); err != nil {
		m.logger.Debugw("Failed to get default audio endpoint", "flow", flow, "error", err)
		return nil, fmt.Errorf("get default %s endpoint: %w", flow, ErrNoDevice)
	}

	return endpoint, nil
}

// endpointVolume activates the volume control of the endpoint identified by device
func (m *wcaAudioManager) endpointVolume(device *Device) (*wca.IAudioEndpointVolume, error) {
	var deviceCollection *wca.IMMDeviceCollection

	if err := m.mmDeviceEnumerator.EnumAudioEndpoints(flowToEDataFlow(device.Flow), wca.DEVICE_STATE_ACTIVE, &deviceCollection); err != nil {
		return nil, fmt.Errorf("enumerate active audio endpoints: %w", err)
	}
	defer deviceCollection.Release()

	var deviceCount uint32
	if err := deviceCollection.GetCount(&deviceCount); err != nil {
		return nil, fmt.Errorf("get device count from device collection: %w", err)
	}

	for deviceIdx := uint32(0); deviceIdx < deviceCount; deviceIdx++ {
		var endpoint *wca.IMMDevice
		if err := deviceCollection.Item(deviceIdx, &endpoint); err != nil {
			continue
		}

		var id string
		if err := endpoint.GetId(&id); err != nil || !strings.EqualFold(id, device.ID) {
			endpoint.Release()
			continue
		}

		var volume *wca.IAudioEndpointVolume
		err := endpoint.Activate(wca.IID_IAudioEndpointVolume, wca.CLSCTX_ALL, nil, &volume)
		endpoint.Release()

		if err != nil {
			return nil, fmt.Errorf("activate endpoint volume: %w", err)
		}

		return volume, nil
	}

	return nil, fmt.Errorf("find endpoint %s: %w", device.ID, ErrNoDevice)
}

func (m *wcaAudioManager) deviceFromEndpoint(endpoint *wca.IMMDevice, flow DeviceFlow) (*Device, error) {
	var id string
	if err := endpoint.GetId(&id); err != nil {
		m.logger.Warnw("Failed to get endpoint id", "error", err)
		return nil, fmt.Errorf("get endpoint id: %w", err)
	}

	var propertyStore *wca.IPropertyStore
	if err := endpoint.OpenPropertyStore(wca.STGM_READ, &propertyStore); err != nil {
		m.logger.Warnw("Failed to open endpoint property store", "id", id, "error", err)
		return nil, fmt.Errorf("open endpoint property store: %w", err)
	}
	defer propertyStore.Release()

	value := &wca.PROPVARIANT{}
	if err := propertyStore.GetValue(&wca.PKEY_Device_FriendlyName, value); err != nil {
		m.logger.Warnw("Failed to get endpoint friendly name", "id", id, "error", err)
		return nil, fmt.Errorf("get endpoint friendly name: %w", err)
	}

	device := &Device{ID: id, Name: value.String(), Flow: flow}

	return m.cache.Store(device), nil
}

// setDefaultDevice makes device the system default for every role
func (m *wcaAudioManager) setDefaultDevice(device *Device) error {
	if m.policy == nil {
		return ErrUnsupported
	}

	for _, role := range allRoles {
		if err := m.policy.SetDefaultEndpoint(device.ID, role); err != nil {
			m.logger.Warnw("Failed to set default endpoint", "device", device, "role", role, "error", err)
			return fmt.Errorf("set default endpoint: %w", err)
		}
	}

	return nil
}

func (m *wcaAudioManager) routedDevice(pid uint32, flow DeviceFlow) (*Device, error) {
	if m.appPolicy == nil {
		return nil, ErrUnsupported
	}

	policyID, err := m.appPolicy.GetPersistedDefaultAudioEndpoint(pid, flow, eRoleMultimedia)
	if err != nil {
		m.logger.Debugw("Failed to get persisted endpoint", "pid", pid, "flow", flow, "error", err)
		return nil, fmt.Errorf("get persisted endpoint: %w", err)
	}

	if policyID == "" {
		return DefaultDevice(flow), nil
	}

	if device, ok := m.cache.Lookup(policyID); ok {
		return device, nil
	}

	// the cache only knows what the last enumeration saw
	if _, err := m.Devices(flow); err == nil {
		if device, ok := m.cache.Lookup(policyID); ok {
			return device, nil
		}
	}

	m.logger.Debugw("Persisted endpoint not found among active devices", "pid", pid, "policyID", policyID)

	return nil, fmt.Errorf("resolve persisted endpoint %s: %w", policyID, ErrNoDevice)
}

func (m *wcaAudioManager) routeProcess(pid uint32, flow DeviceFlow, device *Device) error {
	if m.appPolicy == nil {
		return ErrUnsupported
	}

	for _, role := range allRoles {
		if err := m.appPolicy.SetPersistedDefaultAudioEndpoint(pid, flow, role, device.PolicyID()); err != nil {
			m.logger.Warnw("Failed to set persisted endpoint", "pid", pid, "device", device, "role", role, "error", err)
			return fmt.Errorf("set persisted endpoint: %w", err)
		}
	}

	return nil
}

// newNotificationClient builds an IMMNotificationClient whose vtable points at Go callbacks.
// The enumerator holds the only reference, so reference counting is a no-op
func (m *wcaAudioManager) newNotificationClient() *wca.IMMNotificationClient {
	client := &wca.IMMNotificationClient{}

	client.VTable = &wca.IMMNotificationClientVtbl{
		QueryInterface:         syscall.NewCallback(m.queryInterfaceCallback),
		AddRef:                 syscall.NewCallback(m.refCountCallback),
		Release:                syscall.NewCallback(m.refCountCallback),
		OnDeviceStateChanged:   syscall.NewCallback(m.deviceStateChangedCallback),
		OnDeviceAdded:          syscall.NewCallback(m.deviceAddedOrRemovedCallback),
		OnDeviceRemoved:        syscall.NewCallback(m.deviceAddedOrRemovedCallback),
		OnDefaultDeviceChanged: syscall.NewCallback(m.defaultDeviceChangedCallback),
		OnPropertyValueChanged: syscall.NewCallback(m.propertyValueChangedCallback),
	}

	return client
}

func (m *wcaAudioManager) queryInterfaceCallback(
	this *wca.IMMNotificationClient,
	riid *ole.GUID,
	ppvObject *unsafe.Pointer,
) (hResult uintptr) {
	if ppvObject == nil {
		return comENoInterface
	}

	if ole.IsEqualGUID(riid, ole.IID_IUnknown) || ole.IsEqualGUID(riid, wca.IID_IMMNotificationClient) {
		*ppvObject = unsafe.Pointer(this)
		return ole.S_OK
	}

	*ppvObject = nil

	return comENoInterface
}

func (m *wcaAudioManager) refCountCallback(this *wca.IMMNotificationClient) (refCount uintptr) {
	return 1
}

func (m *wcaAudioManager) deviceStateChangedCallback(
	this *wca.IMMNotificationClient,
	pwstrDeviceID uintptr,
	dwNewState uint32,
) (hResult uintptr) {
	m.logger.Debugw("Audio device state changed", "state", dwNewState)
	m.notifyDeviceChange()

	return ole.S_OK
}

func (m *wcaAudioManager) deviceAddedOrRemovedCallback(
	this *wca.IMMNotificationClient,
	pwstrDeviceID uintptr,
) (hResult uintptr) {
	return ole.S_OK
}

func (m *wcaAudioManager) defaultDeviceChangedCallback(
	this *wca.IMMNotificationClient,
	EDataFlow, eRole uint32,
	lpcwstr uintptr,
) (hResult uintptr) {
	m.logger.Debugw("Default audio device changed", "flow", EDataFlow, "role", eRole)
	m.notifyDeviceChange()

	return ole.S_OK
}

func (m *wcaAudioManager) propertyValueChangedCallback(
	this *wca.IMMNotificationClient,
	pwstrDeviceID uintptr,
	key uintptr,
) (hResult uintptr) {
	return ole.S_OK
}

// notifyDeviceChange filters out calls that happen in rapid succession
func (m *wcaAudioManager) notifyDeviceChange() {
	if m.deviceChanges.notify(time.Now()) {
		m.logger.Debug("Notifying consumers about audio device change")
	}
}
