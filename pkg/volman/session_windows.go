package volman

import (
	"errors"
	"fmt"
	"sync"

	ole "github.com/go-ole/go-ole"
	ps "github.com/mitchellh/go-ps"
	wca "github.com/moutend/go-wca"
	"go.uber.org/zap"

	"github.com/stalexteam/volman/pkg/volman/util"
)

const (
	// AUDCLNT_E_DEVICE_INVALIDATED
	audclntErrDeviceInvalidated = 0x88890004

	sessionCreationLogMessage = "Created audio session instance"

	// format this with the session's name and whatever the current volume is
	sessionStringFormat = "<session: %s, vol: %d%%>"
)

var errNoSuchProcess = errors.New("no such process")

// processSession is a single application's audio session
type processSession struct {
	logger  *zap.SugaredLogger
	manager *wcaAudioManager

	pid  uint32
	name string

	control *wca.IAudioSessionControl2
	volume  *wca.ISimpleAudioVolume

	eventCtx *ole.GUID

	releaseOnce sync.Once
}

// endpointSession controls the master volume of a whole endpoint
type endpointSession struct {
	logger  *zap.SugaredLogger
	manager *wcaAudioManager

	flow   DeviceFlow
	device *Device

	volume   *wca.IAudioEndpointVolume
	eventCtx *ole.GUID

	lock        sync.Mutex
	releaseOnce sync.Once
}

func newProcessSession(
	logger *zap.SugaredLogger,
	manager *wcaAudioManager,
	control *wca.IAudioSessionControl2,
	volume *wca.ISimpleAudioVolume,
	pid uint32,
	eventCtx *ole.GUID,
) (*processSession, error) {

	// find our session's process name
	process, err := ps.FindProcess(int(pid))
	if err != nil {
		logger.Warnw("Failed to find process name by ID", "pid", pid, "error", err)
		return nil, fmt.Errorf("find process name by pid: %w", err)
	}

	// this PID may be invalid - this means the process has already been
	// closed and we shouldn't create a session for it.
	if process == nil {
		logger.Debugw("Process already exited, not creating audio session", "pid", pid)
		return nil, errNoSuchProcess
	}

	s := &processSession{
		manager:  manager,
		pid:      pid,
		name:     util.ProcessDisplayName(process.Executable()),
		control:  control,
		volume:   volume,
		eventCtx: eventCtx,
	}

	// use a self-identifying session name e.g. volman.sessions.chrome
	s.logger = logger.Named(s.name)
	s.logger.Debugw(sessionCreationLogMessage, "session", s)

	return s, nil
}

func newEndpointSession(
	logger *zap.SugaredLogger,
	manager *wcaAudioManager,
	flow DeviceFlow,
	device *Device,
	volume *wca.IAudioEndpointVolume,
	eventCtx *ole.GUID,
) *endpointSession {

	s := &endpointSession{
		logger:   logger.Named(flow.String()),
		manager:  manager,
		flow:     flow,
		device:   device,
		volume:   volume,
		eventCtx: eventCtx,
	}

	s.logger.Debugw(sessionCreationLogMessage, "session", s, "device", device)

	return s
}

func (s *processSession) Name() string {
	return s.name
}

func (s *processSession) ProcessID() uint32 {
	return s.pid
}

func (s *processSession) Volume() (int, error) {
	var level float32

	if err := s.volume.GetMasterVolume(&level); err != nil {
		s.logger.Warnw("Failed to get session volume", "error", err)
		return 0, fmt.Errorf("get session volume: %w", err)
	}

	return util.ScalarToPercent(level), nil
}

func (s *processSession) SetVolume(v int) error {
	if err := s.volume.SetMasterVolume(util.PercentToScalar(v), s.eventCtx); err != nil {
		if isDeviceInvalidated(err) {
			s.logger.Debugw("Audio session unavailable, device invalidated")
		} else {
			s.logger.Warnw("Failed to set session volume", "error", err)
		}

		return fmt.Errorf("adjust session volume: %w", err)
	}

	// mitigate expired sessions by checking the state whenever we change volumes
	var state uint32
	if err := s.control.GetState(&state); err != nil {
		s.logger.Warnw("Failed to get session state while setting volume", "error", err)
		return fmt.Errorf("get session state: %w", err)
	}

	if state == wca.AudioSessionStateExpired {
		s.logger.Debug("Audio session expired after volume change")
	}

	s.logger.Debugw("Adjusting session volume", "to", v)

	return nil
}

func (s *processSession) Muted() (bool, error) {
	var muted bool
	if err := s.volume.GetMute(&muted); err != nil {
		s.logger.Warnw("Failed to get session mute state", "error", err)
		return false, fmt.Errorf("get session mute: %w", err)
	}

	return muted, nil
}

func (s *processSession) SetMuted(v bool) error {
	if err := s.volume.SetMute(v, s.eventCtx); err != nil {
		s.logger.Warnw("Failed to set session mute state", "error", err)
		return fmt.Errorf("set session mute: %w", err)
	}

	s.logger.Debugw("Setting session mute state", "muted", v)

	return nil
}

func (s *processSession) RoutedDevice(flow DeviceFlow) (*Device, error) {
	return s.manager.routedDevice(s.pid, flow)
}

func (s *processSession) RouteTo(flow DeviceFlow, device *Device) error {
	if err := s.manager.routeProcess(s.pid, flow, device); err != nil {
		return err
	}

	s.logger.Infow("Routed session", "flow", flow, "device", device)

	return nil
}

func (s *processSession) Release() {
	s.releaseOnce.Do(func() {
		s.logger.Debug("Releasing audio session")

		s.volume.Release()
		s.control.Release()
	})
}

func (s *processSession) String() string {
	volume, _ := s.Volume()
	return fmt.Sprintf(sessionStringFormat, fmt.Sprintf("%s (pid %d)", s.name, s.pid), volume)
}

func (s *endpointSession) Name() string {
	return deviceSessionName(s.flow)
}

func (s *endpointSession) Flow() DeviceFlow {
	return s.flow
}

func (s *endpointSession) Device() *Device {
	s.lock.Lock()
	defer s.lock.Unlock()

	return s.device
}

func (s *endpointSession) Volume() (int, error) {
	s.lock.Lock()
	defer s.lock.Unlock()

	var level float32

	if err := s.volume.GetMasterVolumeLevelScalar(&level); err != nil {
		s.logger.Warnw("Failed to get endpoint volume", "error", err)
		return 0, fmt.Errorf("get endpoint volume: %w", err)
	}

	return util.ScalarToPercent(level), nil
}

func (s *endpointSession) SetVolume(v int) error {
	s.lock.Lock()
	defer s.lock.Unlock()

	if err := s.volume.SetMasterVolumeLevelScalar(util.PercentToScalar(v), s.eventCtx); err != nil {
		s.logger.Warnw("Failed to set endpoint volume", "error", err, "volume", v)
		return fmt.Errorf("adjust endpoint volume: %w", err)
	}

	s.logger.Debugw("Adjusting endpoint volume", "to", v)

	return nil
}

func (s *endpointSession) Muted() (bool, error) {
	s.lock.Lock()
	defer s.lock.Unlock()

	var muted bool
	if err := s.volume.GetMute(&muted); err != nil {
		s.logger.Warnw("Failed to get endpoint mute state", "error", err)
		return false, fmt.Errorf("get endpoint mute: %w", err)
	}

	return muted, nil
}

func (s *endpointSession) SetMuted(v bool) error {
	s.lock.Lock()
	defer s.lock.Unlock()

	if err := s.volume.SetMute(v, s.eventCtx); err != nil {
		s.logger.Warnw("Failed to set endpoint mute state", "error", err)
		return fmt.Errorf("set endpoint mute: %w", err)
	}

	s.logger.Debugw("Setting endpoint mute state", "muted", v)

	return nil
}

// SetDevice makes device the default endpoint and moves this session's volume control over to it
func (s *endpointSession) SetDevice(device *Device) error {
	if device.IsDefault() || device.Flow != s.flow {
		return ErrUnsupported
	}

	if err := s.manager.setDefaultDevice(device); err != nil {
		return err
	}

	volume, err := s.manager.endpointVolume(device)
	if err != nil {
		return fmt.Errorf("activate new default endpoint: %w", err)
	}

	s.lock.Lock()
	old := s.volume
	s.volume = volume
	s.device = device
	s.lock.Unlock()

	old.Release()

	s.logger.Infow("Default device set", "device", device)

	return nil
}

func (s *endpointSession) Release() {
	s.releaseOnce.Do(func() {
		s.logger.Debug("Releasing audio session")

		s.lock.Lock()
		defer s.lock.Unlock()

		s.volume.Release()
	})
}

func (s *endpointSession) String() string {
	volume, _ := s.Volume()
	return fmt.Sprintf(sessionStringFormat, deviceSessionName(s.flow), volume)
}

func isDeviceInvalidated(err error) bool {
	var oleError *ole.OleError
	if errors.As(err, &oleError) {
		return oleError.Code() == audclntErrDeviceInvalidated
	}

	return false
}
