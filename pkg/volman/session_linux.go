package volman

import (
	"fmt"
	"sync"

	"github.com/jfreymuth/pulse/proto"
	"go.uber.org/zap"

	"github.com/stalexteam/volman/pkg/volman/util"
)

const (
	sessionCreationLogMessage = "Created audio session instance"

	// format this with the session's name and whatever the current volume is
	sessionStringFormat = "<session: %s, vol: %d%%>"
)

// paSession is a single application's sink input
type paSession struct {
	logger  *zap.SugaredLogger
	manager *paAudioManager

	name         string
	pid          uint32
	sinkInputIdx uint32
	channels     byte
}

// paEndpointSession controls the default sink or source
type paEndpointSession struct {
	logger  *zap.SugaredLogger
	manager *paAudioManager

	flow DeviceFlow

	lock     sync.Mutex
	device   *Device
	index    uint32
	channels byte
}

func newPASession(
	logger *zap.SugaredLogger,
	manager *paAudioManager,
	sinkInputIdx uint32,
	sinkInputChannels byte,
	processName string,
	pid uint32,
) *paSession {

	s := &paSession{
		manager:      manager,
		name:         util.ProcessDisplayName(processName),
		pid:          pid,
		sinkInputIdx: sinkInputIdx,
		channels:     sinkInputChannels,
	}

	// use a self-identifying session name e.g. volman.sessions.chrome
	s.logger = logger.Named(s.name)
	s.logger.Debugw(sessionCreationLogMessage, "session", s)

	return s
}

func newPAEndpointSession(
	logger *zap.SugaredLogger,
	manager *paAudioManager,
	flow DeviceFlow,
	device *Device,
	index uint32,
	channels byte,
) *paEndpointSession {

	s := &paEndpointSession{
		logger:   logger.Named(flow.String()),
		manager:  manager,
		flow:     flow,
		device:   device,
		index:    index,
		channels: channels,
	}

	s.logger.Debugw(sessionCreationLogMessage, "session", s)

	return s
}

func (s *paSession) Name() string {
	return s.name
}

func (s *paSession) ProcessID() uint32 {
	return s.pid
}

func (s *paSession) Volume() (int, error) {
	request := proto.GetSinkInputInfo{
		SinkInputIndex: s.sinkInputIdx,
	}
	reply := proto.GetSinkInputInfoReply{}

	if err := s.manager.client.Request(&request, &reply); err != nil {
		s.logger.Warnw("Failed to get session volume", "error", err)
		return 0, fmt.Errorf("get session volume: %w", err)
	}

	return util.ScalarToPercent(parseChannelVolumes(reply.ChannelVolumes)), nil
}

func (s *paSession) SetVolume(v int) error {
	request := proto.SetSinkInputVolume{
		SinkInputIndex: s.sinkInputIdx,
		ChannelVolumes: createChannelVolumes(s.channels, util.PercentToScalar(v)),
	}

	if err := s.manager.client.Request(&request, nil); err != nil {
		s.logger.Warnw("Failed to set session volume", "error", err)
		return fmt.Errorf("adjust session volume: %w", err)
	}

	s.logger.Debugw("Adjusting session volume", "to", v)

	return nil
}

func (s *paSession) Muted() (bool, error) {
	request := proto.GetSinkInputInfo{
		SinkInputIndex: s.sinkInputIdx,
	}
	reply := proto.GetSinkInputInfoReply{}

	if err := s.manager.client.Request(&request, &reply); err != nil {
		s.logger.Warnw("Failed to get session mute state", "error", err)
		return false, fmt.Errorf("get session mute: %w", err)
	}

	return reply.Muted, nil
}

func (s *paSession) SetMuted(v bool) error {
	request := proto.SetSinkInputMute{
		SinkInputIndex: s.sinkInputIdx,
		Mute:           v,
	}

	if err := s.manager.client.Request(&request, nil); err != nil {
		s.logger.Warnw("Failed to set session mute state", "error", err)
		return fmt.Errorf("set session mute: %w", err)
	}

	s.logger.Debugw("Setting session mute state", "muted", v)

	return nil
}

// pulse has no per-application persisted endpoints
func (s *paSession) RoutedDevice(flow DeviceFlow) (*Device, error) {
	return nil, ErrUnsupported
}

func (s *paSession) RouteTo(flow DeviceFlow, device *Device) error {
	return ErrUnsupported
}

func (s *paSession) Release() {
	s.logger.Debug("Releasing audio session")
}

func (s *paSession) String() string {
	volume, _ := s.Volume()
	return fmt.Sprintf(sessionStringFormat, s.name, volume)
}

func (s *paEndpointSession) Name() string {
	return deviceSessionName(s.flow)
}

func (s *paEndpointSession) Flow() DeviceFlow {
	return s.flow
}

func (s *paEndpointSession) Device() *Device {
	s.lock.Lock()
	defer s.lock.Unlock()

	return s.device
}

func (s *paEndpointSession) Volume() (int, error) {
	s.lock.Lock()
	defer s.lock.Unlock()

	volumes, _, err := s.manager.endpointInfo(s.flow, s.index)
	if err != nil {
		s.logger.Warnw("Failed to get endpoint volume", "error", err)
		return 0, fmt.Errorf("get endpoint volume: %w", err)
	}

	return util.ScalarToPercent(parseChannelVolumes(volumes)), nil
}

func (s *paEndpointSession) SetVolume(v int) error {
	s.lock.Lock()
	defer s.lock.Unlock()

	var request proto.RequestArgs
	volumes := createChannelVolumes(s.channels, util.PercentToScalar(v))

	if s.flow == FlowInput {
		request = &proto.SetSourceVolume{SourceIndex: s.index, ChannelVolumes: volumes}
	} else {
		request = &proto.SetSinkVolume{SinkIndex: s.index, ChannelVolumes: volumes}
	}

	if err := s.manager.client.Request(request, nil); err != nil {
		s.logger.Warnw("Failed to set endpoint volume", "error", err, "volume", v)
		return fmt.Errorf("adjust endpoint volume: %w", err)
	}

	s.logger.Debugw("Adjusting endpoint volume", "to", v)

	return nil
}

func (s *paEndpointSession) Muted() (bool, error) {
	s.lock.Lock()
	defer s.lock.Unlock()

	_, muted, err := s.manager.endpointInfo(s.flow, s.index)
	if err != nil {
		s.logger.Warnw("Failed to get endpoint mute state", "error", err)
		return false, fmt.Errorf("get endpoint mute: %w", err)
	}

	return muted, nil
}

func (s *paEndpointSession) SetMuted(v bool) error {
	s.lock.Lock()
	defer s.lock.Unlock()

	var request proto.RequestArgs

	if s.flow == FlowInput {
		request = &proto.SetSourceMute{SourceIndex: s.index, Mute: v}
	} else {
		request = &proto.SetSinkMute{SinkIndex: s.index, Mute: v}
	}

	if err := s.manager.client.Request(request, nil); err != nil {
		s.logger.Warnw("Failed to set endpoint mute state", "error", err)
		return fmt.Errorf("set endpoint mute: %w", err)
	}

	s.logger.Debugw("Setting endpoint mute state", "muted", v)

	return nil
}

// SetDevice makes device the default sink/source and moves this session over to it
func (s *paEndpointSession) SetDevice(device *Device) error {
	if device.IsDefault() || device.Flow != s.flow {
		return ErrUnsupported
	}

	index, channels, err := s.manager.setDefaultDevice(device)
	if err != nil {
		return err
	}

	s.lock.Lock()
	s.device = device
	s.index = index
	s.channels = channels
	s.lock.Unlock()

	s.logger.Infow("Default device set", "device", device)

	return nil
}

func (s *paEndpointSession) Release() {
	s.logger.Debug("Releasing audio session")
}

func (s *paEndpointSession) String() string {
	volume, _ := s.Volume()
	return fmt.Sprintf(sessionStringFormat, deviceSessionName(s.flow), volume)
}

func createChannelVolumes(channels byte, volume float32) []uint32 {
	volumes := make([]uint32, channels)

	for i := range volumes {
		volumes[i] = uint32(volume * maxVolumeScalar)
	}

	return volumes
}

func parseChannelVolumes(volumes []uint32) float32 {
	if len(volumes) == 0 {
		return 0
	}

	var level uint32

	for _, volume := range volumes {
		level += volume
	}

	return float32(level) / float32(len(volumes)) / float32(maxVolumeScalar)
}
