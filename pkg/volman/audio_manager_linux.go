package volman

import (
	"fmt"
	"net"
	"strconv"
	"time"

	"github.com/jfreymuth/pulse/proto"
	"go.uber.org/zap"
)

const (
	// normal PulseAudio volume (100%)
	maxVolumeScalar = 0x10000

	// pulse has no stepped-volume primitive, so we emulate one
	volumeStepPercent = 2

	// a default sink switch arrives as a server change plus sink/source changes
	minDeviceChangeThreshold = 100 * time.Millisecond

	// pa_subscription_mask: sink, source and server facilities
	subscriptionMaskDevices = 0x0001 | 0x0002 | 0x0080

	subscriptionFacilityMask   = 0x000F
	subscriptionFacilitySink   = 0x0000
	subscriptionFacilitySource = 0x0001
	subscriptionFacilityServer = 0x0007

	subscriptionTypeMask   = 0x0030
	subscriptionTypeRemove = 0x0020
)

type paAudioManager struct {
	logger        *zap.SugaredLogger
	sessionLogger *zap.SugaredLogger

	client *proto.Client
	conn   net.Conn

	cache         *DeviceCache
	deviceChanges *deviceChangeNotifier
}

func newAudioManager(logger *zap.SugaredLogger) (AudioManager, error) {
	client, conn, err := proto.Connect("")
	if err != nil {
		logger.Warnw("Failed to establish PulseAudio connection", "error", err)
		return nil, fmt.Errorf("establish PulseAudio connection: %w", err)
	}

	request := proto.SetClientName{
		Props: proto.PropList{
			"application.name": proto.PropListString("volman"),
		},
	}
	reply := proto.SetClientNameReply{}

	if err := client.Request(&request, &reply); err != nil {
		conn.Close()
		return nil, fmt.Errorf("set PulseAudio client name: %w", err)
	}

	m := &paAudioManager{
		logger:        logger.Named("audio"),
		sessionLogger: logger.Named("sessions"),
		client:        client,
		conn:          conn,
		cache:         newDeviceCache(),
		deviceChanges: newDeviceChangeNotifier(minDeviceChangeThreshold),
	}

	client.Callback = m.handleEvent

	if err := client.Request(&proto.Subscribe{Mask: subscriptionMaskDevices}, nil); err != nil {
		m.logger.Warnw("Failed to subscribe to PulseAudio device events", "error", err)
	}

	m.logger.Debug("Created PA audio manager instance")

	return m, nil
}

func (m *paAudioManager) DefaultDevice(flow DeviceFlow) (*Device, error) {
	device, _, _, err := m.defaultEndpoint(flow, "")
	return device, err
}

func (m *paAudioManager) Devices(flow DeviceFlow) ([]*Device, error) {
	devices := []*Device{}

	if flow == FlowInput {
		request := proto.GetSourceInfoList{}
		reply := proto.GetSourceInfoListReply{}

		if err := m.client.Request(&request, &reply); err != nil {
			m.logger.Warnw("Failed to get source list", "error", err)
			return nil, fmt.Errorf("get source list: %w", err)
		}

		for _, source := range reply {
			if source == nil {
				continue
			}

			// monitor sources are virtual
			if source.MonitorSourceIndex != proto.Undefined {
				continue
			}

			devices = append(devices, m.cache.Store(&Device{
				ID:   source.SourceName,
				Name: endpointDescription(source.Properties, source.SourceName),
				Flow: FlowInput,
			}))
		}

		return devices, nil
	}

	request := proto.GetSinkInfoList{}
	reply := proto.GetSinkInfoListReply{}

	if err := m.client.Request(&request, &reply); err != nil {
		m.logger.Warnw("Failed to get sink list", "error", err)
		return nil, fmt.Errorf("get sink list: %w", err)
	}

	for _, sink := range reply {
		if sink == nil {
			continue
		}

		devices = append(devices, m.cache.Store(&Device{
			ID:   sink.SinkName,
			Name: endpointDescription(sink.Properties, sink.SinkName),
			Flow: FlowOutput,
		}))
	}

	return devices, nil
}

func (m *paAudioManager) DeviceSession(flow DeviceFlow) (DeviceSession, error) {
	device, index, channels, err := m.defaultEndpoint(flow, "")
	if err != nil {
		return nil, err
	}

	return newPAEndpointSession(m.sessionLogger, m, flow, device, index, channels), nil
}

func (m *paAudioManager) Sessions() ([]Session, error) {
	request := proto.GetSinkInputInfoList{}
	reply := proto.GetSinkInputInfoListReply{}

	if err := m.client.Request(&request, &reply); err != nil {
		m.logger.Warnw("Failed to get sink input list", "error", err)
		return nil, fmt.Errorf("get sink input list: %w", err)
	}

	sessions := []Session{}

	for _, info := range reply {
		name, ok := info.Properties["application.process.binary"]

		if !ok {
			m.logger.Warnw("Failed to get sink input's process name",
				"sinkInputIndex", info.SinkInputIndex)

			continue
		}

		var pid uint32
		if pidProp, ok := info.Properties["application.process.id"]; ok {
			if parsed, err := strconv.ParseUint(pidProp.String(), 10, 32); err == nil {
				pid = uint32(parsed)
			}
		}

		sessions = append(sessions, newPASession(m.sessionLogger, m, info.SinkInputIndex, info.Channels, name.String(), pid))
	}

	return sessions, nil
}

func (m *paAudioManager) StepVolume(up bool) (int, error) {
	session, err := m.DeviceSession(FlowOutput)
	if err != nil {
		return 0, err
	}
	defer session.Release()

	current, err := session.Volume()
	if err != nil {
		return 0, err
	}

	target := current - volumeStepPercent
	if up {
		target = current + volumeStepPercent
	}

	target = clampVolume(target)
	if err := session.SetVolume(target); err != nil {
		return 0, err
	}

	return target, nil
}

func (m *paAudioManager) ResetConfiguration() error {
	return ErrUnsupported
}

func (m *paAudioManager) RoutingSupported() bool {
	return false
}

func (m *paAudioManager) SubscribeToDeviceChanges() chan bool {
	return m.deviceChanges.subscribe()
}

func (m *paAudioManager) Release() error {
	m.deviceChanges.close()

	if err := m.conn.Close(); err != nil {
		m.logger.Warnw("Failed to close PulseAudio connection", "error", err)
		return fmt.Errorf("close PulseAudio connection: %w", err)
	}

	m.logger.Debug("Released PA audio manager instance")

	return nil
}

func (m *paAudioManager) handleEvent(msg interface{}) {
	event, ok := msg.(*proto.SubscribeEvent)
	if !ok || !isDeviceChangeEvent(event.Event) {
		return
	}

	if m.deviceChanges.notify(time.Now()) {
		m.logger.Debugw("Audio device changed", "event", event.Event, "index", event.Index)
	}
}

// isDeviceChangeEvent reports whether a subscription event may have moved a default endpoint:
// any server change (the defaults live there) or a sink/source going away
func isDeviceChangeEvent(event uint32) bool {
	switch event & subscriptionFacilityMask {
	case subscriptionFacilityServer:
		return true
	case subscriptionFacilitySink, subscriptionFacilitySource:
		return event&subscriptionTypeMask == subscriptionTypeRemove
	}

	return false
}

// defaultEndpoint looks up a sink/source by name, or the default one when name is empty
func (m *paAudioManager) defaultEndpoint(flow DeviceFlow, name string) (*Device, uint32, byte, error) {
	if flow == FlowInput {
		request := proto.GetSourceInfo{
			SourceIndex: proto.Undefined,
			SourceName:  name,
		}
		reply := proto.GetSourceInfoReply{}

		if err := m.client.Request(&request, &reply); err != nil {
			m.logger.Warnw("Failed to get source info", "name", name, "error", err)
			return nil, 0, 0, fmt.Errorf("get source info: %w", err)
		}

		device := m.cache.Store(&Device{
			ID:   reply.SourceName,
			Name: endpointDescription(reply.Properties, reply.SourceName),
			Flow: FlowInput,
		})

		return device, reply.SourceIndex, reply.Channels, nil
	}

	request := proto.GetSinkInfo{
		SinkIndex: proto.Undefined,
		SinkName:  name,
	}
	reply := proto.GetSinkInfoReply{}

	if err := m.client.Request(&request, &reply); err != nil {
		m.logger.Warnw("Failed to get sink info", "name", name, "error", err)
		return nil, 0, 0, fmt.Errorf("get sink info: %w", err)
	}

	device := m.cache.Store(&Device{
		ID:   reply.SinkName,
		Name: endpointDescription(reply.Properties, reply.SinkName),
		Flow: FlowOutput,
	})

	return device, reply.SinkIndex, reply.Channels, nil
}

func (m *paAudioManager) endpointInfo(flow DeviceFlow, index uint32) ([]uint32, bool, error) {
	if flow == FlowInput {
		request := proto.GetSourceInfo{SourceIndex: index}
		reply := proto.GetSourceInfoReply{}

		if err := m.client.Request(&request, &reply); err != nil {
			return nil, false, fmt.Errorf("get source info: %w", err)
		}

		return reply.ChannelVolumes, reply.Mute, nil
	}

	request := proto.GetSinkInfo{SinkIndex: index}
	reply := proto.GetSinkInfoReply{}

	if err := m.client.Request(&request, &reply); err != nil {
		return nil, false, fmt.Errorf("get sink info: %w", err)
	}

	return reply.ChannelVolumes, reply.Mute, nil
}

// setDefaultDevice makes device the default sink/source, returning its index and channel count
func (m *paAudioManager) setDefaultDevice(device *Device) (uint32, byte, error) {
	var request proto.RequestArgs

	if device.Flow == FlowInput {
		request = &proto.SetDefaultSource{SourceName: device.ID}
	} else {
		request = &proto.SetDefaultSink{SinkName: device.ID}
	}

	if err := m.client.Request(request, nil); err != nil {
		m.logger.Warnw("Failed to set default device", "device", device, "error", err)
		return 0, 0, fmt.Errorf("set default device: %w", err)
	}

	_, index, channels, err := m.defaultEndpoint(device.Flow, device.ID)
	if err != nil {
		return 0, 0, err
	}

	return index, channels, nil
}

func endpointDescription(properties proto.PropList, fallback string) string {
	if properties != nil {
		if description, ok := properties["device.description"]; ok && description.String() != "" {
			return description.String()
		}
	}

	return fallback
}
