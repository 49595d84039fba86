package volman

import (
	"sync"
	"time"

	"go.uber.org/zap"
)

func testLogger() *zap.SugaredLogger {
	return zap.NewNop().Sugar()
}

type fakeSession struct {
	name     string
	volume   int
	muted    bool
	writes   int
	released int

	volumeErr error
}

func (s *fakeSession) Name() string { return s.name }

func (s *fakeSession) Volume() (int, error) {
	if s.volumeErr != nil {
		return 0, s.volumeErr
	}

	return s.volume, nil
}

func (s *fakeSession) SetVolume(v int) error {
	s.writes++
	s.volume = v
	return nil
}

func (s *fakeSession) Muted() (bool, error) { return s.muted, nil }

func (s *fakeSession) SetMuted(v bool) error {
	s.muted = v
	return nil
}

func (s *fakeSession) Release() { s.released++ }

type fakeDeviceSession struct {
	fakeSession

	flow       DeviceFlow
	device     *Device
	setDevices int
}

func newFakeDeviceSession(flow DeviceFlow, device *Device, volume int) *fakeDeviceSession {
	return &fakeDeviceSession{
		fakeSession: fakeSession{name: deviceSessionName(flow), volume: volume},
		flow:        flow,
		device:      device,
	}
}

func (s *fakeDeviceSession) Flow() DeviceFlow { return s.flow }
func (s *fakeDeviceSession) Device() *Device  { return s.device }

func (s *fakeDeviceSession) SetDevice(device *Device) error {
	s.setDevices++
	s.device = device
	return nil
}

type fakeRoutableSession struct {
	fakeSession

	pid      uint32
	routed   map[DeviceFlow]*Device
	routes   int
	routeErr error
}

func newFakeRoutableSession(name string, volume int) *fakeRoutableSession {
	return &fakeRoutableSession{
		fakeSession: fakeSession{name: name, volume: volume},
		pid:         1234,
		routed:      map[DeviceFlow]*Device{},
	}
}

func (s *fakeRoutableSession) ProcessID() uint32 { return s.pid }

func (s *fakeRoutableSession) RoutedDevice(flow DeviceFlow) (*Device, error) {
	if s.routeErr != nil {
		return nil, s.routeErr
	}

	if device, ok := s.routed[flow]; ok {
		return device, nil
	}

	return DefaultDevice(flow), nil
}

func (s *fakeRoutableSession) RouteTo(flow DeviceFlow, device *Device) error {
	if s.routeErr != nil {
		return s.routeErr
	}

	s.routes++
	s.routed[flow] = device
	return nil
}

type fakeAudioManager struct {
	lock sync.Mutex

	devices  map[DeviceFlow][]*Device
	output   *fakeDeviceSession
	input    *fakeDeviceSession
	sessions []Session

	stepVolume         int
	resets             int
	resetErr           error
	deviceSessionCalls int
	routingUnsupported bool

	changes chan bool
}

func newFakeAudioManager() *fakeAudioManager {
	speakers := &Device{ID: "{0.0.0.00000000}.{speakers}", Name: "Speakers", Flow: FlowOutput}
	hdmi := &Device{ID: "{0.0.0.00000000}.{hdmi}", Name: "HDMI", Flow: FlowOutput}
	mic := &Device{ID: "{0.0.1.00000000}.{mic}", Name: "Microphone", Flow: FlowInput}

	return &fakeAudioManager{
		devices: map[DeviceFlow][]*Device{
			FlowOutput: {speakers, hdmi},
			FlowInput:  {mic},
		},
		output:     newFakeDeviceSession(FlowOutput, speakers, 50),
		input:      newFakeDeviceSession(FlowInput, mic, 80),
		stepVolume: 50,
		changes:    make(chan bool, 1),
	}
}

func (a *fakeAudioManager) DefaultDevice(flow DeviceFlow) (*Device, error) {
	a.lock.Lock()
	defer a.lock.Unlock()

	if flow == FlowInput {
		return a.input.device, nil
	}

	return a.output.device, nil
}

func (a *fakeAudioManager) Devices(flow DeviceFlow) ([]*Device, error) {
	a.lock.Lock()
	defer a.lock.Unlock()

	return append([]*Device{}, a.devices[flow]...), nil
}

func (a *fakeAudioManager) DeviceSession(flow DeviceFlow) (DeviceSession, error) {
	a.lock.Lock()
	defer a.lock.Unlock()

	a.deviceSessionCalls++

	if flow == FlowInput {
		return a.input, nil
	}

	return a.output, nil
}

func (a *fakeAudioManager) Sessions() ([]Session, error) {
	a.lock.Lock()
	defer a.lock.Unlock()

	return append([]Session{}, a.sessions...), nil
}

func (a *fakeAudioManager) StepVolume(up bool) (int, error) {
	a.lock.Lock()
	defer a.lock.Unlock()

	if up {
		a.stepVolume = clampVolume(a.stepVolume + 2)
	} else {
		a.stepVolume = clampVolume(a.stepVolume - 2)
	}

	return a.stepVolume, nil
}

func (a *fakeAudioManager) ResetConfiguration() error {
	a.lock.Lock()
	defer a.lock.Unlock()

	if a.resetErr != nil {
		return a.resetErr
	}

	a.resets++
	return nil
}

func (a *fakeAudioManager) RoutingSupported() bool {
	a.lock.Lock()
	defer a.lock.Unlock()

	return !a.routingUnsupported
}

func (a *fakeAudioManager) SubscribeToDeviceChanges() chan bool { return a.changes }

func (a *fakeAudioManager) Release() error { return nil }

// switchDefaultOutput moves the OS default output to device behind the controller's back
func (a *fakeAudioManager) switchDefaultOutput(device *Device, volume int) *fakeDeviceSession {
	a.lock.Lock()
	defer a.lock.Unlock()

	a.output = newFakeDeviceSession(FlowOutput, device, volume)

	return a.output
}

func (a *fakeAudioManager) calls() int {
	a.lock.Lock()
	defer a.lock.Unlock()

	return a.deviceSessionCalls
}

type fakeSpeaker struct {
	lock     sync.Mutex
	messages []string
	cancels  int
}

func (s *fakeSpeaker) Speak(text string) error {
	s.lock.Lock()
	defer s.lock.Unlock()

	s.messages = append(s.messages, text)
	return nil
}

func (s *fakeSpeaker) Cancel() error {
	s.lock.Lock()
	defer s.lock.Unlock()

	s.cancels++
	return nil
}

func (s *fakeSpeaker) last() string {
	s.lock.Lock()
	defer s.lock.Unlock()

	if len(s.messages) == 0 {
		return ""
	}

	return s.messages[len(s.messages)-1]
}

func (s *fakeSpeaker) count() int {
	s.lock.Lock()
	defer s.lock.Unlock()

	return len(s.messages)
}

type fakeToner struct {
	tones []tone
}

func (t *fakeToner) Beep(freq float64, duration time.Duration) error {
	t.tones = append(t.tones, tone{freq, duration})
	return nil
}

func (t *fakeToner) last() (tone, bool) {
	if len(t.tones) == 0 {
		return tone{}, false
	}

	return t.tones[len(t.tones)-1], true
}

type fakeBinder struct {
	lock  sync.Mutex
	bound []string
}

func (b *fakeBinder) Bind(gestureIDs []string) {
	b.lock.Lock()
	defer b.lock.Unlock()

	b.bound = gestureIDs
}

func (b *fakeBinder) current() []string {
	b.lock.Lock()
	defer b.lock.Unlock()

	return b.bound
}

type fakePrompt struct {
	value int
	ok    bool
	err   error

	asked   chan int
	release chan struct{}
}

func (p *fakePrompt) PromptVolume(current int) (int, bool, error) {
	if p.asked != nil {
		p.asked <- current
	}

	if p.release != nil {
		<-p.release
	}

	return p.value, p.ok, p.err
}

type fakeClock struct {
	now time.Time
}

func (c *fakeClock) Now() time.Time { return c.now }

func (c *fakeClock) advance(d time.Duration) { c.now = c.now.Add(d) }

type fakeNotifier struct {
	lock          sync.Mutex
	notifications []string
}

func (n *fakeNotifier) Notify(title string, message string) {
	n.lock.Lock()
	defer n.lock.Unlock()

	n.notifications = append(n.notifications, title)
}
