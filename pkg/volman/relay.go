package volman

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	eventsource "github.com/stalexteam/eventsource_go"
	"go.uber.org/zap"
)

// RelayServer mirrors announcements, tones and session state to EventSource clients,
// e.g. a braille display bridge or a second screen reader on another machine
type RelayServer struct {
	logger *zap.SugaredLogger
	server *http.Server

	stopChannel chan bool
	running     int32

	manager *eventsource.ConnectionManager

	eventID int64

	stateLock sync.Mutex
	lastState *relayState

	portMutex   sync.Mutex
	currentPort int
}

const (
	relayRetryTimeout = 30000
	relayPingInterval = 10 * time.Second

	relayEventAnnounce = "announce"
	relayEventTone     = "tone"
	relayEventState    = "state"
	relayEventPing     = "ping"

	relayStateID = "session"
)

type relayAnnouncement struct {
	Text string `json:"text"`
}

type relayTone struct {
	Freq       float64 `json:"freq"`
	DurationMs int64   `json:"duration_ms"`
}

type relayState struct {
	ID     string `json:"id"`
	Name   string `json:"name"`
	Value  int    `json:"value"`
	Muted  bool   `json:"muted"`
	Active bool   `json:"active"`
}

type relayPing struct {
	Title string `json:"title"`
	Lang  string `json:"lang"`
}

// NewRelayServer creates a relay that stays idle until started with a port
func NewRelayServer(logger *zap.SugaredLogger) (*RelayServer, error) {
	logger = logger.Named("relay")

	manager := eventsource.NewConnectionManager()

	manager.SetOnConnect(func(encoder *eventsource.Encoder) {
		logger.Infow("New relay client connected",
			"remote", encoder.RemoteAddr(),
			"path", encoder.Path())
	})

	manager.SetOnDisconnect(func(encoder *eventsource.Encoder) {
		logger.Debugw("Relay client disconnected",
			"remote", encoder.RemoteAddr(),
			"path", encoder.Path())
	})

	srv := &RelayServer{
		logger:      logger,
		stopChannel: make(chan bool),
		manager:     manager,
		eventID:     1,
	}

	logger.Debug("Created relay server instance")

	return srv, nil
}

// Start serves the event stream on port. A non-positive port leaves the relay disabled
func (srv *RelayServer) Start(port int) error {
	if port <= 0 {
		srv.logger.Debug("Relay port not configured, server will not start")
		return nil
	}

	srv.portMutex.Lock()
	currentPort := srv.currentPort
	srv.portMutex.Unlock()

	if atomic.LoadInt32(&srv.running) == 1 {
		if currentPort == port {
			srv.logger.Debugw("Relay server already running on the same port", "port", port)
			return nil
		}

		srv.logger.Infow("Relay server port changed, restarting", "oldPort", currentPort, "newPort", port)
		srv.Stop()
	}

	handler := eventsource.HandlerV2(srv.serveClient)

	mux := http.NewServeMux()
	mux.HandleFunc("/", eventsource.HandlerWithManager(srv.manager, handler).ServeHTTP)

	addr := fmt.Sprintf(":%d", port)
	srv.server = &http.Server{
		Addr:    addr,
		Handler: mux,
	}

	stopChannel := make(chan bool)

	srv.portMutex.Lock()
	srv.currentPort = port
	srv.stopChannel = stopChannel
	srv.portMutex.Unlock()

	atomic.StoreInt32(&srv.running, 1)

	go func(server *http.Server) {
		srv.logger.Infow("Starting relay server", "addr", addr)

		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			srv.logger.Errorw("Relay server error", "error", err)
			srv.Stop()
		}
	}(srv.server)

	go srv.pingLoop(stopChannel)

	return nil
}

// Stop closes every client connection and shuts the server down
func (srv *RelayServer) Stop() {
	if !atomic.CompareAndSwapInt32(&srv.running, 1, 0) {
		return
	}

	srv.logger.Debug("Stopping relay server")

	srv.portMutex.Lock()
	close(srv.stopChannel)
	srv.portMutex.Unlock()

	srv.manager.CloseAll()

	if srv.server != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		if err := srv.server.Shutdown(ctx); err != nil {
			srv.logger.Warnw("Error during relay server shutdown", "error", err)
			srv.server.Close()
		}
	}

	srv.portMutex.Lock()
	srv.currentPort = 0
	srv.portMutex.Unlock()

	srv.logger.Info("Relay server stopped")
}

// CurrentPort returns the port the server is running on (0 if not running)
func (srv *RelayServer) CurrentPort() int {
	srv.portMutex.Lock()
	defer srv.portMutex.Unlock()

	return srv.currentPort
}

// Announce implements AnnouncementSink
func (srv *RelayServer) Announce(text string) {
	srv.broadcast(relayEventAnnounce, relayAnnouncement{Text: text})
}

// Tone implements AnnouncementSink
func (srv *RelayServer) Tone(freq float64, duration time.Duration) {
	srv.broadcast(relayEventTone, relayTone{Freq: freq, DurationMs: duration.Milliseconds()})
}

// SessionState implements AnnouncementSink
func (srv *RelayServer) SessionState(name string, volume int, muted bool) {
	state := &relayState{
		ID:     relayStateID,
		Name:   name,
		Value:  volume,
		Muted:  muted,
		Active: true,
	}

	srv.stateLock.Lock()
	srv.lastState = state
	srv.stateLock.Unlock()

	srv.broadcast(relayEventState, state)
}

// serveClient greets a new client with the retry hint, a ping and the last known session state,
// then holds the stream open until either side goes away
func (srv *RelayServer) serveClient(
	info *eventsource.ConnectionInfo,
	encoder *eventsource.Encoder,
	stop <-chan bool,
) {
	if err := encoder.SetRetry(relayRetryTimeout); err != nil {
		srv.logger.Debugw("Error sending retry field", "error", err)
		return
	}

	if err := encoder.Encode(srv.newEvent(relayEventPing, relayPingData())); err != nil {
		srv.logger.Debugw("Error sending ping event", "error", err)
		return
	}

	srv.stateLock.Lock()
	state := srv.lastState
	srv.stateLock.Unlock()

	if state != nil {
		if err := encoder.Encode(srv.newEvent(relayEventState, state)); err != nil {
			srv.logger.Debugw("Error sending state event", "error", err)
			return
		}
	}

	srv.portMutex.Lock()
	stopChannel := srv.stopChannel
	srv.portMutex.Unlock()

	select {
	case <-stop:
	case <-stopChannel:
	}
}

func (srv *RelayServer) newEvent(eventType string, payload interface{}) eventsource.Event {
	data, err := json.Marshal(payload)
	if err != nil {
		srv.logger.Warnw("Failed to marshal relay event", "type", eventType, "error", err)
		data = []byte("{}")
	}

	return eventsource.Event{
		ID:   fmt.Sprintf("%d", atomic.AddInt64(&srv.eventID, 1)),
		Type: eventType,
		Data: data,
	}
}

func (srv *RelayServer) broadcast(eventType string, payload interface{}) {
	if atomic.LoadInt32(&srv.running) == 0 {
		return
	}

	if err := srv.manager.Broadcast(srv.newEvent(eventType, payload)); err != nil {
		if eventsource.IsConnectionError(err) {
			srv.logger.Debugw("Some connections failed during broadcast", "type", eventType, "error", err)
		}
	}
}

func (srv *RelayServer) pingLoop(stopChannel chan bool) {
	ticker := time.NewTicker(relayPingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-stopChannel:
			return
		case <-ticker.C:
			srv.broadcast(relayEventPing, relayPingData())
		}
	}
}

func relayPingData() relayPing {
	return relayPing{Title: "volman", Lang: "en"}
}
