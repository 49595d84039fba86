package volman

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/jacobsa/go-serial/serial"
	"go.uber.org/zap"
)

// SerialIO reads gestures from a serial keypad. Each line is either a bare gesture id
// ("kb:leftArrow") or a JSON state event {"id":"gesture","value":"kb:leftArrow"}
type SerialIO struct {
	config   *CanonicalConfig
	logger   *zap.SugaredLogger
	verbose  bool
	dispatch func(gestureID string)

	stopChannel chan bool
	stopOnce    *sync.Once

	mu          sync.Mutex // protects everything below
	running     bool
	connected   bool
	connOptions serial.OpenOptions
	conn        io.ReadWriteCloser
}

const (
	// delay between serial reconnection attempts
	serialRetryDelay = 2 * time.Second

	// milliseconds between characters before a read returns
	serialInterCharacterTimeout = 50

	// the state event id carrying a gesture
	serialGestureEventID = "gesture"
)

var ansiRegexp = regexp.MustCompile(`\x1b\[[0-9;]*m`)
var jsonLogRegexp = regexp.MustCompile(`\[[A-Z]\]\[json:\d+\]:\s*(\{.*\})`)

// serialStateEvent is the JSON line format shared with ESPHome-style firmware
type serialStateEvent struct {
	ID    string `json:"id"`
	Value string `json:"value"`
}

func stripANSI(s string) string {
	return ansiRegexp.ReplaceAllString(s, "")
}

// NewSerialIO creates a SerialIO instance that uses the provided config's connection info
func NewSerialIO(config *CanonicalConfig, logger *zap.SugaredLogger, verbose bool) (*SerialIO, error) {
	logger = logger.Named("serial")

	sio := &SerialIO{
		config:  config,
		logger:  logger,
		verbose: verbose,
	}

	logger.Debug("Created serial i/o instance")

	return sio, nil
}

// Configured reports whether config.yaml names a serial port to read gestures from
func (sio *SerialIO) Configured() bool {
	return sio.config.ConnectionInfo.SerialPort != "" && sio.config.ConnectionInfo.SerialBaudRate > 0
}

// ConnectionChanged reports whether the running connection uses different parameters than the config
func (sio *SerialIO) ConnectionChanged() bool {
	sio.mu.Lock()
	defer sio.mu.Unlock()

	if !sio.running {
		return sio.Configured()
	}

	return sio.config.ConnectionInfo.SerialPort != sio.connOptions.PortName ||
		uint(sio.config.ConnectionInfo.SerialBaudRate) != sio.connOptions.BaudRate
}

// Start connects to the keypad and delivers its gestures to dispatch until stopped.
// It does nothing when no port is configured
func (sio *SerialIO) Start(dispatch func(gestureID string)) error {
	if !sio.Configured() {
		sio.logger.Debug("Serial port not configured, not starting")
		return nil
	}

	sio.mu.Lock()
	if sio.running {
		sio.mu.Unlock()
		return errors.New("serial: already running")
	}

	sio.dispatch = dispatch
	sio.stopChannel = make(chan bool)
	sio.stopOnce = &sync.Once{}
	stopChannel := sio.stopChannel
	sio.mu.Unlock()

	if err := sio.connect(); err != nil {
		return fmt.Errorf("serial initial connect: %w", err)
	}

	sio.mu.Lock()
	sio.running = true
	sio.mu.Unlock()

	go sio.loop(stopChannel)

	return nil
}

// Stop shuts down the serial connection, if one is active
func (sio *SerialIO) Stop() {
	sio.mu.Lock()
	running := sio.running
	stopChannel := sio.stopChannel
	stopOnce := sio.stopOnce
	conn := sio.conn
	sio.mu.Unlock()

	if !running {
		sio.logger.Debug("Not currently running, nothing to stop")
		return
	}

	sio.logger.Debug("Shutting down serial connection")

	stopOnce.Do(func() {
		close(stopChannel)
	})

	// unblocks a pending read
	if conn != nil {
		conn.Close()
	}
}

// WaitForStop waits for the connection to be fully stopped
func (sio *SerialIO) WaitForStop(timeout time.Duration) bool {
	deadline := time.Now().Add(timeout)

	for {
		sio.mu.Lock()
		running := sio.running
		sio.mu.Unlock()

		if !running {
			return true
		}

		if !time.Now().Before(deadline) {
			return false
		}

		time.Sleep(10 * time.Millisecond)
	}
}

func (sio *SerialIO) loop(stopChannel chan bool) {
	defer func() {
		sio.mu.Lock()
		sio.running = false
		sio.mu.Unlock()
	}()

	for {
		sio.mu.Lock()
		connected := sio.connected
		sio.mu.Unlock()

		if connected {
			if err := sio.run(stopChannel); err != nil {
				sio.logger.Warnw("Serial connection lost", "error", err.Error())
			}
		}

		sio.close()

		select {
		case <-stopChannel:
			return
		case <-time.After(serialRetryDelay):
		}

		if !sio.Configured() {
			sio.logger.Info("Serial port or baud rate unset in config, not reconnecting")
			return
		}

		if err := sio.connect(); err != nil {
			sio.logger.Warnw("Serial reconnect failed", "error", err.Error())
		}
	}
}

func (sio *SerialIO) connect() error {
	sio.mu.Lock()
	if sio.connected {
		sio.mu.Unlock()
		return errors.New("already connected")
	}

	sio.connOptions = serial.OpenOptions{
		PortName:              sio.config.ConnectionInfo.SerialPort,
		BaudRate:              uint(sio.config.ConnectionInfo.SerialBaudRate),
		DataBits:              8,
		StopBits:              1,
		MinimumReadSize:       0,
		InterCharacterTimeout: serialInterCharacterTimeout,
	}
	options := sio.connOptions
	sio.mu.Unlock()

	sio.logger.Debugw("Attempting serial connection", "port", options.PortName, "baud", options.BaudRate)

	conn, err := serial.Open(options)
	if err != nil {
		errMsg := strings.ToLower(err.Error())

		if strings.Contains(errMsg, "access is denied") || strings.Contains(errMsg, "permission denied") {
			sio.logger.Errorw("Serial port access denied - port may be in use by another application",
				"port", options.PortName, "error", err)
			return fmt.Errorf("serial port %s is busy or access denied: %w", options.PortName, os.ErrPermission)
		}

		if strings.Contains(errMsg, "no such file") || strings.Contains(errMsg, "cannot find") {
			sio.logger.Errorw("Serial port does not exist - check port name in configuration",
				"port", options.PortName, "error", err)
			return fmt.Errorf("serial port %s does not exist: %w", options.PortName, os.ErrNotExist)
		}

		sio.logger.Errorw("Failed to open serial port", "port", options.PortName, "error", err)
		return fmt.Errorf("open serial port %s: %w", options.PortName, err)
	}

	sio.mu.Lock()
	sio.conn = conn
	sio.connected = true
	sio.mu.Unlock()

	sio.logger.Infow("Connected to serial port", "port", options.PortName)

	return nil
}

func (sio *SerialIO) run(stopChannel chan bool) error {
	sio.mu.Lock()
	conn := sio.conn
	sio.mu.Unlock()

	if conn == nil {
		return errors.New("cannot run: connection is nil")
	}

	lineChannel := sio.readLine(bufio.NewReader(conn), stopChannel)

	for {
		select {
		case <-stopChannel:
			return nil

		case line, ok := <-lineChannel:
			if !ok {
				return errors.New("serial connection lost")
			}

			sio.handleLine(line)
		}
	}
}

func (sio *SerialIO) close() {
	sio.mu.Lock()
	conn := sio.conn
	portName := sio.connOptions.PortName
	sio.conn = nil
	sio.connected = false
	sio.mu.Unlock()

	if conn != nil {
		if err := conn.Close(); err != nil {
			sio.logger.Debugw("Failed to close serial connection", "port", portName, "error", err.Error())
		} else {
			sio.logger.Infow("Serial connection closed", "port", portName)
		}
	}
}

func (sio *SerialIO) readLine(reader *bufio.Reader, stopChannel chan bool) chan string {
	ch := make(chan string)

	go func() {
		defer close(ch)

		for {
			line, err := reader.ReadString('\n')
			if err != nil {
				if err != io.EOF {
					sio.logger.Infow("Serial read error, connection may be lost", "error", err)
				} else if sio.verbose {
					sio.logger.Debugw("Serial read EOF", "error", err)
				}

				return
			}

			if sio.verbose {
				sio.logger.Debugw("Read new line", "line", line)
			}

			select {
			case ch <- line:
			case <-stopChannel:
				return
			}
		}
	}()

	return ch
}

func (sio *SerialIO) handleLine(line string) {
	gestureID, ok := parseGestureLine(line)
	if !ok {
		return
	}

	if sio.verbose {
		sio.logger.Debugw("Gesture received", "gesture", gestureID)
	}

	sio.dispatch(gestureID)
}

// parseGestureLine extracts a gesture id from one line of keypad output
func parseGestureLine(line string) (string, bool) {
	trimmed := strings.TrimSpace(stripANSI(line))
	if trimmed == "" {
		return "", false
	}

	payload := ""
	if trimmed[0] == '{' && trimmed[len(trimmed)-1] == '}' {
		payload = trimmed
	} else if m := jsonLogRegexp.FindStringSubmatch(trimmed); m != nil {
		payload = m[1]
	}

	if payload != "" {
		var event serialStateEvent
		if err := json.Unmarshal([]byte(payload), &event); err != nil {
			return "", false
		}

		if event.ID != serialGestureEventID || strings.TrimSpace(event.Value) == "" {
			return "", false
		}

		return normalizeGestureID(event.Value), true
	}

	if strings.HasPrefix(strings.ToLower(trimmed), gesturePrefix) {
		return normalizeGestureID(trimmed), true
	}

	return "", false
}
