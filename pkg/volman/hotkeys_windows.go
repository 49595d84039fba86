package volman

import (
	"fmt"
	"runtime"
	"sync"
	"syscall"

	"github.com/lxn/win"
	"go.uber.org/zap"
	"golang.org/x/sys/windows"
)

var (
	moduser32 = syscall.NewLazyDLL("user32.dll")

	procRegisterHotKey     = moduser32.NewProc("RegisterHotKey")
	procUnregisterHotKey   = moduser32.NewProc("UnregisterHotKey")
	procPostThreadMessageW = moduser32.NewProc("PostThreadMessageW")
)

const (
	wmQuit   = 0x0012
	wmHotkey = 0x0312

	// private message asking the hotkey thread to apply the latest bindings
	wmApplyBindings = 0x8000 + 1
)

// hotkeyManager registers gestures as system-wide hotkeys and delivers them from a
// dedicated message loop thread. RegisterHotKey binds hotkeys to the calling thread,
// so every (un)registration happens on that thread
type hotkeyManager struct {
	logger *zap.SugaredLogger

	lock     sync.Mutex
	threadID uint32
	pending  []string
	dirty    bool

	// owned by the message loop thread
	registered map[int32]string
}

func newGestureInput(logger *zap.SugaredLogger) (GestureBinder, GestureSource) {
	m := &hotkeyManager{
		logger:     logger.Named("hotkeys"),
		registered: make(map[int32]string),
	}

	return m, m
}

// Bind queues a new set of hotkeys and wakes the message loop to apply it
func (m *hotkeyManager) Bind(gestureIDs []string) {
	m.lock.Lock()
	m.pending = append([]string{}, gestureIDs...)
	m.dirty = true
	threadID := m.threadID
	m.lock.Unlock()

	if threadID != 0 {
		m.post(threadID, wmApplyBindings)
	}
}

func (m *hotkeyManager) Start(dispatch func(gestureID string)) error {
	ready := make(chan error)

	go m.run(dispatch, ready)

	return <-ready
}

func (m *hotkeyManager) Stop() {
	m.lock.Lock()
	threadID := m.threadID
	m.lock.Unlock()

	if threadID != 0 {
		m.post(threadID, wmQuit)
	}
}

func (m *hotkeyManager) run(dispatch func(gestureID string), ready chan<- error) {
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	var msg win.MSG

	// force the thread's message queue into existence before anyone posts to it
	win.PeekMessage(&msg, 0, 0, 0, win.PM_NOREMOVE)

	m.lock.Lock()
	m.threadID = windows.GetCurrentThreadId()
	m.lock.Unlock()

	m.logger.Debugw("Hotkey message loop started", "threadID", m.threadID)
	ready <- nil

	m.applyBindings()

	for win.GetMessage(&msg, 0, 0, 0) > 0 {
		switch msg.Message {
		case wmHotkey:
			gestureID, ok := m.registered[int32(msg.WParam)]
			if !ok {
				continue
			}

			m.logger.Debugw("Hotkey pressed", "gesture", gestureID)
			dispatch(gestureID)

		case wmApplyBindings:
			m.applyBindings()
		}
	}

	m.unregisterAll()

	m.lock.Lock()
	m.threadID = 0
	m.lock.Unlock()

	m.logger.Debug("Hotkey message loop stopped")
}

func (m *hotkeyManager) applyBindings() {
	m.lock.Lock()
	if !m.dirty {
		m.lock.Unlock()
		return
	}

	gestureIDs := m.pending
	m.dirty = false
	m.lock.Unlock()

	m.unregisterAll()

	for idx, gestureID := range gestureIDs {
		id := int32(idx + 1)

		if err := m.register(id, gestureID); err != nil {
			m.logger.Warnw("Failed to register hotkey", "gesture", gestureID, "error", err)
			continue
		}

		m.registered[id] = gestureID
	}

	m.logger.Debugw("Applied hotkey bindings", "requested", len(gestureIDs), "registered", len(m.registered))
}

func (m *hotkeyManager) register(id int32, gestureID string) error {
	key, err := parseHotkey(gestureID)
	if err != nil {
		return err
	}

	ok, _, callErr := procRegisterHotKey.Call(0, uintptr(id), uintptr(key.modifiers), uintptr(key.vk))
	if ok == 0 {
		return fmt.Errorf("register hotkey: %w", callErr)
	}

	return nil
}

func (m *hotkeyManager) unregisterAll() {
	for id, gestureID := range m.registered {
		if ok, _, err := procUnregisterHotKey.Call(0, uintptr(id)); ok == 0 {
			m.logger.Debugw("Failed to unregister hotkey", "gesture", gestureID, "error", err)
		}

		delete(m.registered, id)
	}
}

func (m *hotkeyManager) post(threadID uint32, message uint32) {
	if ok, _, err := procPostThreadMessageW.Call(uintptr(threadID), uintptr(message), 0, 0); ok == 0 {
		m.logger.Warnw("Failed to post message to hotkey thread", "message", message, "error", err)
	}
}
