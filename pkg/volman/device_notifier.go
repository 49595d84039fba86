package volman

import (
	"sync"
	"time"
)

// deviceChangeNotifier fans endpoint change events out to subscribers. The OS reports a
// single change several times (once per role, plus state changes), so events arriving
// within threshold of the last delivered one are dropped
type deviceChangeNotifier struct {
	threshold time.Duration

	lock      sync.Mutex
	last      time.Time
	consumers []chan bool
	closed    bool
}

func newDeviceChangeNotifier(threshold time.Duration) *deviceChangeNotifier {
	return &deviceChangeNotifier{threshold: threshold}
}

func (n *deviceChangeNotifier) subscribe() chan bool {
	c := make(chan bool, 1)

	n.lock.Lock()
	defer n.lock.Unlock()

	if n.closed {
		close(c)
		return c
	}

	n.consumers = append(n.consumers, c)

	return c
}

// notify delivers one event to every subscriber without blocking and reports whether
// the event passed the threshold
func (n *deviceChangeNotifier) notify(now time.Time) bool {
	n.lock.Lock()
	defer n.lock.Unlock()

	if n.closed || (!n.last.IsZero() && n.last.Add(n.threshold).After(now)) {
		return false
	}

	n.last = now

	for _, consumer := range n.consumers {
		select {
		case consumer <- true:
		default:
		}
	}

	return true
}

func (n *deviceChangeNotifier) close() {
	n.lock.Lock()
	defer n.lock.Unlock()

	if n.closed {
		return
	}

	n.closed = true

	for _, consumer := range n.consumers {
		close(consumer)
	}
	n.consumers = nil
}
