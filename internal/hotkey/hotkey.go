// Package hotkey provides a global hotkey listener using gohook. Each press
// of the combo requests an imaging toggle.
package hotkey

import (
	"sync"
	"time"

	hook "github.com/robotn/gohook"
)

// DefaultDebounce swallows key auto-repeat while the combo is held.
const DefaultDebounce = 300 * time.Millisecond

// Event is emitted on the channel returned by Events for every accepted
// press of the combo.
type Event struct {
	At time.Time
}

// Listener manages a global hotkey and emits toggle events.
type Listener struct {
	keys     []string
	debounce time.Duration
	ch       chan Event
	done     chan struct{}
	once     sync.Once

	mu   sync.Mutex
	last time.Time
}

// NewListener creates a Listener for the given key combo.
// keys should be lowercase key names (e.g., ["ctrl", "shift", "i"]).
func NewListener(keys []string) *Listener {
	return &Listener{
		keys:     keys,
		debounce: DefaultDebounce,
		ch:       make(chan Event, 16),
		done:     make(chan struct{}),
	}
}

// Events returns the channel that receives hotkey events.
// The channel is closed when Start returns.
func (l *Listener) Events() <-chan Event {
	return l.ch
}

// Start begins listening for the global hotkey.
// This function blocks until Stop is called. Run it in a goroutine.
func (l *Listener) Start() {
	hook.Register(hook.KeyDown, l.keys, func(e hook.Event) {
		l.press(time.Now())
	})

	evChan := hook.Start()
	go func() {
		<-l.done
		hook.End()
	}()
	<-hook.Process(evChan)
	close(l.ch)
}

// press emits an event unless it falls within the debounce window of the
// previous accepted press.
func (l *Listener) press(now time.Time) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if !l.last.IsZero() && now.Sub(l.last) < l.debounce {
		return false
	}
	l.last = now
	select {
	case l.ch <- Event{At: now}:
	default: // don't block if channel is full
	}
	return true
}

// Stop terminates the hotkey listener.
// It is safe to call multiple times.
func (l *Listener) Stop() {
	l.once.Do(func() {
		close(l.done)
	})
}
