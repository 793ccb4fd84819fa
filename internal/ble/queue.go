package ble

import (
	"log/slog"
	"sync"
)

// Command is one deferred GATT operation. Run starts the operation and must
// arrange for Queue.Complete to be called once the peripheral answers. If
// Run returns an error the operation never started and the queue moves on.
type Command struct {
	Name string
	Run  func() error
}

// Queue runs Commands one at a time in submission order.
type Queue struct {
	mu      sync.Mutex
	pending []Command
	running bool
	current string
}

// Submit appends cmd and runs it at once if nothing is running.
func (q *Queue) Submit(cmd Command) {
	q.mu.Lock()
	q.pending = append(q.pending, cmd)
	next, ok := q.popLocked()
	q.mu.Unlock()

	if ok {
		q.run(next)
	}
}

// Complete marks the running command finished and starts the next one.
// A Complete with nothing running, e.g. a late answer after Clear, is
// ignored.
func (q *Queue) Complete() {
	q.mu.Lock()
	if !q.running {
		q.mu.Unlock()
		slog.Debug("[BLE] completion with no command running")
		return
	}
	q.running = false
	q.current = ""
	next, ok := q.popLocked()
	q.mu.Unlock()

	if ok {
		q.run(next)
	}
}

// Clear drops all pending commands and forgets the running one.
func (q *Queue) Clear() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if n := len(q.pending); n > 0 || q.running {
		slog.Debug("[BLE] clearing command queue", "pending", n, "running", q.current)
	}
	q.pending = nil
	q.running = false
	q.current = ""
}

// Running reports whether a command is outstanding.
func (q *Queue) Running() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.running
}

// Pending returns the number of commands waiting to run.
func (q *Queue) Pending() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.pending)
}

// popLocked takes the head of the queue if nothing is running (caller must
// hold mu).
func (q *Queue) popLocked() (Command, bool) {
	if q.running || len(q.pending) == 0 {
		return Command{}, false
	}
	cmd := q.pending[0]
	q.pending[0] = Command{}
	q.pending = q.pending[1:]
	q.running = true
	q.current = cmd.Name
	return cmd, true
}

// run starts cmd outside the lock so Run may call Complete directly.
func (q *Queue) run(cmd Command) {
	slog.Debug("[BLE] running command", "command", cmd.Name)
	if err := cmd.Run(); err != nil {
		slog.Warn("[BLE] command failed to start", "command", cmd.Name, "error", err)
		q.Complete()
	}
}
