// Package ipc implements the three inter-process communication primitives
// of spec.md §4.6: bounded per-process message queues, byte-stream
// channels, and name-addressed shared memory regions.
package ipc

import (
	"errors"
	"fmt"
	"sync"
)

// MaxMessages bounds a single PCB's pending-message FIFO, per spec.md §3.
const MaxMessages = 32

var (
	ErrLimit  = errors.New("ipc: queue full")
	ErrClosed = errors.New("ipc: closed")
	ErrNoData = errors.New("ipc: no data available")
)

// Message is the immutable tuple delivered by msg_send, per spec.md §3.
type Message struct {
	Num      uint32
	SenderPID int
	Data     uint32
}

// Handler processes one delivered message.
type Handler func(msg Message)

// Mailbox is one PCB's bounded FIFO of pending messages plus its sparse
// table of per-message-number handlers.
type Mailbox struct {
	mu       sync.Mutex
	pending  []Message
	handlers map[uint32]Handler
	waiters  []chan struct{}
}

// NewMailbox creates an empty mailbox.
func NewMailbox() *Mailbox {
	return &Mailbox{handlers: make(map[uint32]Handler)}
}

// Send enqueues msg at the tail of the mailbox. Fails with ErrLimit if the
// queue is already at MaxMessages; never blocks, per spec.md §4.6.
func (m *Mailbox) Send(msg Message) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if len(m.pending) >= MaxMessages {
		return fmt.Errorf("ipc: msg_send: %w", ErrLimit)
	}

	m.pending = append(m.pending, msg)

	if len(m.waiters) > 0 {
		w := m.waiters[0]
		m.waiters = m.waiters[1:]
		close(w)
	}

	return nil
}

// TryReceive dequeues the oldest pending message without blocking.
func (m *Mailbox) TryReceive() (Message, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if len(m.pending) == 0 {
		return Message{}, false
	}

	msg := m.pending[0]
	m.pending = m.pending[1:]

	return msg, true
}

// Receive dequeues the oldest pending message, blocking the calling
// goroutine until one arrives. Callers modeling a scheduler-driven task
// should prefer TryReceive combined with [proc.Scheduler.Block] instead,
// since a real blocking receive must yield to the scheduler, not the Go
// runtime.
func (m *Mailbox) Receive() Message {
	for {
		if msg, ok := m.TryReceive(); ok {
			return msg
		}

		m.mu.Lock()
		wait := make(chan struct{})
		m.waiters = append(m.waiters, wait)
		m.mu.Unlock()

		<-wait
	}
}

// Pending reports the number of queued messages.
func (m *Mailbox) Pending() int {
	m.mu.Lock()
	defer m.mu.Unlock()

	return len(m.pending)
}

// SetHandler installs the handler invoked for messages numbered num during
// DispatchPending.
func (m *Mailbox) SetHandler(num uint32, h Handler) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.handlers[num] = h
}

// DispatchPending drains the queue, invoking the installed handler for
// every message whose number has one registered. Messages with no handler
// are dropped, matching msg_dispatch_pending's documented behavior of
// draining the queue regardless of handler coverage.
func (m *Mailbox) DispatchPending() int {
	m.mu.Lock()
	batch := m.pending
	m.pending = nil
	handlers := make(map[uint32]Handler, len(m.handlers))

	for k, v := range m.handlers {
		handlers[k] = v
	}

	m.mu.Unlock()

	dispatched := 0

	for _, msg := range batch {
		if h, ok := handlers[msg.Num]; ok {
			h(msg)
			dispatched++
		}
	}

	return dispatched
}
