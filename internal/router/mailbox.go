package router

import "sync"

// Handler consumes messages delivered to an endpoint. Handlers for one
// endpoint run sequentially, in enqueue order.
type Handler func(Message)

// mailbox is an unbounded FIFO drained by a single goroutine, so enqueueing
// never blocks the sender and per-receiver order is preserved.
type mailbox struct {
	handler Handler

	mu     sync.Mutex
	queue  []Message
	closed bool

	notify chan struct{}
	done   chan struct{}
	exited chan struct{}
}

func newMailbox(h Handler) *mailbox {
	m := &mailbox{
		handler: h,
		notify:  make(chan struct{}, 1),
		done:    make(chan struct{}),
		exited:  make(chan struct{}),
	}
	go m.run()
	return m
}

func (m *mailbox) put(msg Message) bool {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return false
	}
	m.queue = append(m.queue, msg)
	m.mu.Unlock()

	select {
	case m.notify <- struct{}{}:
	default:
	}
	return true
}

func (m *mailbox) close() {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.closed = true
	m.queue = nil
	m.mu.Unlock()
	close(m.done)
}

func (m *mailbox) run() {
	defer close(m.exited)
	for {
		select {
		case <-m.done:
			return
		case <-m.notify:
		}
		for {
			msg, ok := m.next()
			if !ok {
				break
			}
			m.handler(msg)
		}
	}
}

func (m *mailbox) next() (Message, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed || len(m.queue) == 0 {
		return Message{}, false
	}
	msg := m.queue[0]
	m.queue[0] = Message{}
	m.queue = m.queue[1:]
	return msg, true
}
