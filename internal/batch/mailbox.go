package batch

import (
	"sync"

	"github.com/0xPuncker/mozart-engraver/internal/handler"
)

// mailbox is an unbounded FIFO feeding the controller loop. post never
// blocks, so queue listeners running on runner goroutines can't stall.
type mailbox struct {
	mu     sync.Mutex
	items  []message
	signal chan struct{}
}

func newMailbox() *mailbox {
	return &mailbox{signal: make(chan struct{}, 1)}
}

func (m *mailbox) post(msg message) {
	m.mu.Lock()
	m.items = append(m.items, msg)
	m.mu.Unlock()

	select {
	case m.signal <- struct{}{}:
	default:
	}
}

func (m *mailbox) next() message {
	for {
		m.mu.Lock()
		if len(m.items) > 0 {
			msg := m.items[0]
			m.items[0] = nil
			m.items = m.items[1:]
			m.mu.Unlock()
			return msg
		}
		m.mu.Unlock()
		<-m.signal
	}
}

type message interface{}

type handlerStarted struct {
	h      handler.Handler
	runner int
}

type handlerDone struct {
	h      handler.Handler
	runner int
}

type idleMsg struct {
	phase Phase
}

type finishedMsg struct{}

type tickMsg struct{}

type commandKind int

const (
	cmdPause commandKind = iota
	cmdResume
	cmdAbort
)

type commandMsg struct {
	kind  commandKind
	reply chan error
}
