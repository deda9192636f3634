// Package stream multiplexes model tokens, runtime events, and router jumps
// into one ordered chunk sequence for a streaming consumer.
package stream

import (
	"context"
	"sync"

	"github.com/concordhq/agentcore/observe"
)

type Kind string

const (
	KindToken   Kind = "token"
	KindEvent   Kind = "event"
	KindHandoff Kind = "handoff"
	KindError   Kind = "error"
	KindDone    Kind = "done"
)

// Chunk is one increment of a streamed response. Token chunks carry text;
// handoff chunks name the worker control jumped to; the final chunk is
// always either error or done.
type Chunk struct {
	Kind   Kind           `json:"kind"`
	Text   string         `json:"text,omitempty"`
	Worker string         `json:"worker,omitempty"`
	Error  string         `json:"error,omitempty"`
	Event  *observe.Event `json:"event,omitempty"`
}

// Mux fans writes from the drivers into a single consumer channel. Writes
// after the terminal chunk are dropped; the channel closes exactly once.
type Mux struct {
	mu     sync.Mutex
	ch     chan Chunk
	closed bool
}

func NewMux(buffer int) *Mux {
	if buffer < 1 {
		buffer = 64
	}
	return &Mux{ch: make(chan Chunk, buffer)}
}

// Chunks is the consumer side. It is closed by Done or Fail.
func (m *Mux) Chunks() <-chan Chunk { return m.ch }

func (m *Mux) Token(text string) {
	if text == "" {
		return
	}
	m.send(Chunk{Kind: KindToken, Text: text})
}

func (m *Mux) Handoff(worker string) {
	m.send(Chunk{Kind: KindHandoff, Worker: worker})
}

func (m *Mux) Event(ev observe.Event) {
	ev.Normalize()
	m.send(Chunk{Kind: KindEvent, Event: &ev})
}

// Fail emits the terminal error chunk and closes the stream.
func (m *Mux) Fail(err error) {
	m.terminate(Chunk{Kind: KindError, Error: err.Error()})
}

// Done emits the terminal done chunk and closes the stream.
func (m *Mux) Done() {
	m.terminate(Chunk{Kind: KindDone})
}

func (m *Mux) send(c Chunk) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return
	}
	m.ch <- c
}

func (m *Mux) terminate(c Chunk) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return
	}
	m.ch <- c
	m.closed = true
	close(m.ch)
}

// Sink adapts the mux into an observe.Sink so driver events surface as event
// chunks alongside the tokens they interleave with. Router dispatches become
// handoff chunks.
func (m *Mux) Sink() observe.Sink {
	return observe.SinkFunc(func(_ context.Context, ev observe.Event) error {
		if ev.Kind == observe.KindRouter && ev.Name == "worker_dispatched" && ev.Worker != "" {
			m.Handoff(ev.Worker)
			return nil
		}
		m.Event(ev)
		return nil
	})
}
