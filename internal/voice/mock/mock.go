// Package mock provides an in-memory speech channel for tests.
//
// Channel records every payload passed to Send and lets the test inject
// inbound events with Emit. It is safe for concurrent use.
//
//	ch := mock.NewChannel()
//	ch.Emit(voice.Event{Kind: voice.EventFinal})
//	sent := ch.Sent()
package mock

import (
	"context"
	"sync"

	"github.com/MrWong99/vibepm/internal/voice"
)

// Channel is a mock speech channel.
type Channel struct {
	mu     sync.Mutex
	sent   []voice.Payload
	closed bool

	// SendErr, when set, is returned by every Send.
	SendErr error

	// OnSend, when set, is called after each recorded Send.
	OnSend func(p voice.Payload)

	events chan voice.Event
}

// NewChannel returns an open mock channel with a buffered event stream.
func NewChannel() *Channel {
	return &Channel{events: make(chan voice.Event, 64)}
}

// Send records p. It returns voice.ErrNotOpen after Close.
func (c *Channel) Send(_ context.Context, p voice.Payload) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return voice.ErrNotOpen
	}
	if c.SendErr != nil {
		err := c.SendErr
		c.mu.Unlock()
		return err
	}
	c.sent = append(c.sent, p)
	hook := c.OnSend
	c.mu.Unlock()
	if hook != nil {
		hook(p)
	}
	return nil
}

// FailSends makes every later Send return err.
func (c *Channel) FailSends(err error) {
	c.mu.Lock()
	c.SendErr = err
	c.mu.Unlock()
}

// Events returns the injected event stream.
func (c *Channel) Events() <-chan voice.Event { return c.events }

// Emit injects an inbound event.
func (c *Channel) Emit(ev voice.Event) { c.events <- ev }

// Close marks the channel closed. Safe to call more than once.
func (c *Channel) Close() error {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
	return nil
}

// Closed reports whether Close was called.
func (c *Channel) Closed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// Sent returns a copy of the recorded payloads.
func (c *Channel) Sent() []voice.Payload {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]voice.Payload(nil), c.sent...)
}

// Texts returns the sent payloads rendered as strings: TextAppend values as
// their text, EndOfStream as "<end>", Flush as "<flush>", EndOfAudio as
// "<end_of_audio>" and Audio as "<audio>".
func (c *Channel) Texts() []string {
	var out []string
	for _, p := range c.Sent() {
		switch v := p.(type) {
		case voice.TextAppend:
			out = append(out, string(v))
		case voice.EndOfStream:
			out = append(out, "<end>")
		case voice.Flush:
			out = append(out, "<flush>")
		case voice.EndOfAudio:
			out = append(out, "<end_of_audio>")
		case voice.Audio:
			out = append(out, "<audio>")
		}
	}
	return out
}
