package voice

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/coder/websocket"
)

const (
	outboundQueue = 256
	eventQueue    = 256

	// drainTimeout bounds how long Close waits for queued frames.
	drainTimeout = 2 * time.Second
)

var errDrainTimeout = errors.New("queued frames not flushed in time")

type outbound struct {
	typ  websocket.MessageType
	data []byte
}

// Channel is one open duplex connection. All writes go through a single
// writer goroutine so outbound frames keep the order of Send calls. Inbound
// frames are decoded by a reader goroutine and delivered on Events.
//
// Channel is safe for concurrent use.
type Channel struct {
	role  Role
	conn  *websocket.Conn
	state atomic.Int32

	out    chan outbound
	events chan Event

	// done is closed by Close. loopCtx is cancelled when either loop exits.
	done       chan struct{}
	loopCtx    context.Context
	cancelLoop context.CancelFunc

	closeOnce    sync.Once
	drainTimeout time.Duration
	writerWG     sync.WaitGroup
	readerWG  sync.WaitGroup
}

// connect dials rawURL, writes handshake and starts the loops.
func connect(ctx context.Context, role Role, rawURL string, handshake []byte) (*Channel, error) {
	c := &Channel{
		role:   role,
		out:    make(chan outbound, outboundQueue),
		events: make(chan Event, eventQueue),
		done:   make(chan struct{}),

		drainTimeout: drainTimeout,
	}
	c.state.Store(int32(StateConnecting))

	conn, _, err := websocket.Dial(ctx, rawURL, nil)
	if err != nil {
		c.state.Store(int32(StateClosed))
		return nil, fmt.Errorf("voice: dial %s: %w", role, err)
	}
	if err := conn.Write(ctx, websocket.MessageText, handshake); err != nil {
		conn.Close(websocket.StatusInternalError, "handshake failed")
		c.state.Store(int32(StateClosed))
		return nil, fmt.Errorf("voice: %s handshake: %w", role, err)
	}
	// Synthesized audio frames can exceed the default 32 KiB read limit.
	conn.SetReadLimit(1 << 22)

	c.conn = conn
	c.loopCtx, c.cancelLoop = context.WithCancel(context.Background())
	c.state.Store(int32(StateOpen))

	c.writerWG.Add(1)
	go c.writeLoop()
	c.readerWG.Add(1)
	go c.readLoop()

	slog.Debug("voice channel open", "role", role)
	return c, nil
}

// Role returns the channel's role.
func (c *Channel) Role() Role { return c.role }

// State returns the current lifecycle state.
func (c *Channel) State() State { return State(c.state.Load()) }

// Events returns the inbound event stream. The channel is closed after the
// reader exits; the last event is EventClosed unless Close was called first.
func (c *Channel) Events() <-chan Event { return c.events }

// Send queues p for delivery. It fails with ErrNotOpen when the channel is not
// Open, and with an error when p does not belong to the channel's role.
func (c *Channel) Send(ctx context.Context, p Payload) error {
	if st := c.State(); st != StateOpen {
		return fmt.Errorf("voice: send on %s channel in state %s: %w", c.role, st, ErrNotOpen)
	}
	if p.role() != c.role {
		return fmt.Errorf("voice: %T cannot be sent on a %s channel", p, c.role)
	}
	typ, data, err := p.encode()
	if err != nil {
		return fmt.Errorf("voice: encode %T: %w", p, err)
	}
	select {
	case c.out <- outbound{typ: typ, data: data}:
		return nil
	case <-c.done:
		return fmt.Errorf("voice: send on closed %s channel: %w", c.role, ErrNotOpen)
	case <-c.loopCtx.Done():
		return fmt.Errorf("voice: send on failed %s channel: %w", c.role, ErrNotOpen)
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close flushes queued frames and closes the connection with a normal closure
// status. A flush that does not finish within the drain timeout drops the
// connection instead. It is safe to call more than once; later sends fail with
// ErrNotOpen.
func (c *Channel) Close() error {
	var err error
	c.closeOnce.Do(func() {
		wasOpen := c.state.CompareAndSwap(int32(StateOpen), int32(StateClosing))
		close(c.done)
		abort := time.AfterFunc(c.drainTimeout, c.cancelLoop)
		c.writerWG.Wait()
		switch {
		case !abort.Stop():
			_ = c.conn.CloseNow()
			err = errDrainTimeout
		case wasOpen:
			err = c.conn.Close(websocket.StatusNormalClosure, "channel closed")
			if isExpectedClose(err) {
				err = nil
			}
		default:
			_ = c.conn.CloseNow()
		}
		c.cancelLoop()
		c.readerWG.Wait()
		c.state.Store(int32(StateClosed))
	})
	if err != nil {
		return fmt.Errorf("voice: close %s: %w", c.role, err)
	}
	return nil
}

func (c *Channel) writeLoop() {
	defer c.writerWG.Done()
	for {
		select {
		case m := <-c.out:
			if !c.write(m) {
				return
			}
		case <-c.loopCtx.Done():
			return
		case <-c.done:
			// Drain what was queued before Close.
			for {
				select {
				case m := <-c.out:
					if !c.write(m) {
						return
					}
				default:
					return
				}
			}
		}
	}
}

func (c *Channel) write(m outbound) bool {
	if err := c.conn.Write(c.loopCtx, m.typ, m.data); err != nil {
		if c.state.CompareAndSwap(int32(StateOpen), int32(StateFailed)) {
			slog.Warn("voice channel write failed", "role", c.role, "err", err)
		}
		_ = c.conn.CloseNow()
		return false
	}
	return true
}

func (c *Channel) readLoop() {
	defer c.readerWG.Done()
	defer close(c.events)
	defer c.cancelLoop()

	for {
		typ, data, err := c.conn.Read(c.loopCtx)
		if err != nil {
			c.finish(err)
			return
		}
		events, perr := c.decode(typ, data)
		if perr != nil {
			events = []Event{{Kind: EventProtocolError, Err: perr}}
		}
		for _, ev := range events {
			select {
			case c.events <- ev:
			case <-c.done:
				return
			}
		}
	}
}

func (c *Channel) decode(typ websocket.MessageType, data []byte) ([]Event, error) {
	if typ != websocket.MessageText {
		return nil, &ProtocolError{Role: c.role, Frame: data, Err: errors.New("unexpected binary frame")}
	}
	var (
		events []Event
		err    error
	)
	switch c.role {
	case RoleListen:
		events, err = parseListenFrame(data)
	default:
		events, err = parseSpeakFrame(data)
	}
	if err != nil {
		return nil, &ProtocolError{Role: c.role, Frame: data, Err: err}
	}
	return events, nil
}

// finish reports why the reader stopped. A local Close emits nothing that the
// owner must wait for; a remote close or failure emits EventClosed.
func (c *Channel) finish(err error) {
	select {
	case <-c.done:
		select {
		case c.events <- Event{Kind: EventClosed}:
		default:
		}
		return
	default:
	}

	ev := Event{Kind: EventClosed}
	if websocket.CloseStatus(err) == websocket.StatusNormalClosure {
		c.state.CompareAndSwap(int32(StateOpen), int32(StateClosed))
		slog.Debug("voice channel closed by remote", "role", c.role)
	} else {
		c.state.CompareAndSwap(int32(StateOpen), int32(StateFailed))
		ev.Err = fmt.Errorf("voice: %s connection lost: %w", c.role, err)
		slog.Warn("voice channel failed", "role", c.role, "err", err)
	}
	select {
	case c.events <- ev:
	case <-c.done:
	}
}

func isExpectedClose(err error) bool {
	if err == nil {
		return true
	}
	switch websocket.CloseStatus(err) {
	case websocket.StatusNormalClosure, websocket.StatusGoingAway:
		return true
	}
	return false
}
