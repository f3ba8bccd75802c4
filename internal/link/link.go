// Package link implements the authenticated, length-framed TCP connection
// between the main hub and each subordinate server.
package link

import (
	"errors"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/bingosuite/chatsync/internal/model"
)

var (
	ErrQueueFull = errors.New("link send queue full")
	ErrClosed    = errors.New("link closed")
)

const (
	DefaultQueueSize        = 256
	DefaultHandshakeTimeout = 5 * time.Second
	writeTimeout            = 10 * time.Second
	missedHeartbeats        = 3
)

// Options tune a link. Zero values fall back to the defaults.
type Options struct {
	QueueSize         int
	MaxFrameSize      int
	HeartbeatInterval time.Duration
	HandshakeTimeout  time.Duration
}

func (o Options) withDefaults() Options {
	if o.QueueSize <= 0 {
		o.QueueSize = DefaultQueueSize
	}
	if o.MaxFrameSize <= 0 {
		o.MaxFrameSize = DefaultMaxFrameSize
	}
	if o.HandshakeTimeout <= 0 {
		o.HandshakeTimeout = DefaultHandshakeTimeout
	}
	return o
}

// Link is one authenticated connection. A closed Link is never reused; a
// reconnect produces a new one.
type Link struct {
	id     string
	peer   string
	conn   net.Conn
	reader *Reader
	opts   Options
	send   chan Frame
	state  atomic.Int32
	done   chan struct{}
	once   sync.Once
	log    zerolog.Logger
}

func newLink(conn net.Conn, opts Options, log zerolog.Logger) *Link {
	opts = opts.withDefaults()
	l := &Link{
		id:     uuid.NewString(),
		conn:   conn,
		reader: NewReader(conn, opts.MaxFrameSize),
		opts:   opts,
		send:   make(chan Frame, opts.QueueSize),
		done:   make(chan struct{}),
	}
	l.log = log.With().Str("component", "link").Str("link", l.id).Str("remote", conn.RemoteAddr().String()).Logger()
	l.setState(model.LinkConnecting)
	return l
}

func (l *Link) ID() string { return l.id }

// Name is the subordinate server name the link authenticated as.
func (l *Link) Name() string { return l.peer }

func (l *Link) State() model.LinkState {
	return model.LinkState(l.state.Load())
}

func (l *Link) setState(s model.LinkState) {
	l.state.Store(int32(s))
}

// Done is closed once the link has been closed.
func (l *Link) Done() <-chan struct{} { return l.done }

// Pending is the number of frames waiting in the outbound queue.
func (l *Link) Pending() int { return len(l.send) }

// Send queues f without blocking. A full queue drops f and returns ErrQueueFull.
func (l *Link) Send(f Frame) error {
	select {
	case <-l.done:
		return ErrClosed
	default:
	}
	select {
	case l.send <- f:
		return nil
	default:
		return ErrQueueFull
	}
}

func (l *Link) Close() error {
	var err error
	l.once.Do(func() {
		l.setState(model.LinkDisconnected)
		close(l.done)
		err = l.conn.Close()
	})
	return err
}

// ReadPump delivers frames to handle until the connection ends. Malformed or
// unknown frames are logged and skipped; an oversized frame closes the link.
func (l *Link) ReadPump(handle func(*Link, Frame)) error {
	defer func() {
		if err := l.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
			l.log.Debug().Err(err).Msg("Link close error")
		}
	}()

	for {
		if l.opts.HeartbeatInterval > 0 {
			_ = l.conn.SetReadDeadline(time.Now().Add(missedHeartbeats * l.opts.HeartbeatInterval))
		}
		f, err := l.reader.Next()
		if err != nil {
			if Recoverable(err) {
				l.log.Warn().Err(err).Msg("Dropping undecodable frame")
				continue
			}
			select {
			case <-l.done:
				return nil
			default:
			}
			if errors.Is(err, io.EOF) {
				return nil
			}
			return err
		}
		switch f.Type {
		case FramePing:
			if err := l.Send(Frame{Type: FramePong, Timestamp: time.Now().UnixMilli()}); err != nil {
				l.log.Debug().Err(err).Msg("Failed to queue pong")
			}
			continue
		case FramePong:
			continue
		}
		handle(l, f)
	}
}

// WritePump drains the send queue onto the wire and emits heartbeats. It
// returns when the link is closed or a write fails.
func (l *Link) WritePump() {
	var tick <-chan time.Time
	if l.opts.HeartbeatInterval > 0 {
		ticker := time.NewTicker(l.opts.HeartbeatInterval)
		defer ticker.Stop()
		tick = ticker.C
	}

	for {
		select {
		case <-l.done:
			return
		case f := <-l.send:
			if err := l.write(f); err != nil {
				l.log.Warn().Err(err).Str("type", string(f.Type)).Msg("Link write error")
				_ = l.Close()
				return
			}
		case <-tick:
			if err := l.write(Frame{Type: FramePing, Timestamp: time.Now().UnixMilli()}); err != nil {
				l.log.Warn().Err(err).Msg("Heartbeat write error")
				_ = l.Close()
				return
			}
		}
	}
}

func (l *Link) write(f Frame) error {
	_ = l.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return WriteFrame(l.conn, f, l.opts.MaxFrameSize)
}

// handshake exchanges frames synchronously before the pumps start.
func (l *Link) writeNow(f Frame) error {
	_ = l.conn.SetWriteDeadline(time.Now().Add(l.opts.HandshakeTimeout))
	defer l.conn.SetWriteDeadline(time.Time{})
	return WriteFrame(l.conn, f, l.opts.MaxFrameSize)
}

func (l *Link) readNow() (Frame, error) {
	_ = l.conn.SetReadDeadline(time.Now().Add(l.opts.HandshakeTimeout))
	defer l.conn.SetReadDeadline(time.Time{})
	return l.reader.Next()
}
