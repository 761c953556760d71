package server

import (
	"errors"
	"io"
	"net"
	"sync"

	"github.com/rs/zerolog"

	"github.com/lyppppppppp/relaychat/pkg/protocol"
)

// ErrSendQueueFull indicates a connection whose outbound queue filled up.
// The connection is closed by Send; a stalled peer must never stall
// dispatch to other peers.
var ErrSendQueueFull = errors.New("send queue full, connection dropped")

const readChunkSize = 4096

// Conn wraps one live transport stream (TCP socket or WebSocket adapter).
// It owns the inbound reassembly buffer and a buffered outbound queue
// drained by a single writer goroutine, so concurrently dispatched payloads
// are never interleaved on the wire.
//
// The transport layer that accepted the stream owns the Conn; the session
// registry only holds a non-owning reference while an identity is bound.
type Conn struct {
	id  uint64
	nc  net.Conn
	dec protocol.Decoder

	sendq     chan []byte
	done      chan struct{}
	closeOnce sync.Once

	mu       sync.Mutex
	username string // bound identity, empty until login succeeds

	onPayload func(payload []byte)
	onClosed  func()

	logger zerolog.Logger
}

// NewConn wraps nc and starts its writer goroutine. Callbacks must be
// registered before Run is called.
func NewConn(id uint64, nc net.Conn, queueSize int, logger zerolog.Logger) *Conn {
	c := &Conn{
		id:     id,
		nc:     nc,
		sendq:  make(chan []byte, queueSize),
		done:   make(chan struct{}),
		logger: logger.With().Uint64("conn_id", id).Logger(),
	}

	go c.writeLoop()
	return c
}

// ID returns the runtime connection identifier.
func (c *Conn) ID() uint64 { return c.id }

// RemoteAddr returns the peer address for logging.
func (c *Conn) RemoteAddr() string { return c.nc.RemoteAddr().String() }

// OnPayload registers the callback invoked once per fully reassembled
// frame, in arrival order, from the read loop goroutine.
func (c *Conn) OnPayload(fn func(payload []byte)) { c.onPayload = fn }

// OnClosed registers the callback invoked exactly once when the stream
// closes, gracefully or not.
func (c *Conn) OnClosed(fn func()) { c.onClosed = fn }

// SetUsername binds an identity to this connection after a successful login.
func (c *Conn) SetUsername(username string) {
	c.mu.Lock()
	c.username = username
	c.mu.Unlock()
}

// Username returns the bound identity, or "" before login.
func (c *Conn) Username() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.username
}

// Run drives the read loop: appends every chunk to the reassembly buffer,
// drains complete frames, and fires the payload callback per frame. It
// blocks until the stream closes and fires the closed callback on the way
// out.
func (c *Conn) Run() {
	defer func() {
		c.Close()
		if c.onClosed != nil {
			c.onClosed()
		}
	}()

	buf := make([]byte, readChunkSize)
	for {
		n, err := c.nc.Read(buf)
		if n > 0 {
			c.dec.Append(buf[:n])
			// One read may complete zero, one, or many frames.
			for {
				payload, derr := c.dec.Next()
				if errors.Is(derr, protocol.ErrNeedMoreBytes) {
					break
				}
				if derr != nil {
					// Framing desync; nothing sane can follow.
					c.logger.Warn().Err(derr).Msg("closing desynchronized connection")
					return
				}
				if c.onPayload != nil {
					c.onPayload(payload)
				}
			}
		}
		if err != nil {
			if err != io.EOF && !errors.Is(err, net.ErrClosed) {
				c.logger.Debug().Err(err).Msg("read error")
			}
			return
		}
	}
}

// Send enqueues one payload for transmission. It never blocks on the peer:
// if the queue is full the connection is closed and ErrSendQueueFull is
// returned. Safe to call from any goroutine.
func (c *Conn) Send(payload []byte) error {
	select {
	case <-c.done:
		return net.ErrClosed
	default:
	}

	select {
	case c.sendq <- payload:
		return nil
	case <-c.done:
		return net.ErrClosed
	default:
		c.logger.Warn().Msg("send queue full, dropping connection")
		c.Close()
		return ErrSendQueueFull
	}
}

// Close shuts the connection down. Idempotent; the closed callback fires
// from the read loop, not from here.
func (c *Conn) Close() {
	c.closeOnce.Do(func() {
		close(c.done)
		c.nc.Close()
	})
}

func (c *Conn) writeLoop() {
	for {
		select {
		case payload := <-c.sendq:
			if err := protocol.EncodeTo(c.nc, payload); err != nil {
				c.logger.Debug().Err(err).Msg("write error")
				c.Close()
				return
			}
		case <-c.done:
			return
		}
	}
}
