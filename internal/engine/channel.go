// Package engine speaks the framed JSON protocol of the external download
// engine over a byte stream.
package engine

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
)

const (
	outboundBuffer = 64
	inboundBuffer  = 256
)

// Channel is a bidirectional message channel to one engine instance. Once
// it disconnects it stays disconnected.
type Channel struct {
	conn   io.ReadWriteCloser
	enc    *Encoder
	dec    *Decoder
	out    chan Request
	events chan Event
	done   chan struct{}
	stop   chan struct{}
	wg     sync.WaitGroup
	log    *slog.Logger

	// ownerFails leaves the disconnect after a read error to the owner,
	// which is signalled through readDone.
	ownerFails bool
	readDone   chan struct{}

	once     sync.Once
	stopOnce sync.Once
	readOnce sync.Once
	mu       sync.Mutex
	err      error
	readErr  error
}

// NewChannel starts the read and write loops over conn. A nil logger uses
// slog.Default.
func NewChannel(conn io.ReadWriteCloser, log *slog.Logger) *Channel {
	return newChannel(conn, log, false)
}

func newChannel(conn io.ReadWriteCloser, log *slog.Logger, ownerFails bool) *Channel {
	if log == nil {
		log = slog.Default()
	}
	c := &Channel{
		conn:   conn,
		enc:    NewEncoder(conn),
		dec:    NewDecoder(conn),
		out:    make(chan Request, outboundBuffer),
		events: make(chan Event, inboundBuffer),
		done:   make(chan struct{}),
		stop:   make(chan struct{}),
		log:    log.With("component", "engine"),

		ownerFails: ownerFails,
		readDone:   make(chan struct{}),
	}
	c.wg.Add(2)
	go c.readLoop()
	go c.writeLoop()
	return c
}

// Send queues a request for delivery in order without blocking. It fails
// with ErrDisconnected once the channel is gone and with ErrQueueFull when
// the engine is not keeping up with the outbound queue.
func (c *Channel) Send(req Request) error {
	if req == nil {
		return fmt.Errorf("%w: nil request", ErrUnsupportedMessage)
	}
	select {
	case <-c.done:
		return c.Err()
	default:
	}
	select {
	case c.out <- req:
		return nil
	default:
		return fmt.Errorf("%w: %d requests pending", ErrQueueFull, cap(c.out))
	}
}

// Events yields inbound events in arrival order. It is closed after the
// channel disconnects and the remaining events were delivered.
func (c *Channel) Events() <-chan Event { return c.events }

// Done is closed when the channel disconnects.
func (c *Channel) Done() <-chan struct{} { return c.done }

// Err returns nil while connected, then an error wrapping ErrDisconnected.
func (c *Channel) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

// Close disconnects the channel and waits for its loops to exit. Events
// decoded but not yet delivered are discarded.
func (c *Channel) Close() error {
	c.stopOnce.Do(func() { close(c.stop) })
	c.fail(nil)
	c.wg.Wait()
	return nil
}

func (c *Channel) fail(cause error) {
	c.once.Do(func() {
		err := ErrDisconnected
		if cause != nil && !errors.Is(cause, io.EOF) {
			err = fmt.Errorf("%w: %v", ErrDisconnected, cause)
		}
		c.mu.Lock()
		c.err = err
		c.mu.Unlock()
		close(c.done)
		if cerr := c.conn.Close(); cerr != nil {
			c.log.Debug("close_conn_error", "error", cerr)
		}
		c.log.Info("engine_disconnected", "reason", err.Error())
	})
}

func (c *Channel) endRead(err error) {
	c.readOnce.Do(func() {
		c.mu.Lock()
		c.readErr = err
		c.mu.Unlock()
		close(c.readDone)
	})
}

// readError returns the error that ended the read loop, if any.
func (c *Channel) readError() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.readErr
}

// readLoop delivers every decoded event unless Close was called. A read
// error alone never drops events already decoded.
func (c *Channel) readLoop() {
	defer c.wg.Done()
	defer close(c.events)
	defer c.endRead(nil)
	for {
		ev, err := c.dec.Decode()
		if err != nil {
			if errors.Is(err, ErrMalformedMessage) {
				c.log.Warn("engine_malformed_message", "error", err)
				continue
			}
			c.endRead(err)
			if c.ownerFails {
				// Events closes only after Err is set.
				<-c.done
				return
			}
			c.fail(err)
			return
		}
		select {
		case c.events <- ev:
		case <-c.stop:
			return
		}
	}
}

func (c *Channel) writeLoop() {
	defer c.wg.Done()
	for {
		select {
		case req := <-c.out:
			if err := c.enc.Encode(req); err != nil {
				if errors.Is(err, ErrUnsupportedMessage) || errors.Is(err, ErrMessageTooLarge) {
					c.log.Error("engine_encode_failed", "error", err)
					continue
				}
				c.fail(err)
				return
			}
		case <-c.done:
			return
		}
	}
}
