package btp

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"cicada/internal/metrics"

	"github.com/sirupsen/logrus"
)

// Transport is a duplex stream of whole frames.
type Transport interface {
	ReadFrame(ctx context.Context) ([]byte, error)
	WriteFrame(ctx context.Context, frame []byte) error
	Close() error
}

// Handler receives the frames the connection does not consume itself. Calls
// are made from the read loop, one at a time and in arrival order.
type Handler interface {
	// HandlePrepare is called after the PREPARE has been acknowledged.
	HandlePrepare(ctx context.Context, m *Message)
	// HandleMessage answers a MESSAGE request. The returned protocol data is
	// sent back in the RESPONSE; an error is sent back as an ERROR frame.
	HandleMessage(ctx context.Context, m *Message) ([]ProtocolData, error)
}

// Requests sent with Send are remembered so a late ERROR reply can be logged.
// Entries are dropped after unackedTTL, and beyond maxUnacked the oldest go.
const (
	unackedTTL = time.Minute
	maxUnacked = 1024
)

// Connection runs BTP over one Transport. It is the only writer of the
// transport and correlates responses to requests by request id.
type Connection struct {
	transport Transport
	handler   Handler
	log       *logrus.Entry

	writeMu sync.Mutex

	mu         sync.Mutex
	inflight   map[uint32]chan *Message
	unacked    map[uint32]time.Time
	maxUnacked int
	now        func() time.Time
	err        error

	nextID    atomic.Uint32
	done      chan struct{}
	closeOnce sync.Once
}

// NewConnection creates a connection; nothing is read until Run is called.
func NewConnection(transport Transport, handler Handler, logger *logrus.Logger) *Connection {
	return &Connection{
		transport:  transport,
		handler:    handler,
		log:        logger.WithField("component", "btp"),
		inflight:   make(map[uint32]chan *Message),
		unacked:    make(map[uint32]time.Time),
		maxUnacked: maxUnacked,
		now:        time.Now,
		done:       make(chan struct{}),
	}
}

// Run reads and dispatches frames until the transport fails, a protocol
// violation is detected, Close is called or ctx is cancelled. It always
// returns a non-nil error describing why the connection ended.
func (c *Connection) Run(ctx context.Context) error {
	go func() {
		select {
		case <-ctx.Done():
			c.terminate(ctx.Err())
		case <-c.done:
		}
	}()

	for {
		frame, err := c.transport.ReadFrame(ctx)
		if err != nil {
			if errors.Is(err, ErrFraming) {
				metrics.BTPProtocolErrors.WithLabelValues("framing").Inc()
			}
			c.terminate(fmt.Errorf("reading frame: %w", err))
			return c.Err()
		}

		msg, err := Decode(frame)
		if err != nil {
			errType := "framing"
			if errors.Is(err, ErrUnsupportedMessageType) {
				errType = "unsupported_type"
			}
			metrics.BTPProtocolErrors.WithLabelValues(errType).Inc()
			c.log.WithFields(logrus.Fields{
				"frame_length": len(frame),
				"error":        err.Error(),
			}).Error("BTP protocol violation, closing connection")
			c.terminate(err)
			return c.Err()
		}
		metrics.BTPFramesReceived.WithLabelValues(msg.Type.String()).Inc()

		if err := c.dispatch(ctx, msg); err != nil {
			c.terminate(err)
			return c.Err()
		}
	}
}

func (c *Connection) dispatch(ctx context.Context, msg *Message) error {
	switch msg.Type {
	case TypeResponse, TypeError:
		c.resolve(msg)
	case TypePrepare:
		if err := c.ack(ctx, msg.RequestID); err != nil {
			return err
		}
		c.handler.HandlePrepare(ctx, msg)
	case TypeMessage:
		data, err := c.handler.HandleMessage(ctx, msg)
		if err != nil {
			return c.write(ctx, &Message{
				Type:      TypeError,
				RequestID: msg.RequestID,
				ErrorCode: "F00",
				ErrorName: "NotAcceptedError",
				ErrorData: []byte(err.Error()),
			})
		}
		return c.write(ctx, &Message{Type: TypeResponse, RequestID: msg.RequestID, ProtocolData: data})
	case TypeFulfill, TypeReject:
		// this side never prepares outgoing transfers
		c.log.WithFields(logrus.Fields{
			"type":        msg.Type.String(),
			"request_id":  msg.RequestID,
			"transfer_id": msg.TransferID.String(),
		}).Warn("Received outcome for a transfer that was not sent by this connection")
		return c.ack(ctx, msg.RequestID)
	default:
		return &UnsupportedMessageTypeError{Type: msg.Type}
	}
	return nil
}

// ack sends the transport level acknowledgement. It says nothing about
// whether the transfer will be fulfilled.
func (c *Connection) ack(ctx context.Context, requestID uint32) error {
	return c.write(ctx, &Message{Type: TypeResponse, RequestID: requestID})
}

func (c *Connection) resolve(msg *Message) {
	c.mu.Lock()
	ch, ok := c.inflight[msg.RequestID]
	delete(c.inflight, msg.RequestID)
	if !ok {
		_, ok = c.unacked[msg.RequestID]
		delete(c.unacked, msg.RequestID)
	}
	c.mu.Unlock()

	fields := logrus.Fields{"request_id": msg.RequestID, "type": msg.Type.String()}
	switch {
	case !ok:
		c.log.WithFields(fields).Debug("Response for unknown request id")
	case ch != nil:
		ch <- msg
	case msg.Type == TypeError:
		fields["error_code"] = msg.ErrorCode
		fields["error_name"] = msg.ErrorName
		c.log.WithFields(fields).Warn("Peer rejected frame")
	default:
		c.log.WithFields(fields).Debug("Frame acknowledged")
	}
}

// Send writes m as a new request and returns its request id without waiting
// for the response. There is no retry.
func (c *Connection) Send(ctx context.Context, m *Message) (uint32, error) {
	id := c.registerUnacked()
	m.RequestID = id
	if err := c.write(ctx, m); err != nil {
		c.unregister(id)
		return id, err
	}
	return id, nil
}

// Request writes m and waits for the correlated response. An ERROR reply is
// returned as a *PeerError.
func (c *Connection) Request(ctx context.Context, m *Message) (*Message, error) {
	ch := make(chan *Message, 1)
	id := c.register(ch)
	m.RequestID = id
	if err := c.write(ctx, m); err != nil {
		c.unregister(id)
		return nil, err
	}

	select {
	case resp := <-ch:
		if resp.Type == TypeError {
			return nil, &PeerError{RequestID: id, Code: resp.ErrorCode, Name: resp.ErrorName, Data: resp.ErrorData}
		}
		return resp, nil
	case <-ctx.Done():
		c.unregister(id)
		return nil, ctx.Err()
	case <-c.done:
		return nil, c.Err()
	}
}

func (c *Connection) register(ch chan *Message) uint32 {
	c.mu.Lock()
	defer c.mu.Unlock()
	id := c.freeID()
	c.inflight[id] = ch
	return id
}

func (c *Connection) registerUnacked() uint32 {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := c.now()
	var oldestID uint32
	var oldest time.Time
	for id, at := range c.unacked {
		if now.Sub(at) > unackedTTL {
			delete(c.unacked, id)
			continue
		}
		if oldest.IsZero() || at.Before(oldest) {
			oldestID, oldest = id, at
		}
	}
	if len(c.unacked) >= c.maxUnacked && !oldest.IsZero() {
		delete(c.unacked, oldestID)
	}
	id := c.freeID()
	c.unacked[id] = now
	return id
}

// freeID returns the next request id not awaiting a response. c.mu is held.
func (c *Connection) freeID() uint32 {
	for {
		id := c.nextID.Add(1)
		_, waiting := c.inflight[id]
		_, sent := c.unacked[id]
		if !waiting && !sent {
			return id
		}
	}
}

func (c *Connection) unregister(id uint32) {
	c.mu.Lock()
	delete(c.inflight, id)
	delete(c.unacked, id)
	c.mu.Unlock()
}

func (c *Connection) write(ctx context.Context, m *Message) error {
	frame, err := Encode(m)
	if err != nil {
		return fmt.Errorf("encoding %s: %w", m.Type, err)
	}

	select {
	case <-c.done:
		return c.Err()
	default:
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := c.transport.WriteFrame(ctx, frame); err != nil {
		return fmt.Errorf("writing %s frame: %w", m.Type, err)
	}
	metrics.BTPFramesSent.WithLabelValues(m.Type.String()).Inc()
	return nil
}

// terminate ends the connection once. It returns the transport's close error
// to the call that did the work.
func (c *Connection) terminate(err error) (closeErr error) {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.err = err
		c.inflight = make(map[uint32]chan *Message)
		c.unacked = make(map[uint32]time.Time)
		c.mu.Unlock()
		close(c.done)
		if closeErr = c.transport.Close(); closeErr != nil {
			c.log.WithError(closeErr).Debug("Closing transport")
		}
		c.log.WithError(err).Info("BTP connection closed")
	})
	return closeErr
}

// Close terminates the connection and returns the transport's close error.
// Run returns ErrConnectionClosed. Later calls return nil.
func (c *Connection) Close() error {
	return c.terminate(ErrConnectionClosed)
}

// Done is closed when the connection has terminated.
func (c *Connection) Done() <-chan struct{} { return c.done }

// Err returns why the connection terminated, nil while it is running.
func (c *Connection) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}
