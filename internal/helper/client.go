// client.go provides a persistent connection to the privileged helper via Unix socket.
// The helper runs as root and performs pool and filesystem operations on our behalf.
//
// A Conn multiplexes any number of concurrent calls over one socket. Any
// socket failure invalidates it: Done is closed and every outstanding call
// returns an error wrapping ErrClosed. An invalidated Conn is not reused.
package helper

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/doughall/zfsbroker/internal/codec"
)

const (
	dialTimeout  = 5 * time.Second
	writeTimeout = 10 * time.Second
)

// ErrClosed is wrapped by every error caused by the channel going away.
var ErrClosed = errors.New("helper channel closed")

// Conn is a live channel to the helper.
type Conn struct {
	conn   net.Conn
	logger *slog.Logger

	writeMu sync.Mutex
	enc     *codec.Encoder

	mu      sync.Mutex
	nextID  uint64
	pending map[uint64]chan *Response
	err     error

	done      chan struct{}
	closeOnce sync.Once
}

// Dial connects to the helper listening on socketPath.
// It does not perform the handshake; call Hello for that.
func Dial(ctx context.Context, socketPath string, logger *slog.Logger) (*Conn, error) {
	dialer := net.Dialer{Timeout: dialTimeout}
	nc, err := dialer.DialContext(ctx, "unix", socketPath)
	if err != nil {
		return nil, fmt.Errorf("dial helper at %s: %w", socketPath, err)
	}
	return newConn(nc, logger), nil
}

func newConn(nc net.Conn, logger *slog.Logger) *Conn {
	c := &Conn{
		conn:    nc,
		logger:  logger.With(slog.String("component", "helper-conn")),
		enc:     codec.NewEncoder(nc),
		pending: make(map[uint64]chan *Response),
		done:    make(chan struct{}),
	}
	go c.readLoop()
	return c
}

// Hello performs the version handshake.
func (c *Conn) Hello(ctx context.Context, brokerVersion string) (HelloReply, error) {
	var reply HelloReply
	err := c.Call(ctx, CommandHello, Hello{BrokerVersion: brokerVersion}, &reply)
	return reply, err
}

// Call sends a command with payload and waits for its single reply.
// A helper-reported failure is returned as *RemoteError. If result is non-nil
// and the reply carries data, the data is decoded into it.
func (c *Conn) Call(ctx context.Context, command Command, payload any, result any) error {
	var raw codec.RawMessage
	if payload != nil {
		data, err := codec.Marshal(payload)
		if err != nil {
			return fmt.Errorf("encode %s payload: %w", command, err)
		}
		raw = data
	}

	replyCh := make(chan *Response, 1)

	c.mu.Lock()
	if c.err != nil {
		err := c.err
		c.mu.Unlock()
		return err
	}
	c.nextID++
	id := c.nextID
	c.pending[id] = replyCh
	c.mu.Unlock()

	c.writeMu.Lock()
	c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	err := c.enc.Encode(&Request{ID: id, Command: command, Payload: raw})
	c.writeMu.Unlock()
	if err != nil {
		c.forget(id)
		c.fail(fmt.Errorf("write %s request: %w", command, err))
		return c.Err()
	}

	var resp *Response
	select {
	case resp = <-replyCh:
	case <-c.done:
		// The reply may have landed just before the channel died.
		select {
		case resp = <-replyCh:
		default:
			return c.Err()
		}
	case <-ctx.Done():
		c.forget(id)
		return ctx.Err()
	}

	if !resp.OK {
		return &RemoteError{Command: command, Code: resp.Code, Message: resp.Error}
	}
	if result != nil && len(resp.Data) > 0 {
		if err := codec.Unmarshal(resp.Data, result); err != nil {
			return fmt.Errorf("decode %s reply: %w", command, err)
		}
	}
	return nil
}

// Done is closed once the channel is invalidated.
func (c *Conn) Done() <-chan struct{} {
	return c.done
}

// Err reports why the channel was invalidated, or nil while it is live.
func (c *Conn) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

// Close invalidates the channel. Outstanding calls fail with ErrClosed.
func (c *Conn) Close() error {
	c.fail(errors.New("closed by broker"))
	return nil
}

func (c *Conn) readLoop() {
	dec := codec.NewDecoder(c.conn)
	for {
		var resp Response
		if err := dec.Decode(&resp); err != nil {
			c.fail(fmt.Errorf("read response: %w", err))
			return
		}

		c.mu.Lock()
		replyCh, ok := c.pending[resp.ID]
		delete(c.pending, resp.ID)
		c.mu.Unlock()

		if !ok {
			// Caller gave up (context cancelled) before the reply arrived.
			c.logger.Debug("dropping reply for unknown request",
				slog.Uint64("id", resp.ID),
			)
			continue
		}
		replyCh <- &resp
	}
}

func (c *Conn) forget(id uint64) {
	c.mu.Lock()
	delete(c.pending, id)
	c.mu.Unlock()
}

func (c *Conn) fail(cause error) {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.err = fmt.Errorf("%w: %v", ErrClosed, cause)
		outstanding := len(c.pending)
		c.mu.Unlock()

		close(c.done)
		c.conn.Close()

		c.logger.Debug("helper channel invalidated",
			slog.String("cause", cause.Error()),
			slog.Int("outstanding", outstanding),
		)
	})
}
