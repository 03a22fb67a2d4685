package gateway

import (
	"context"
	"encoding/json"
	"io"
	"net"
	"sync"
	"time"

	"github.com/carapace-gateway/carapace/internal/logger"
	"github.com/carapace-gateway/carapace/internal/protocol"
	"github.com/carapace-gateway/carapace/internal/router"
	"github.com/carapace-gateway/carapace/internal/sub"
)

// Conn owns one accepted Unix socket connection's read loop, per spec.md
// §4.2: a malformed line closes the connection; a structurally valid but
// semantically rejected request keeps it open. A per-connection write
// mutex serializes replies against any concurrently streaming
// subscription notifications, so the two never interleave on the wire.
type Conn struct {
	conn    *net.UnixConn
	router  *router.Router
	log     *logger.Logger
	timeout time.Duration

	dec *protocol.Decoder

	writeMu sync.Mutex
	enc     *protocol.Encoder

	mu     sync.Mutex
	subs   map[*sub.Subscription]struct{}
	cancel context.CancelFunc

	closeOnce sync.Once
}

func newConn(c *net.UnixConn, r *router.Router, log *logger.Logger, timeout time.Duration) *Conn {
	return &Conn{
		conn:    c,
		router:  r,
		log:     log,
		timeout: timeout,
		dec:     protocol.NewDecoder(c),
		enc:     protocol.NewEncoder(c),
		subs:    make(map[*sub.Subscription]struct{}),
	}
}

// Serve reads requests until the peer disconnects, ctx is cancelled, or a
// framing error forces the connection closed. It never returns an error;
// failures are logged and result in the connection closing. Subscriptions
// opened via channel.watch run on their own goroutines (per spec.md §4.2's
// "a set of live subscriptions"), so the read loop stays free to serve
// further requests on the same connection while a watch is active.
func (c *Conn) Serve(ctx context.Context) {
	connCtx, cancel := context.WithCancel(ctx)
	c.cancel = cancel
	defer c.Close()
	for {
		line, err := c.dec.ReadLine()
		if err != nil {
			if err == protocol.ErrLineTooLong {
				// A line exceeding the maximum is a framing error: reply
				// with a parse error, then close, per spec.md §4.2.
				c.write(protocol.Fail(protocol.NullID, protocol.CodeParseError, err.Error()))
			} else if err != io.EOF {
				c.log.WarnF("gateway", "connection read failed", map[string]any{"error": err.Error()})
			}
			return
		}

		req, err := protocol.ParseRequest(line)
		if err != nil {
			// Malformed framing: reply with a null-id parse error, then
			// close the connection, per spec.md §4.2.
			c.write(protocol.Fail(protocol.NullID, protocol.CodeParseError, err.Error()))
			return
		}
		if err := req.Validate(); err != nil {
			// Structurally valid JSON but a semantically invalid request
			// keeps the connection open.
			c.write(protocol.Fail(idOrNull(req), protocol.CodeInvalidRequest, err.Error()))
			continue
		}

		if req.Method == "channel.watch" {
			c.startWatch(connCtx, req)
			continue
		}

		reqCtx, cancel := context.WithTimeout(connCtx, c.timeout)
		resp := c.router.Handle(reqCtx, req)
		cancel()
		c.write(resp)
	}
}

// startWatch registers a subscription, replies once on the read loop,
// then hands the notification stream to its own goroutine so the read
// loop can keep serving other requests on this connection, per spec.md
// §4.2/§4.7.
func (c *Conn) startWatch(ctx context.Context, req *protocol.Request) {
	s, resp := c.router.Subscribe(req)
	c.write(resp)
	if s == nil {
		return
	}

	c.mu.Lock()
	c.subs[s] = struct{}{}
	c.mu.Unlock()

	go c.streamSubscription(ctx, s)
}

func (c *Conn) streamSubscription(ctx context.Context, s *sub.Subscription) {
	defer func() {
		c.mu.Lock()
		delete(c.subs, s)
		c.mu.Unlock()
		c.router.Unsubscribe(s.Channel, s.ID)
	}()

	for {
		ev, err := s.Next(ctx)
		if err != nil {
			return
		}
		params, err := json.Marshal(map[string]any{
			"subscription_id": s.ID,
			"event":           ev.Payload,
			"dropped_count":   ev.DroppedCount,
		})
		if err != nil {
			continue
		}
		if err := c.writeNotification(&protocol.Notification{
			JSONRPC: "2.0", Method: "channel.event", Params: params,
		}); err != nil {
			return
		}
	}
}

func (c *Conn) write(resp *protocol.Response) {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := c.enc.WriteResponse(resp); err != nil {
		c.log.WarnF("gateway", "connection write failed", map[string]any{"error": err.Error()})
	}
}

func (c *Conn) writeNotification(note *protocol.Notification) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.enc.WriteNotification(note)
}

// Close closes the underlying socket and every subscription this
// connection owns, exactly once.
func (c *Conn) Close() {
	c.closeOnce.Do(func() {
		if c.cancel != nil {
			c.cancel()
		}
		c.mu.Lock()
		subs := make([]*sub.Subscription, 0, len(c.subs))
		for s := range c.subs {
			subs = append(subs, s)
		}
		c.mu.Unlock()
		for _, s := range subs {
			c.router.Unsubscribe(s.Channel, s.ID)
		}
		c.conn.Close()
	})
}

func idOrNull(req *protocol.Request) []byte {
	if len(req.ID) == 0 {
		return protocol.NullID
	}
	return req.ID
}
