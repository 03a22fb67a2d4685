// Package gateway implements Carapace's endpoint listener and
// per-connection protocol loop (spec.md §4.1, §4.2), adapted from the
// teacher's gateway command's startup/shutdown sequencing
// (cmd/picoclaw/internal/gateway/helpers.go) — bind, accept, serve,
// drain on signal — generalized from an HTTP+agent-loop daemon to a
// Unix-socket JSON-RPC daemon.
package gateway

import (
	"context"
	"fmt"
	"net"
	"os"
	"os/user"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"github.com/carapace-gateway/carapace/internal/logger"
	"github.com/carapace-gateway/carapace/internal/router"
)

// Listener owns the Unix socket endpoint and the accept loop.
type Listener struct {
	path           string
	clientGroup    string
	maxConnections int
	requestTimeout time.Duration

	router *router.Router
	log    *logger.Logger

	listener *net.UnixListener

	mu       sync.Mutex
	conns    map[*Conn]struct{}
	shutdown bool
}

// Options configures a Listener.
type Options struct {
	Path           string
	ClientGroup    string // group name or gid string granted socket access
	MaxConnections int
	RequestTimeout time.Duration
}

// New builds a Listener bound to no socket yet; call Start to bind.
func New(opts Options, r *router.Router, log *logger.Logger) *Listener {
	if opts.MaxConnections <= 0 {
		opts.MaxConnections = 256
	}
	if opts.RequestTimeout <= 0 {
		opts.RequestTimeout = 30 * time.Second
	}
	return &Listener{
		path:           opts.Path,
		clientGroup:    opts.ClientGroup,
		maxConnections: opts.MaxConnections,
		requestTimeout: opts.RequestTimeout,
		router:         r,
		log:            log,
		conns:          make(map[*Conn]struct{}),
	}
}

// Start binds the endpoint: removes a stale socket file, binds, fixes
// mode to 0770, and (when running privileged enough) fixes group
// ownership to clientGroup, per spec.md §4.1/§6.
func (l *Listener) Start() error {
	if err := removeStaleSocket(l.path); err != nil {
		return fmt.Errorf("gateway: clearing stale endpoint: %w", err)
	}

	dir := filepath.Dir(l.path)
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return fmt.Errorf("gateway: creating endpoint directory: %w", err)
	}

	addr, err := net.ResolveUnixAddr("unix", l.path)
	if err != nil {
		return fmt.Errorf("gateway: resolving endpoint path: %w", err)
	}
	ln, err := net.ListenUnix("unix", addr)
	if err != nil {
		return fmt.Errorf("gateway: binding endpoint: %w", err)
	}
	l.listener = ln

	if err := os.Chmod(l.path, 0o770); err != nil {
		ln.Close()
		return fmt.Errorf("gateway: chmod endpoint: %w", err)
	}
	if l.clientGroup != "" {
		if err := chownToGroup(l.path, l.clientGroup); err != nil {
			l.log.WarnF("gateway", "could not set endpoint group ownership", map[string]any{"error": err.Error()})
		}
	}

	l.log.InfoF("gateway", "endpoint listening", map[string]any{"path": l.path})
	return nil
}

// Serve runs the accept loop until ctx is cancelled. It never blocks
// per-connection work on the acceptor goroutine, per spec.md §4.1.
func (l *Listener) Serve(ctx context.Context) error {
	go func() {
		<-ctx.Done()
		l.listener.Close()
	}()

	backoff := 5 * time.Millisecond
	const maxBackoff = 1 * time.Second

	for {
		conn, err := l.listener.AcceptUnix()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				time.Sleep(backoff)
				backoff = min(backoff*2, maxBackoff)
				continue
			}
			return fmt.Errorf("gateway: accept failed: %w", err)
		}
		backoff = 5 * time.Millisecond

		l.mu.Lock()
		tooMany := len(l.conns) >= l.maxConnections
		l.mu.Unlock()
		if tooMany {
			conn.Close()
			continue
		}

		c := newConn(conn, l.router, l.log, l.requestTimeout)
		l.mu.Lock()
		l.conns[c] = struct{}{}
		l.mu.Unlock()

		go func() {
			c.Serve(ctx)
			l.mu.Lock()
			delete(l.conns, c)
			l.mu.Unlock()
		}()
	}
}

// Shutdown stops accepting, closes every live connection, and removes
// the endpoint file, per spec.md §5's graceful-shutdown sequence.
func (l *Listener) Shutdown() error {
	l.mu.Lock()
	l.shutdown = true
	conns := make([]*Conn, 0, len(l.conns))
	for c := range l.conns {
		conns = append(conns, c)
	}
	l.mu.Unlock()

	for _, c := range conns {
		c.Close()
	}
	if l.listener != nil {
		l.listener.Close()
	}
	if err := os.Remove(l.path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("gateway: removing endpoint file: %w", err)
	}
	return nil
}

func removeStaleSocket(path string) error {
	info, err := os.Stat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	if info.Mode()&os.ModeSocket == 0 {
		return fmt.Errorf("%s exists and is not a socket", path)
	}
	if _, err := net.Dial("unix", path); err == nil {
		return fmt.Errorf("%s is already in use by a running gateway", path)
	}
	return os.Remove(path)
}

func chownToGroup(path, group string) error {
	gid, err := resolveGID(group)
	if err != nil {
		return err
	}
	return os.Chown(path, -1, gid)
}

func resolveGID(group string) (int, error) {
	if gid, err := strconv.Atoi(group); err == nil {
		return gid, nil
	}
	g, err := user.LookupGroup(group)
	if err != nil {
		return 0, err
	}
	return strconv.Atoi(g.Gid)
}

func min(a, b time.Duration) time.Duration {
	if a < b {
		return a
	}
	return b
}
