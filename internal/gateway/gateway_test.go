package gateway

import (
	"bufio"
	"context"
	"encoding/json"
	"net"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/carapace-gateway/carapace/internal/adapter"
	"github.com/carapace-gateway/carapace/internal/audit"
	"github.com/carapace-gateway/carapace/internal/config"
	"github.com/carapace-gateway/carapace/internal/logger"
	"github.com/carapace-gateway/carapace/internal/policy"
	"github.com/carapace-gateway/carapace/internal/router"
	"github.com/carapace-gateway/carapace/internal/sub"
)

// watchAdapter is a fake Adapter whose Watch stream is fed manually by
// the test, standing in for a real channel's background event source.
type watchAdapter struct {
	*adapter.Base
	events chan adapter.IncomingMessage
}

func newWatchAdapter(id string) *watchAdapter {
	return &watchAdapter{Base: adapter.NewBase(id), events: make(chan adapter.IncomingMessage, 8)}
}

func (w *watchAdapter) HealthCheck(ctx context.Context) adapter.Health { return adapter.Health{Healthy: true} }
func (w *watchAdapter) Send(ctx context.Context, p adapter.SendParams) (adapter.SendResult, error) {
	return adapter.SendResult{}, nil
}
func (w *watchAdapter) ListChats(ctx context.Context, limit, offset int) (adapter.Page, error) {
	return adapter.Page{}, nil
}
func (w *watchAdapter) GetHistory(ctx context.Context, chatID string, limit int, before int64) (adapter.Page, error) {
	return adapter.Page{}, nil
}
func (w *watchAdapter) Watch(ctx context.Context) (<-chan adapter.IncomingMessage, error) {
	return w.events, nil
}

func testConfig() *config.Config {
	cfg := config.Default()
	cfg.Channels["imsg"] = config.ChannelConfig{
		Enabled:  true,
		Outbound: config.FilterPolicy{Mode: "open"},
		Inbound:  config.FilterPolicy{Mode: "open"},
	}
	return cfg
}

func setup(t *testing.T) (*Listener, *sub.Registry, *watchAdapter, string) {
	dir := t.TempDir()
	cfg := testConfig()
	store := config.NewStore(cfg, "")
	eng := policy.NewEngine(store)
	reg := sub.NewRegistry()
	log := logger.New(logger.ERROR)

	j, err := audit.Open(filepath.Join(dir, "audit.log"), true)
	require.NoError(t, err)
	dl, err := audit.OpenDeadLetterStore(filepath.Join(dir, "dead-letters"))
	require.NoError(t, err)

	wa := newWatchAdapter("imsg")
	r := router.New(store, eng, map[string]adapter.Adapter{"imsg": wa}, j, dl, reg, log, router.Identity{User: "holder", UID: 501})

	sockPath := filepath.Join(dir, "carapace.sock")
	ln := New(Options{Path: sockPath, RequestTimeout: 2 * time.Second}, r, log)
	require.NoError(t, ln.Start())

	return ln, reg, wa, sockPath
}

func dial(t *testing.T, path string) (net.Conn, *bufio.Reader) {
	conn, err := net.Dial("unix", path)
	require.NoError(t, err)
	return conn, bufio.NewReader(conn)
}

func TestPingRoundTripsOverSocket(t *testing.T) {
	ln, _, _, sockPath := setup(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go ln.Serve(ctx)
	defer ln.Shutdown()

	conn, r := dial(t, sockPath)
	defer conn.Close()

	_, err := conn.Write([]byte(`{"jsonrpc":"2.0","id":1,"method":"ping","params":{}}` + "\n"))
	require.NoError(t, err)

	line, err := r.ReadString('\n')
	require.NoError(t, err)
	var resp map[string]any
	require.NoError(t, json.Unmarshal([]byte(line), &resp))
	require.Nil(t, resp["error"])
}

func TestMalformedLineClosesConnection(t *testing.T) {
	ln, _, _, sockPath := setup(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go ln.Serve(ctx)
	defer ln.Shutdown()

	conn, r := dial(t, sockPath)
	defer conn.Close()

	_, err := conn.Write([]byte("not json\n"))
	require.NoError(t, err)

	line, err := r.ReadString('\n')
	require.NoError(t, err)
	var resp map[string]any
	require.NoError(t, json.Unmarshal([]byte(line), &resp))
	require.NotNil(t, resp["error"])

	// The connection must now be closed: a further read hits EOF.
	conn.SetReadDeadline(time.Now().Add(time.Second))
	_, err = r.ReadString('\n')
	require.Error(t, err)
}

func TestWatchFanOutDeliversInOrderToEachConnection(t *testing.T) {
	ln, reg, wa, sockPath := setup(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go ln.Serve(ctx)
	defer ln.Shutdown()

	// A background watch task is what cmd/carapace starts per
	// watch-capable enabled channel; here it drains wa.events into reg.
	store := config.NewStore(testConfig(), "")
	dl, err := audit.OpenDeadLetterStore(filepath.Join(t.TempDir(), "watch-dead-letters"))
	require.NoError(t, err)
	task := NewWatchTask("imsg", wa, policy.NewEngine(store), reg, mustAuditJournal(t), dl, logger.New(logger.ERROR))
	go task.Run(ctx)

	// Two independent connections both subscribe to "imsg", per spec.md
	// §8 scenario 6.
	c1, r1 := dial(t, sockPath)
	defer c1.Close()
	c2, r2 := dial(t, sockPath)
	defer c2.Close()

	watchReq := `{"jsonrpc":"2.0","id":1,"method":"channel.watch","params":{"channel":"imsg"}}` + "\n"
	_, err = c1.Write([]byte(watchReq))
	require.NoError(t, err)
	_, err = c2.Write([]byte(watchReq))
	require.NoError(t, err)

	sub1 := readSubscriptionID(t, r1)
	sub2 := readSubscriptionID(t, r2)
	require.NotEqual(t, sub1, sub2)

	wa.events <- adapter.IncomingMessage{Channel: "imsg", ChatID: "c1", Sender: "+1", Text: "e1", Timestamp: 1}
	wa.events <- adapter.IncomingMessage{Channel: "imsg", ChatID: "c1", Sender: "+1", Text: "e2", Timestamp: 2}
	wa.events <- adapter.IncomingMessage{Channel: "imsg", ChatID: "c1", Sender: "+1", Text: "e3", Timestamp: 3}

	for _, r := range []*bufio.Reader{r1, r2} {
		texts := readEventTexts(t, r, 3)
		require.Equal(t, []string{"e1", "e2", "e3"}, texts)
	}
}

func mustAuditJournal(t *testing.T) *audit.Journal {
	j, err := audit.Open(filepath.Join(t.TempDir(), "watch-audit.log"), true)
	require.NoError(t, err)
	return j
}

func readEventTexts(t *testing.T, r *bufio.Reader, n int) []string {
	texts := make([]string, 0, n)
	for i := 0; i < n; i++ {
		line, err := r.ReadString('\n')
		require.NoError(t, err)
		var note map[string]any
		require.NoError(t, json.Unmarshal([]byte(line), &note))
		require.Equal(t, "channel.event", note["method"])
		params, ok := note["params"].(map[string]any)
		require.True(t, ok)
		event, ok := params["event"].(map[string]any)
		require.True(t, ok)
		text, _ := event["text"].(string)
		texts = append(texts, text)
	}
	return texts
}

func readSubscriptionID(t *testing.T, r *bufio.Reader) string {
	line, err := r.ReadString('\n')
	require.NoError(t, err)
	var resp map[string]any
	require.NoError(t, json.Unmarshal([]byte(line), &resp))
	result, ok := resp["result"].(map[string]any)
	require.True(t, ok)
	id, _ := result["subscription_id"].(string)
	require.NotEmpty(t, id)
	return id
}
