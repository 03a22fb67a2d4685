package router

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/carapace-gateway/carapace/internal/adapter"
	"github.com/carapace-gateway/carapace/internal/audit"
	"github.com/carapace-gateway/carapace/internal/config"
	"github.com/carapace-gateway/carapace/internal/logger"
	"github.com/carapace-gateway/carapace/internal/policy"
	"github.com/carapace-gateway/carapace/internal/protocol"
	"github.com/carapace-gateway/carapace/internal/sub"
)

// fakeAdapter is a minimal Adapter used to test the router without
// touching any real channel.
type fakeAdapter struct {
	*adapter.Base
	sendErr error
}

func newFakeAdapter(id string) *fakeAdapter {
	return &fakeAdapter{Base: adapter.NewBase(id)}
}

func (f *fakeAdapter) HealthCheck(ctx context.Context) adapter.Health { return adapter.Health{Healthy: true} }
func (f *fakeAdapter) Send(ctx context.Context, p adapter.SendParams) (adapter.SendResult, error) {
	if f.sendErr != nil {
		return adapter.SendResult{}, f.sendErr
	}
	return adapter.SendResult{MessageID: "m1", Timestamp: 1700000000}, nil
}
func (f *fakeAdapter) ListChats(ctx context.Context, limit, offset int) (adapter.Page, error) {
	return adapter.Page{}, nil
}
func (f *fakeAdapter) GetHistory(ctx context.Context, chatID string, limit int, before int64) (adapter.Page, error) {
	return adapter.Page{}, nil
}
func (f *fakeAdapter) Watch(ctx context.Context) (<-chan adapter.IncomingMessage, error) {
	return nil, nil
}

func newTestRouter(t *testing.T, cfg *config.Config, adapters map[string]adapter.Adapter) (*Router, *audit.Journal, string) {
	dir := t.TempDir()
	auditPath := filepath.Join(dir, "audit.log")
	dlDir := filepath.Join(dir, "dead-letters")

	j, err := audit.Open(auditPath, true)
	require.NoError(t, err)
	dl, err := audit.OpenDeadLetterStore(dlDir)
	require.NoError(t, err)

	store := config.NewStore(cfg, "")
	eng := policy.NewEngine(store)
	reg := sub.NewRegistry()
	log := logger.New(logger.ERROR)

	r := New(store, eng, adapters, j, dl, reg, log, Identity{User: "holder", UID: 501})
	return r, j, auditPath
}

func baseConfig() *config.Config {
	cfg := config.Default()
	cfg.Channels["imsg"] = config.ChannelConfig{
		Enabled:  true,
		Outbound: config.FilterPolicy{Mode: "allowlist", Allowlist: []string{"+14155550100"}},
		Inbound:  config.FilterPolicy{Mode: "open"},
	}
	return cfg
}

func req(t *testing.T, id int, method string, params any) *protocol.Request {
	raw, err := json.Marshal(params)
	require.NoError(t, err)
	idRaw, err := json.Marshal(id)
	require.NoError(t, err)
	return &protocol.Request{JSONRPC: "2.0", ID: idRaw, Method: method, Params: raw}
}

func TestPingReturnsPong(t *testing.T) {
	r, _, _ := newTestRouter(t, baseConfig(), map[string]adapter.Adapter{})
	resp := r.Handle(context.Background(), req(t, 1, "ping", map[string]any{}))
	require.Nil(t, resp.Error)
	var result map[string]any
	require.NoError(t, json.Unmarshal(resp.Result, &result))
	require.Equal(t, true, result["pong"])
}

func TestAllowedSendWritesAllowedAuditLineAndNoDeadLetter(t *testing.T) {
	cfg := baseConfig()
	r, _, auditPath := newTestRouter(t, cfg, map[string]adapter.Adapter{"imsg": newFakeAdapter("imsg")})

	resp := r.Handle(context.Background(), req(t, 2, "channel.send", map[string]any{
		"channel": "imsg", "recipient": "+14155550100", "message": "hi",
	}))
	require.Nil(t, resp.Error)
	var result map[string]any
	require.NoError(t, json.Unmarshal(resp.Result, &result))
	require.Equal(t, true, result["success"])

	data, err := os.ReadFile(auditPath)
	require.NoError(t, err)
	require.Contains(t, string(data), `"status":"allowed"`)
	require.NotContains(t, string(data), `"status":"blocked"`)

	deadLetters, err := os.ReadDir(filepath.Join(filepath.Dir(auditPath), "dead-letters"))
	require.NoError(t, err)
	require.Empty(t, deadLetters)
}

func TestDeniedSendNotInAllowlist(t *testing.T) {
	cfg := baseConfig()
	r, _, auditPath := newTestRouter(t, cfg, map[string]adapter.Adapter{"imsg": newFakeAdapter("imsg")})

	resp := r.Handle(context.Background(), req(t, 3, "channel.send", map[string]any{
		"channel": "imsg", "recipient": "+14155559999", "message": "hi",
	}))
	require.NotNil(t, resp.Error)
	require.Equal(t, protocol.CodeNotInAllowlist, resp.Error.Code)

	data, err := os.ReadFile(auditPath)
	require.NoError(t, err)
	require.Contains(t, string(data), "not_in_allowlist")
	require.Contains(t, string(data), `"status":"blocked"`)
}

func TestRateLimitExhaustion(t *testing.T) {
	cfg := baseConfig()
	cfg.Security.RateLimit["imsg"] = config.RateLimit{Requests: 2, WindowSeconds: 60}
	r, _, _ := newTestRouter(t, cfg, map[string]adapter.Adapter{"imsg": newFakeAdapter("imsg")})

	var codes []int
	for i := 0; i < 3; i++ {
		resp := r.Handle(context.Background(), req(t, 10+i, "channel.send", map[string]any{
			"channel": "imsg", "recipient": "+14155550100", "message": "hi",
		}))
		if resp.Error != nil {
			codes = append(codes, resp.Error.Code)
		} else {
			codes = append(codes, 0)
		}
	}
	require.Equal(t, []int{0, 0, protocol.CodeRateLimited}, codes)
}

func TestContentBlockRejectsMatchingBody(t *testing.T) {
	cfg := baseConfig()
	cfg.Security.ContentFilter.Enabled = true
	cfg.Security.ContentFilter.Patterns = []config.ContentRule{{Pattern: `(?i)password\s*[:=]`, Action: "block"}}
	require.NoError(t, cfg.Validate())

	r, _, _ := newTestRouter(t, cfg, map[string]adapter.Adapter{"imsg": newFakeAdapter("imsg")})

	resp := r.Handle(context.Background(), req(t, 4, "channel.send", map[string]any{
		"channel": "imsg", "recipient": "+14155550100", "message": "my password: x",
	}))
	require.NotNil(t, resp.Error)
	require.Equal(t, protocol.CodeContentBlocked, resp.Error.Code)

	resp2 := r.Handle(context.Background(), req(t, 5, "channel.send", map[string]any{
		"channel": "imsg", "recipient": "+14155550100", "message": "hello",
	}))
	require.Nil(t, resp2.Error)
}

func TestUnknownMethodReturnsMethodNotFound(t *testing.T) {
	r, _, _ := newTestRouter(t, baseConfig(), map[string]adapter.Adapter{})
	resp := r.Handle(context.Background(), req(t, 6, "bogus.method", map[string]any{}))
	require.NotNil(t, resp.Error)
	require.Equal(t, protocol.CodeMethodNotFound, resp.Error.Code)
}

func TestWhoamiReportsConfiguredIdentity(t *testing.T) {
	r, _, _ := newTestRouter(t, baseConfig(), map[string]adapter.Adapter{})
	resp := r.Handle(context.Background(), req(t, 7, "admin.whoami", map[string]any{}))
	require.Nil(t, resp.Error)
	var result map[string]any
	require.NoError(t, json.Unmarshal(resp.Result, &result))
	require.Equal(t, "holder", result["user"])
}

func TestSendToUnconfiguredChannelReturnsChannelUnavailable(t *testing.T) {
	cfg := baseConfig()
	r, _, _ := newTestRouter(t, cfg, map[string]adapter.Adapter{}) // no adapters registered
	resp := r.Handle(context.Background(), req(t, 8, "channel.send", map[string]any{
		"channel": "imsg", "recipient": "+14155550100", "message": "hi",
	}))
	require.NotNil(t, resp.Error)
	require.Equal(t, protocol.CodeChannelUnavailable, resp.Error.Code)
}
