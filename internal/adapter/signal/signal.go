// Package signal wraps signal-cli's JSON-RPC mode as a Carapace channel
// adapter. Unlike imsg's ad hoc helper protocol, signal-cli's --json-rpc
// mode already speaks newline-delimited JSON-RPC 2.0 on stdio, so this
// adapter maps Carapace's adapter.Adapter methods directly onto
// signal-cli's own method names rather than inventing a private schema.
package signal

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/carapace-gateway/carapace/internal/adapter"
	"github.com/carapace-gateway/carapace/internal/adapter/subprocess"
)

const channelID = "signal"

// Options configures the signal adapter.
type Options struct {
	Binary  string        // path to signal-cli
	Account string        // the registered phone number signal-cli operates as
	Timeout time.Duration // per-call timeout; defaults to 15s (signal-cli is slower than imsg's local helper)
}

// Adapter drives signal-cli in JSON-RPC mode.
type Adapter struct {
	*adapter.Base
	opts        Options
	watchDriver *subprocess.Driver
	nextID      int
}

// New builds a signal Adapter from opts.
func New(opts Options) *Adapter {
	if opts.Timeout <= 0 {
		opts.Timeout = 15 * time.Second
	}
	return &Adapter{Base: adapter.NewBase(channelID), opts: opts}
}

type jsonrpcReq struct {
	JSONRPC string `json:"jsonrpc"`
	ID      int    `json:"id"`
	Method  string `json:"method"`
	Params  any    `json:"params,omitempty"`
}

type jsonrpcResp struct {
	ID     int             `json:"id"`
	Result json.RawMessage `json:"result,omitempty"`
	Error  *struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
	} `json:"error,omitempty"`
}

func (a *Adapter) baseArgs() []string {
	args := []string{}
	if a.opts.Account != "" {
		args = append(args, "-a", a.opts.Account)
	}
	return append(args, "--json-rpc")
}

func (a *Adapter) call(ctx context.Context, method string, params any) (jsonrpcResp, error) {
	a.nextID++
	req := jsonrpcReq{JSONRPC: "2.0", ID: a.nextID, Method: method, Params: params}
	reqLine, err := json.Marshal(req)
	if err != nil {
		return jsonrpcResp{}, fmt.Errorf("signal: marshaling request: %w", err)
	}

	line, err := subprocess.Call(ctx, a.opts.Binary, a.baseArgs(), string(reqLine), a.opts.Timeout)
	if err != nil {
		return jsonrpcResp{}, &adapter.SendError{Kind: adapter.SendErrTransient, Err: err}
	}

	var resp jsonrpcResp
	if err := json.Unmarshal([]byte(line), &resp); err != nil {
		return jsonrpcResp{}, fmt.Errorf("signal: parsing signal-cli reply: %w", err)
	}
	if resp.Error != nil {
		return jsonrpcResp{}, &adapter.SendError{Kind: adapter.SendErrNonRetryable, Err: fmt.Errorf("signal-cli: %s", resp.Error.Message)}
	}
	return resp, nil
}

// HealthCheck calls signal-cli's "version" method.
func (a *Adapter) HealthCheck(ctx context.Context) adapter.Health {
	if a.opts.Binary == "" || a.opts.Account == "" {
		return adapter.Health{Healthy: false, Detail: "signal-cli binary or account not configured"}
	}
	if _, err := a.call(ctx, "version", nil); err != nil {
		return adapter.Health{Healthy: false, Detail: err.Error()}
	}
	return adapter.Health{Healthy: true}
}

// Send delivers an outbound message via signal-cli's "send" method.
func (a *Adapter) Send(ctx context.Context, params adapter.SendParams) (adapter.SendResult, error) {
	resp, err := a.call(ctx, "send", map[string]any{
		"recipient":   []string{params.Recipient},
		"message":     params.Message,
		"attachments": params.Attachments,
	})
	if err != nil {
		return adapter.SendResult{}, err
	}
	var result struct {
		Timestamp int64 `json:"timestamp"`
	}
	if err := json.Unmarshal(resp.Result, &result); err != nil {
		return adapter.SendResult{}, fmt.Errorf("signal: parsing send result: %w", err)
	}
	return adapter.SendResult{
		MessageID: fmt.Sprintf("%d", result.Timestamp),
		Timestamp: result.Timestamp,
	}, nil
}

// ListChats lists known conversations via signal-cli's "listContacts"
// and "listGroups" methods, merged into one page.
func (a *Adapter) ListChats(ctx context.Context, limit, offset int) (adapter.Page, error) {
	contactsResp, err := a.call(ctx, "listContacts", nil)
	if err != nil {
		return adapter.Page{}, err
	}
	groupsResp, err := a.call(ctx, "listGroups", nil)
	if err != nil {
		return adapter.Page{}, err
	}

	var contacts []any
	var groups []any
	_ = json.Unmarshal(contactsResp.Result, &contacts)
	_ = json.Unmarshal(groupsResp.Result, &groups)

	all := append(contacts, groups...)
	hasMore := false
	if offset < len(all) {
		all = all[offset:]
	} else {
		all = nil
	}
	if limit > 0 && len(all) > limit {
		all = all[:limit]
		hasMore = true
	}
	return adapter.Page{Items: all, HasMore: hasMore}, nil
}

// GetHistory is not supported by signal-cli's JSON-RPC mode: signal-cli
// exposes live receive only, not a history query. It reports
// SendErrNotConfigured so the router surfaces -32004 rather than
// pretending to return an empty page.
func (a *Adapter) GetHistory(ctx context.Context, chatID string, limit int, before int64) (adapter.Page, error) {
	return adapter.Page{}, &adapter.SendError{
		Kind: adapter.SendErrNotConfigured,
		Err:  fmt.Errorf("signal: get_history is not supported by signal-cli"),
	}
}

// Watch spawns a long-lived signal-cli receive subprocess and bridges
// its "receive" notifications to an IncomingMessage channel.
func (a *Adapter) Watch(ctx context.Context) (<-chan adapter.IncomingMessage, error) {
	args := a.baseArgs()
	driver := subprocess.New(a.opts.Binary, args...)
	if err := driver.Start(ctx); err != nil {
		return nil, fmt.Errorf("signal: starting watch subprocess: %w", err)
	}
	a.watchDriver = driver
	a.SetRunning(true)

	out := make(chan adapter.IncomingMessage, 32)
	go func() {
		defer close(out)
		defer a.SetRunning(false)
		defer driver.Stop()
		for {
			line, err := driver.ReadLine()
			if err != nil {
				return
			}
			var notif struct {
				Method string `json:"method"`
				Params struct {
					Envelope struct {
						Source    string `json:"source"`
						Timestamp int64  `json:"timestamp"`
						DataMessage *struct {
							Message    string   `json:"message"`
							GroupInfo  *struct {
								GroupID string `json:"groupId"`
							} `json:"groupInfo"`
						} `json:"dataMessage"`
					} `json:"envelope"`
				} `json:"params"`
			}
			if err := json.Unmarshal([]byte(line), &notif); err != nil {
				continue
			}
			if notif.Method != "receive" || notif.Params.Envelope.DataMessage == nil {
				continue
			}
			env := notif.Params.Envelope
			chatID := env.Source
			if env.DataMessage.GroupInfo != nil {
				chatID = env.DataMessage.GroupInfo.GroupID
			}
			select {
			case out <- adapter.IncomingMessage{
				Channel:   channelID,
				ChatID:    chatID,
				Sender:    env.Source,
				Text:      env.DataMessage.Message,
				Timestamp: env.Timestamp,
			}:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, nil
}
