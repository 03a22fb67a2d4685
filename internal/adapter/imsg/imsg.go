// Package imsg wraps a local iMessage CLI helper as a Carapace channel
// adapter, grounded on the teacher's CoreProxy subprocess pattern
// (pkg/core/proxy.go) via internal/adapter/subprocess. The helper binary
// is expected to speak one JSON object per line on stdin/stdout: an
// {op, params} request and an {ok, data, error} reply. The schema is
// fixed; adapter_options supplies only the binary path and timeout.
package imsg

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/carapace-gateway/carapace/internal/adapter"
	"github.com/carapace-gateway/carapace/internal/adapter/subprocess"
)

const channelID = "imsg"

// Options configures the imsg adapter, sourced from the channel's
// adapter_options map.
type Options struct {
	Binary  string        // path to the iMessage helper CLI
	Timeout time.Duration // per-call timeout; defaults to 10s
}

// Adapter drives the iMessage helper CLI.
type Adapter struct {
	*adapter.Base
	opts Options

	watchDriver *subprocess.Driver
}

// New builds an imsg Adapter from opts.
func New(opts Options) *Adapter {
	if opts.Timeout <= 0 {
		opts.Timeout = 10 * time.Second
	}
	return &Adapter{Base: adapter.NewBase(channelID), opts: opts}
}

type rpcCall struct {
	Op     string          `json:"op"`
	Params json.RawMessage `json:"params,omitempty"`
}

type rpcReply struct {
	OK    bool            `json:"ok"`
	Data  json.RawMessage `json:"data,omitempty"`
	Error string          `json:"error,omitempty"`
}

func (a *Adapter) call(ctx context.Context, op string, params any) (rpcReply, error) {
	raw, err := json.Marshal(params)
	if err != nil {
		return rpcReply{}, fmt.Errorf("imsg: marshaling params: %w", err)
	}
	req := rpcCall{Op: op, Params: raw}
	reqLine, err := json.Marshal(req)
	if err != nil {
		return rpcReply{}, fmt.Errorf("imsg: marshaling request: %w", err)
	}

	line, err := subprocess.Call(ctx, a.opts.Binary, nil, string(reqLine), a.opts.Timeout)
	if err != nil {
		return rpcReply{}, &adapter.SendError{Kind: adapter.SendErrTransient, Err: err}
	}

	var reply rpcReply
	if err := json.Unmarshal([]byte(line), &reply); err != nil {
		return rpcReply{}, fmt.Errorf("imsg: parsing helper reply: %w", err)
	}
	if !reply.OK {
		return rpcReply{}, &adapter.SendError{Kind: adapter.SendErrNonRetryable, Err: fmt.Errorf("imsg helper: %s", reply.Error)}
	}
	return reply, nil
}

// HealthCheck pings the helper binary with a no-op op.
func (a *Adapter) HealthCheck(ctx context.Context) adapter.Health {
	if a.opts.Binary == "" {
		return adapter.Health{Healthy: false, Detail: "imsg helper binary not configured"}
	}
	if _, err := a.call(ctx, "ping", struct{}{}); err != nil {
		return adapter.Health{Healthy: false, Detail: err.Error()}
	}
	return adapter.Health{Healthy: true}
}

// Send delivers an outbound iMessage via the helper's "send" op.
func (a *Adapter) Send(ctx context.Context, params adapter.SendParams) (adapter.SendResult, error) {
	reply, err := a.call(ctx, "send", map[string]any{
		"recipient":   params.Recipient,
		"message":     params.Message,
		"attachments": params.Attachments,
	})
	if err != nil {
		return adapter.SendResult{}, err
	}
	var data struct {
		MessageID string `json:"message_id"`
		Timestamp int64  `json:"timestamp"`
	}
	if err := json.Unmarshal(reply.Data, &data); err != nil {
		return adapter.SendResult{}, fmt.Errorf("imsg: parsing send result: %w", err)
	}
	return adapter.SendResult{MessageID: data.MessageID, Timestamp: data.Timestamp}, nil
}

// ListChats lists conversations via the helper's "list_chats" op.
func (a *Adapter) ListChats(ctx context.Context, limit, offset int) (adapter.Page, error) {
	reply, err := a.call(ctx, "list_chats", map[string]any{"limit": limit, "offset": offset})
	if err != nil {
		return adapter.Page{}, err
	}
	return decodePage(reply.Data)
}

// GetHistory retrieves message history via the helper's "get_history" op.
func (a *Adapter) GetHistory(ctx context.Context, chatID string, limit int, before int64) (adapter.Page, error) {
	reply, err := a.call(ctx, "get_history", map[string]any{
		"chat_id": chatID,
		"limit":   limit,
		"before":  before,
	})
	if err != nil {
		return adapter.Page{}, err
	}
	return decodePage(reply.Data)
}

// Watch spawns a long-lived helper subprocess in "watch" mode and
// bridges its stdout lines to an IncomingMessage channel. Each call
// starts a fresh child; the previous stream, if any, must have already
// been stopped by the caller cancelling its context.
func (a *Adapter) Watch(ctx context.Context) (<-chan adapter.IncomingMessage, error) {
	driver := subprocess.New(a.opts.Binary, "--watch")
	if err := driver.Start(ctx); err != nil {
		return nil, fmt.Errorf("imsg: starting watch subprocess: %w", err)
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
			var msg struct {
				ChatID      string   `json:"chat_id"`
				Sender      string   `json:"sender"`
				Text        string   `json:"text"`
				Timestamp   int64    `json:"timestamp"`
				Attachments []string `json:"attachments"`
				IsFromMe    bool     `json:"is_from_me"`
			}
			if err := json.Unmarshal([]byte(line), &msg); err != nil {
				continue
			}
			select {
			case out <- adapter.IncomingMessage{
				Channel:     channelID,
				ChatID:      msg.ChatID,
				Sender:      msg.Sender,
				Text:        msg.Text,
				Timestamp:   msg.Timestamp,
				Attachments: msg.Attachments,
				IsFromMe:    msg.IsFromMe,
			}:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, nil
}

func decodePage(raw json.RawMessage) (adapter.Page, error) {
	var data struct {
		Items   []any `json:"items"`
		HasMore bool  `json:"has_more"`
	}
	if err := json.Unmarshal(raw, &data); err != nil {
		return adapter.Page{}, fmt.Errorf("imsg: parsing page: %w", err)
	}
	return adapter.Page{Items: data.Items, HasMore: data.HasMore}, nil
}
