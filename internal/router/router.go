// Package router implements Carapace's fixed method table (spec.md
// §4.3): it binds protocol requests to policy checks, channel adapters,
// audit writes, and the subscription registry. The router is the only
// component that consults both policy and adapters, so adapters never
// need to know about policy state.
package router

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/carapace-gateway/carapace/internal/adapter"
	"github.com/carapace-gateway/carapace/internal/audit"
	"github.com/carapace-gateway/carapace/internal/config"
	"github.com/carapace-gateway/carapace/internal/logger"
	"github.com/carapace-gateway/carapace/internal/policy"
	"github.com/carapace-gateway/carapace/internal/protocol"
	"github.com/carapace-gateway/carapace/internal/sub"
)

// Identity carries the process-level whoami facts the admin.whoami
// method reports, resolved once at startup since the holder identity
// never changes for the life of the process.
type Identity struct {
	User string
	UID  int
}

// Router dispatches requests against the fixed method table.
type Router struct {
	store     *config.Store
	policy    *policy.Engine
	adapters  map[string]adapter.Adapter
	audit     *audit.Journal
	deadLetter *audit.DeadLetterStore
	registry  *sub.Registry
	log       *logger.Logger
	identity  Identity
	startTime time.Time
}

// New builds a Router. adapters maps channel id to its Adapter
// implementation; only channels present here can ever be dispatched to,
// regardless of config, since an adapter that failed to construct at
// startup is simply absent from the map.
func New(store *config.Store, eng *policy.Engine, adapters map[string]adapter.Adapter, j *audit.Journal, dl *audit.DeadLetterStore, registry *sub.Registry, log *logger.Logger, identity Identity) *Router {
	return &Router{
		store:      store,
		policy:     eng,
		adapters:   adapters,
		audit:      j,
		deadLetter: dl,
		registry:   registry,
		log:        log,
		identity:   identity,
		startTime:  time.Now(),
	}
}

// Handle dispatches one request and returns the response to write back.
// It never panics on a well-formed request; adapter and internal errors
// are converted to protocol error responses.
func (r *Router) Handle(ctx context.Context, req *protocol.Request) *protocol.Response {
	switch req.Method {
	case "ping":
		return r.success(req.ID, map[string]any{"pong": true})
	case "admin.whoami":
		return r.handleWhoami(req)
	case "channel.send":
		return r.handleSend(ctx, req)
	case "channel.list_chats":
		return r.handleListChats(ctx, req)
	case "channel.get_history":
		return r.handleGetHistory(ctx, req)
	case "channel.status":
		return r.handleStatus(ctx, req)
	case "admin.get_dead_letters":
		return r.handleGetDeadLetters(req)
	case "admin.reload_config":
		return r.handleReloadConfig(req)
	case "channel.watch":
		// channel.watch streams notifications after its initial reply, so
		// it cannot be served through Handle's single-response shape; the
		// connection layer calls Subscribe directly. Reaching this case
		// means a caller dispatched it through Handle anyway.
		return protocol.Fail(req.ID, protocol.CodeInternalError, "channel.watch must be handled by the connection layer")
	default:
		return protocol.Fail(req.ID, protocol.CodeMethodNotFound, fmt.Sprintf("unknown method %q", req.Method))
	}
}

func (r *Router) handleWhoami(req *protocol.Request) *protocol.Response {
	return r.success(req.ID, map[string]any{
		"user": r.identity.User,
		"uid":  r.identity.UID,
	})
}

type sendParams struct {
	Channel     string   `json:"channel"`
	Recipient   string   `json:"recipient"`
	Message     string   `json:"message"`
	Attachments []string `json:"attachments,omitempty"`
	Subject     string   `json:"subject,omitempty"`
	ThreadID    string   `json:"thread_id,omitempty"`
}

func (r *Router) handleSend(ctx context.Context, req *protocol.Request) *protocol.Response {
	var p sendParams
	if err := json.Unmarshal(req.Params, &p); err != nil {
		return protocol.Fail(req.ID, protocol.CodeInvalidParams, "invalid channel.send params")
	}
	if p.Channel == "" || p.Recipient == "" {
		return protocol.Fail(req.ID, protocol.CodeInvalidParams, "channel.send requires channel and recipient")
	}

	result := r.policy.CheckOutbound(p.Channel, p.Recipient, p.Message)
	if !result.Allowed {
		r.recordBlocked(p.Channel, "send", p.Recipient, result.Reason, []byte(p.Message))
		return protocol.Fail(req.ID, result.Code, result.Reason)
	}
	if result.WarnRule != "" {
		r.audit.Append(audit.Record{
			Timestamp: time.Now().UTC(), Action: "send", Channel: p.Channel, Direction: "outbound",
			Target: p.Recipient, Status: audit.StatusAllowed, Reason: "warn:" + result.WarnRule,
		})
	}

	ad, ok := r.adapters[p.Channel]
	if !ok {
		r.audit.Append(audit.Record{
			Timestamp: time.Now().UTC(), Action: "send", Channel: p.Channel, Direction: "outbound",
			Target: p.Recipient, Status: audit.StatusError, Reason: "channel not configured",
		})
		return protocol.Fail(req.ID, protocol.CodeChannelUnavailable, "channel not configured")
	}

	sendRes, err := ad.Send(ctx, adapter.SendParams{
		Recipient:   p.Recipient,
		Message:     p.Message,
		Attachments: p.Attachments,
		Extra:       map[string]any{"subject": p.Subject, "thread_id": p.ThreadID},
	})
	if err != nil {
		return r.handleSendError(req, p, err)
	}

	r.audit.Append(audit.Record{
		Timestamp: time.Now().UTC(), Action: "send", Channel: p.Channel, Direction: "outbound",
		Target: p.Recipient, Status: audit.StatusAllowed, RequestID: idString(req.ID),
	})
	return r.success(req.ID, map[string]any{
		"success":    true,
		"message_id": sendRes.MessageID,
		"timestamp":  sendRes.Timestamp,
	})
}

func (r *Router) handleSendError(req *protocol.Request, p sendParams, err error) *protocol.Response {
	code := protocol.CodeSendFailed
	reason := err.Error()
	se, _ := err.(*adapter.SendError)
	if se != nil && se.Kind == adapter.SendErrNotConfigured {
		code = protocol.CodeChannelUnavailable
	}

	r.audit.Append(audit.Record{
		Timestamp: time.Now().UTC(), Action: "send", Channel: p.Channel, Direction: "outbound",
		Target: p.Recipient, Status: audit.StatusError, Reason: reason, RequestID: idString(req.ID),
	})
	if se != nil && se.Kind == adapter.SendErrTransient {
		return protocol.FailWithData(req.ID, code, reason, map[string]any{"hint": "transient failure; try again"})
	}
	return protocol.Fail(req.ID, code, reason)
}

type listChatsParams struct {
	Channel string `json:"channel"`
	Limit   int    `json:"limit,omitempty"`
	Offset  int    `json:"offset,omitempty"`
}

func (r *Router) handleListChats(ctx context.Context, req *protocol.Request) *protocol.Response {
	var p listChatsParams
	if err := json.Unmarshal(req.Params, &p); err != nil || p.Channel == "" {
		return protocol.Fail(req.ID, protocol.CodeInvalidParams, "invalid channel.list_chats params")
	}
	ad, ok := r.adapters[p.Channel]
	if !ok {
		return protocol.Fail(req.ID, protocol.CodeChannelUnavailable, "channel not configured")
	}
	page, err := ad.ListChats(ctx, p.Limit, p.Offset)
	if err != nil {
		code := protocol.CodeSendFailed
		if se, ok := err.(*adapter.SendError); ok && se.Kind == adapter.SendErrNotConfigured {
			code = protocol.CodeChannelUnavailable
		}
		return protocol.Fail(req.ID, code, err.Error())
	}

	filtered := make([]any, 0, len(page.Items))
	for _, item := range page.Items {
		party := participantOf(item)
		if party == "" || r.policy.CheckOutboundParty(p.Channel, party) {
			filtered = append(filtered, item)
		}
	}
	return r.success(req.ID, map[string]any{"items": filtered, "has_more": page.HasMore})
}

type getHistoryParams struct {
	Channel string `json:"channel"`
	ChatID  string `json:"chat_id"`
	Limit   int    `json:"limit,omitempty"`
	Before  int64  `json:"before,omitempty"`
}

func (r *Router) handleGetHistory(ctx context.Context, req *protocol.Request) *protocol.Response {
	var p getHistoryParams
	if err := json.Unmarshal(req.Params, &p); err != nil || p.Channel == "" || p.ChatID == "" {
		return protocol.Fail(req.ID, protocol.CodeInvalidParams, "invalid channel.get_history params")
	}
	ad, ok := r.adapters[p.Channel]
	if !ok {
		return protocol.Fail(req.ID, protocol.CodeChannelUnavailable, "channel not configured")
	}
	page, err := ad.GetHistory(ctx, p.ChatID, p.Limit, p.Before)
	if err != nil {
		code := protocol.CodeSendFailed
		if se, ok := err.(*adapter.SendError); ok && se.Kind == adapter.SendErrNotConfigured {
			code = protocol.CodeChannelUnavailable
		}
		return protocol.Fail(req.ID, code, err.Error())
	}

	filtered := make([]any, 0, len(page.Items))
	for _, item := range page.Items {
		party := senderOf(item)
		if party == "" || r.policy.CheckInbound(p.Channel, party).Allowed {
			filtered = append(filtered, item)
		}
	}
	return r.success(req.ID, map[string]any{"items": filtered, "has_more": page.HasMore})
}

type statusParams struct {
	Channel string `json:"channel"`
}

func (r *Router) handleStatus(ctx context.Context, req *protocol.Request) *protocol.Response {
	var p statusParams
	if err := json.Unmarshal(req.Params, &p); err != nil || p.Channel == "" {
		return protocol.Fail(req.ID, protocol.CodeInvalidParams, "invalid channel.status params")
	}
	ad, ok := r.adapters[p.Channel]
	if !ok {
		return protocol.Fail(req.ID, protocol.CodeChannelUnavailable, "channel not configured")
	}
	health := ad.HealthCheck(ctx)

	cfg := r.store.Current().Config
	chCfg, ok := cfg.Channels[p.Channel]
	outboundMode, inboundMode := "", ""
	outboundCount, inboundCount := 0, 0
	if ok {
		outboundMode = chCfg.Outbound.Mode
		inboundMode = chCfg.Inbound.Mode
		outboundCount = len(chCfg.Outbound.Patterns())
		inboundCount = len(chCfg.Inbound.Patterns())
	}
	return r.success(req.ID, map[string]any{
		"healthy":        health.Healthy,
		"detail":         health.Detail,
		"outbound_mode":  outboundMode,
		"inbound_mode":   inboundMode,
		"outbound_count": outboundCount,
		"inbound_count":  inboundCount,
	})
}

type getDeadLettersParams struct {
	Limit int   `json:"limit,omitempty"`
	Since int64 `json:"since,omitempty"`
}

func (r *Router) handleGetDeadLetters(req *protocol.Request) *protocol.Response {
	var p getDeadLettersParams
	if len(req.Params) > 0 {
		if err := json.Unmarshal(req.Params, &p); err != nil {
			return protocol.Fail(req.ID, protocol.CodeInvalidParams, "invalid admin.get_dead_letters params")
		}
	}
	var since time.Time
	if p.Since > 0 {
		since = time.Unix(p.Since, 0)
	}
	entries, err := r.deadLetter.List(p.Limit, since)
	if err != nil {
		return protocol.Fail(req.ID, protocol.CodeInternalError, err.Error())
	}
	return r.success(req.ID, map[string]any{"items": entries})
}

func (r *Router) handleReloadConfig(req *protocol.Request) *protocol.Response {
	if err := r.store.ReloadSelf(); err != nil {
		return protocol.Fail(req.ID, protocol.CodeInternalError, fmt.Sprintf("reload rejected: %v", err))
	}
	return r.success(req.ID, map[string]any{"reloaded": true})
}

type watchParams struct {
	Channel        string `json:"channel"`
	IncludeHistory bool   `json:"include_history,omitempty"`
}

// Subscribe validates a channel.watch request and registers a new
// Subscription against the registry. The connection layer calls this
// directly (rather than through Handle) because a watch reply is
// followed by a stream of notifications that don't fit a single
// Response, per spec.md §4.7. The caller must write the returned
// Response first, then loop on the Subscription until the connection
// closes, at which point it must call Unsubscribe.
func (r *Router) Subscribe(req *protocol.Request) (*sub.Subscription, *protocol.Response) {
	var p watchParams
	if err := json.Unmarshal(req.Params, &p); err != nil || p.Channel == "" {
		return nil, protocol.Fail(req.ID, protocol.CodeInvalidParams, "invalid channel.watch params")
	}
	if _, ok := r.adapters[p.Channel]; !ok {
		return nil, protocol.Fail(req.ID, protocol.CodeChannelUnavailable, "channel not configured")
	}
	capacity := r.store.Current().Config.Advanced.WatchBufferSize
	if capacity <= 0 {
		capacity = 1000
	}
	s := r.registry.Register(sub.NewSubscription(p.Channel, capacity))
	resp := r.success(req.ID, map[string]any{"subscribed": true, "subscription_id": s.ID})
	return s, resp
}

// Unsubscribe removes and closes a subscription. Called when the owning
// connection closes, per spec.md §4.7's "unsubscribe happens implicitly
// on connection close".
func (r *Router) Unsubscribe(channel, id string) {
	r.registry.Unregister(channel, id)
}

func (r *Router) recordBlocked(channel, action, target, reason string, body []byte) {
	r.audit.AppendAndFlush(audit.Record{
		Timestamp: time.Now().UTC(), Action: action, Channel: channel, Direction: "outbound",
		Target: target, Status: audit.StatusBlocked, Reason: reason,
	})
	r.deadLetter.Write(audit.DeadLetter{
		Timestamp: time.Now().UTC(), Channel: channel, Direction: "outbound",
		Party: target, Reason: reason, Digest: audit.Digest(body),
	})
}

func idString(id json.RawMessage) string {
	return string(id)
}

// success builds a successful response, falling back to an internal
// error response on the (unreachable in practice) case that result
// fails to marshal.
func (r *Router) success(id json.RawMessage, result any) *protocol.Response {
	resp, err := protocol.Success(id, result)
	if err != nil {
		return protocol.Fail(id, protocol.CodeInternalError, "internal error building response")
	}
	return resp
}

func participantOf(item any) string {
	m, ok := item.(map[string]any)
	if !ok {
		return ""
	}
	if v, ok := m["chat_id"].(string); ok {
		return v
	}
	return ""
}

func senderOf(item any) string {
	m, ok := item.(map[string]any)
	if !ok {
		return ""
	}
	if v, ok := m["sender"].(string); ok {
		return v
	}
	return ""
}
