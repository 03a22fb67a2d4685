package gateway

import (
	"context"
	"time"

	"github.com/carapace-gateway/carapace/internal/adapter"
	"github.com/carapace-gateway/carapace/internal/audit"
	"github.com/carapace-gateway/carapace/internal/logger"
	"github.com/carapace-gateway/carapace/internal/policy"
	"github.com/carapace-gateway/carapace/internal/sub"
)

// watchRestartDelay bounds how quickly a dead watch stream is retried,
// so a channel whose adapter exits immediately doesn't spin.
const watchRestartDelay = 2 * time.Second

// WatchTask is the one background task per enabled, watch-capable
// channel spec.md §5 calls for: it owns the adapter's Watch stream,
// applies the inbound allow/deny policy, records an audit line per
// accepted event, and fans the event out to every live subscription on
// its channel.
type WatchTask struct {
	channel    string
	adapter    adapter.Adapter
	policy     *policy.Engine
	registry   *sub.Registry
	audit      *audit.Journal
	deadLetter *audit.DeadLetterStore
	log        *logger.Logger
}

// NewWatchTask builds a WatchTask for one channel's adapter. dl may be
// nil in tests that never exercise the policy-rejection branch.
func NewWatchTask(channel string, ad adapter.Adapter, eng *policy.Engine, registry *sub.Registry, j *audit.Journal, dl *audit.DeadLetterStore, log *logger.Logger) *WatchTask {
	return &WatchTask{channel: channel, adapter: ad, policy: eng, registry: registry, audit: j, deadLetter: dl, log: log}
}

// Run drives the task until ctx is cancelled, restarting the underlying
// adapter stream (with a short delay) whenever it ends on its own, since
// a finite watch stream per spec.md §4.5 is not itself an error.
func (w *WatchTask) Run(ctx context.Context) {
	for ctx.Err() == nil {
		events, err := w.adapter.Watch(ctx)
		if se, ok := err.(*adapter.SendError); ok && se.Kind == adapter.SendErrNotConfigured {
			// The adapter cannot stream at all (e.g. gmail); retrying
			// cannot change that without a restart.
			w.log.WarnF("watch", "channel does not support watch; task stopped", map[string]any{"channel": w.channel, "error": err.Error()})
			return
		}
		if err != nil {
			w.log.ErrorF("watch", "failed to start watch stream", map[string]any{"channel": w.channel, "error": err.Error()})
			if !sleepOrDone(ctx, watchRestartDelay) {
				return
			}
			continue
		}
		w.drain(ctx, events)
		if !sleepOrDone(ctx, watchRestartDelay) {
			return
		}
	}
}

func (w *WatchTask) drain(ctx context.Context, events <-chan adapter.IncomingMessage) {
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-events:
			if !ok {
				return
			}
			w.handle(msg)
		}
	}
}

func (w *WatchTask) handle(msg adapter.IncomingMessage) {
	decision := w.policy.CheckInbound(w.channel, msg.Sender)
	if !decision.Allowed {
		w.audit.AppendAndFlush(audit.Record{
			Timestamp: time.Now().UTC(), Action: "watch", Channel: w.channel, Direction: "inbound",
			Target: msg.Sender, Status: audit.StatusBlocked, Reason: decision.Reason,
		})
		if w.deadLetter != nil {
			w.deadLetter.Write(audit.DeadLetter{
				Timestamp: time.Now().UTC(), Channel: w.channel, Direction: "inbound",
				Party: msg.Sender, Reason: decision.Reason, Digest: audit.Digest([]byte(msg.Text)),
			})
		}
		return
	}
	w.audit.Append(audit.Record{
		Timestamp: time.Now().UTC(), Action: "watch", Channel: w.channel, Direction: "inbound",
		Target: msg.Sender, Status: audit.StatusAllowed,
	})
	w.registry.FanOut(w.channel, map[string]any{
		"channel":     msg.Channel,
		"chat_id":     msg.ChatID,
		"sender":      msg.Sender,
		"text":        msg.Text,
		"timestamp":   msg.Timestamp,
		"attachments": msg.Attachments,
		"is_from_me":  msg.IsFromMe,
	})
}

func sleepOrDone(ctx context.Context, d time.Duration) bool {
	select {
	case <-ctx.Done():
		return false
	case <-time.After(d):
		return true
	}
}
