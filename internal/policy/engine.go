package policy

import (
	"time"

	"github.com/carapace-gateway/carapace/internal/config"
)

// Engine evaluates the policy chain for a single config.Store. It holds
// the rate limiter's mutable state (sliding windows); allow/deny and
// content filtering are pure functions of whatever snapshot is current
// at call time, per spec.md §5's "policy evaluation runs inline".
type Engine struct {
	store   *config.Store
	limiter *RateLimiter
}

// NewEngine builds an Engine bound to store.
func NewEngine(store *config.Store) *Engine {
	e := &Engine{store: store}
	e.limiter = NewRateLimiter(e.rateLimitFor)
	return e
}

func (e *Engine) rateLimitFor(channel string) (int, time.Duration, bool) {
	rl, ok := e.store.Current().Config.RateLimitFor(channel)
	if !ok {
		return 0, 0, false
	}
	return rl.Requests, time.Duration(rl.WindowSeconds) * time.Second, true
}

// Sweep runs the rate limiter's background cleanup.
func (e *Engine) Sweep() {
	e.limiter.Sweep()
}

// OutboundResult is the full policy-chain outcome for an outbound send.
type OutboundResult struct {
	Allowed    bool
	Code       int    // protocol error code to return on rejection
	Reason     string
	WarnRule   string // non-empty if a "warn" content rule matched on an otherwise-allowed message
}

// CheckOutbound runs rate-limiter -> allow/deny -> content-filter in the
// fixed order spec.md §4.4 mandates for outbound calls.
func (e *Engine) CheckOutbound(channel, party, body string) OutboundResult {
	if !e.limiter.Allow(channel) {
		return OutboundResult{Allowed: false, Code: -32002, Reason: "rate_limited"}
	}

	cfg := e.store.Current().Config
	ch, ok := cfg.Channels[channel]
	if !ok {
		return OutboundResult{Allowed: false, Code: -32004, Reason: "channel_not_configured"}
	}

	decision := Evaluate(ch.Outbound.Mode, ch.Outbound.Patterns(), party)
	if !decision.Allowed {
		return OutboundResult{Allowed: false, Code: -32001, Reason: decision.Reason}
	}

	if cfg.Security.ContentFilter.Enabled {
		rules := compiledRules(cfg)
		verdict := EvaluateContent(rules, body)
		if verdict.Blocked {
			return OutboundResult{Allowed: false, Code: -32003, Reason: "content_blocked:" + verdict.Rule}
		}
		if verdict.Warned {
			return OutboundResult{Allowed: true, WarnRule: verdict.Rule}
		}
	}

	return OutboundResult{Allowed: true}
}

// CheckInbound runs only allow/deny for an inbound event, per spec.md
// §4.4 ("For inbound events: allow/deny only").
func (e *Engine) CheckInbound(channel, party string) Decision {
	cfg := e.store.Current().Config
	ch, ok := cfg.Channels[channel]
	if !ok {
		return Decision{Allowed: false, Reason: "channel_not_configured"}
	}
	return Evaluate(ch.Inbound.Mode, ch.Inbound.Patterns(), party)
}

// CheckOutboundParty runs only the outbound allow/deny check, used by
// channel.list_chats to filter participant identifiers without running
// the rate limiter or content filter (those apply to channel.send only).
func (e *Engine) CheckOutboundParty(channel, party string) bool {
	cfg := e.store.Current().Config
	ch, ok := cfg.Channels[channel]
	if !ok {
		return false
	}
	return Evaluate(ch.Outbound.Mode, ch.Outbound.Patterns(), party).Allowed
}

func compiledRules(cfg *config.Config) []CompiledRule {
	rules := make([]CompiledRule, 0, len(cfg.Security.ContentFilter.Patterns))
	for _, r := range cfg.Security.ContentFilter.Patterns {
		if r.Compiled() == nil {
			continue // not validated; skip rather than panic
		}
		rules = append(rules, CompiledRule{Pattern: r.Pattern, Action: r.Action, Regexp: r.Compiled()})
	}
	return rules
}
