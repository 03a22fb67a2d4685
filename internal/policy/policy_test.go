package policy

import (
	"regexp"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestMatchPatternExact(t *testing.T) {
	require.True(t, MatchPattern("+14155550100", "+14155550100"))
	require.False(t, MatchPattern("+14155550100", "+14155559999"))
}

func TestMatchPatternPrefixWildcard(t *testing.T) {
	require.True(t, MatchPattern("channel:123*", "channel:123456"))
	require.False(t, MatchPattern("channel:123*", "channel:999"))
}

func TestMatchPatternDomainWildcard(t *testing.T) {
	require.True(t, MatchPattern("*@example.com", "User@Example.com"))
	require.False(t, MatchPattern("*@example.com", "user@other.com"))
}

func TestMatchPatternSubdomainWildcard(t *testing.T) {
	require.True(t, MatchPattern("*@*.example.com", "user@mail.example.com"))
	require.False(t, MatchPattern("*@*.example.com", "user@example.com"))
}

func TestEvaluateAllowlistEmptyDeniesEverything(t *testing.T) {
	d := Evaluate("allowlist", nil, "anything")
	require.False(t, d.Allowed)
	require.Equal(t, "not_in_allowlist", d.Reason)
}

func TestEvaluateDenylistEmptyAllowsEverything(t *testing.T) {
	d := Evaluate("denylist", nil, "anything")
	require.True(t, d.Allowed)
}

func TestEvaluateOpenAlwaysAllows(t *testing.T) {
	d := Evaluate("open", []string{"x"}, "anything")
	require.True(t, d.Allowed)
}

func TestContentFilterZeroLengthBodyNeverBlocks(t *testing.T) {
	rules := []CompiledRule{{Pattern: ".+", Action: "block", Regexp: regexp.MustCompile(".+")}}
	v := EvaluateContent(rules, "")
	require.False(t, v.Blocked)
}

func TestContentFilterFirstBlockShortCircuits(t *testing.T) {
	rules := []CompiledRule{
		{Pattern: "warnme", Action: "warn", Regexp: regexp.MustCompile("warnme")},
		{Pattern: "(?i)password\\s*[:=]", Action: "block", Regexp: regexp.MustCompile(`(?i)password\s*[:=]`)},
	}
	v := EvaluateContent(rules, "my password: x")
	require.True(t, v.Blocked)
	v2 := EvaluateContent(rules, "hello")
	require.False(t, v2.Blocked)
	require.False(t, v2.Warned)
}

func TestRateLimiterRequestsZeroDeniesAll(t *testing.T) {
	rl := NewRateLimiter(func(string) (int, time.Duration, bool) { return 0, time.Minute, true })
	require.False(t, rl.Allow("imsg"))
	require.False(t, rl.Allow("imsg"))
}

func TestRateLimiterExhaustionAtThreeOfTwo(t *testing.T) {
	rl := NewRateLimiter(func(string) (int, time.Duration, bool) { return 2, time.Minute, true })
	require.True(t, rl.Allow("imsg"))
	require.True(t, rl.Allow("imsg"))
	require.False(t, rl.Allow("imsg"))
}

func TestRateLimiterNoConfiguredLimitAlwaysAllows(t *testing.T) {
	rl := NewRateLimiter(func(string) (int, time.Duration, bool) { return 0, 0, false })
	for i := 0; i < 10; i++ {
		require.True(t, rl.Allow("discord"))
	}
}
