package policy

import "fmt"

// Decision is the outcome of an allow/deny check.
type Decision struct {
	Allowed bool
	Reason  string // "not_in_allowlist" or "in_denylist" on rejection
	Pattern string // the pattern that decided the outcome, if any
}

// Evaluate implements the allow/deny rules from spec.md §4.4 for a single
// FilterPolicy against party p.
func Evaluate(mode string, patterns []string, p string) Decision {
	switch mode {
	case "open":
		return Decision{Allowed: true}
	case "allowlist":
		matched, which := MatchAny(patterns, p)
		if matched {
			return Decision{Allowed: true, Pattern: which}
		}
		return Decision{Allowed: false, Reason: "not_in_allowlist"}
	case "denylist":
		matched, which := MatchAny(patterns, p)
		if matched {
			return Decision{Allowed: false, Reason: "in_denylist", Pattern: which}
		}
		return Decision{Allowed: true}
	default:
		// Unknown mode behaves like an unknown channel key: deny.
		return Decision{Allowed: false, Reason: fmt.Sprintf("unknown_mode:%s", mode)}
	}
}
