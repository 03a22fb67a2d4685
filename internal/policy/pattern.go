package policy

import "strings"

// MatchPattern reports whether party matches pattern, implementing the
// four pattern shapes from spec.md §3/§4.4:
//
//   - exact string equality
//   - prefix wildcard: pattern ends in "*", party starts with the prefix
//   - domain wildcard: pattern is "*@domain", party ends in "@domain"
//     (the domain is compared case-insensitively; any local part matches)
//   - subdomain wildcard: pattern is "*@*.domain", party matches
//     "*@X.domain" for some non-empty X
func MatchPattern(pattern, party string) bool {
	switch {
	case strings.HasPrefix(pattern, "*@*."):
		domain := pattern[len("*@*."):]
		at := strings.LastIndex(party, "@")
		if at < 0 {
			return false
		}
		host := party[at+1:]
		suffix := "." + strings.ToLower(domain)
		lower := strings.ToLower(host)
		return strings.HasSuffix(lower, suffix) && len(lower) > len(suffix)
	case strings.HasPrefix(pattern, "*@"):
		domain := pattern[len("*@"):]
		at := strings.LastIndex(party, "@")
		if at < 0 {
			return false
		}
		return strings.EqualFold(party[at+1:], domain)
	case strings.HasSuffix(pattern, "*"):
		prefix := pattern[:len(pattern)-1]
		return strings.HasPrefix(party, prefix)
	default:
		return pattern == party
	}
}

// MatchAny reports whether party matches any pattern in the list,
// evaluated in order; it also returns the first matching pattern (for
// reason text on rejection).
func MatchAny(patterns []string, party string) (matched bool, which string) {
	for _, p := range patterns {
		if MatchPattern(p, party) {
			return true, p
		}
	}
	return false, ""
}
