package schema

import (
	"encoding/json"
	"math"
	"net"
	"regexp"
	"sort"
	"strings"
	"time"
	"unicode"
	"unicode/utf8"

	"golang.org/x/net/idna"
)

var hostPattern = regexp.MustCompile(`^[a-z0-9.-]+$`)

// NormalizeHostname canonicalizes user input into a bare hostname: lowercase,
// scheme/userinfo/port/path/query/fragment stripped, "www." prefix removed.
// Returns "" when the result is not a valid hostname.
func NormalizeHostname(input string) string {
	s := strings.ToLower(strings.TrimSpace(input))
	if s == "" {
		return ""
	}
	if i := strings.Index(s, "://"); i >= 0 {
		s = s[i+3:]
	}
	if i := strings.IndexAny(s, "/?#"); i >= 0 {
		s = s[:i]
	}
	if i := strings.LastIndex(s, "@"); i >= 0 {
		s = s[i+1:]
	}
	if host, _, err := net.SplitHostPort(s); err == nil {
		s = host
	}
	s = strings.TrimPrefix(s, "www.")

	if !isASCII(s) {
		ascii, err := idna.Lookup.ToASCII(s)
		if err != nil {
			return ""
		}
		s = ascii
	}

	if !validHostname(s) {
		return ""
	}
	return s
}

func validHostname(s string) bool {
	if s == "" || len(s) > MaxHostnameLength {
		return false
	}
	if !hostPattern.MatchString(s) || !strings.Contains(s, ".") {
		return false
	}
	if strings.HasPrefix(s, ".") || strings.HasSuffix(s, ".") || strings.Contains(s, "..") {
		return false
	}
	return true
}

func isASCII(s string) bool {
	for i := 0; i < len(s); i++ {
		if s[i] > unicode.MaxASCII {
			return false
		}
	}
	return true
}

// NormalizeSiteList turns an untrusted array into a deduplicated, sorted list
// of at most MaxSites valid hostnames. Invalid entries are dropped; the cap
// keeps the first entries in input order. ok is false when raw is not a list.
func NormalizeSiteList(raw any) ([]string, bool) {
	var items []any
	switch v := raw.(type) {
	case []string:
		items = make([]any, len(v))
		for i, s := range v {
			items[i] = s
		}
	case []any:
		items = v
	default:
		return nil, false
	}

	seen := make(map[string]struct{}, len(items))
	out := make([]string, 0, len(items))
	for _, item := range items {
		str, ok := item.(string)
		if !ok {
			continue
		}
		host := NormalizeHostname(str)
		if host == "" {
			continue
		}
		if _, dup := seen[host]; dup {
			continue
		}
		seen[host] = struct{}{}
		out = append(out, host)
		if len(out) == MaxSites {
			break
		}
	}
	sort.Strings(out)
	return out, true
}

func normalizeTask(s string) string {
	s = strings.TrimSpace(s)
	if utf8.RuneCountInString(s) > MaxTaskLength {
		runes := []rune(s)
		s = strings.TrimSpace(string(runes[:MaxTaskLength]))
	}
	return s
}

func normalizeTimestamp(v int64) (int64, bool) {
	return v, v >= 0
}

func normalizeInterval(v int64) (int64, bool) {
	return clampInterval(v), true
}

func normalizeRemaining(v int64) (int64, bool) {
	if v < 0 {
		return 0, true
	}
	if v > MaxIntervalMs {
		return MaxIntervalMs, true
	}
	return v, true
}

func clampInterval(v int64) int64 {
	if v < MinIntervalMs {
		return MinIntervalMs
	}
	if v > MaxIntervalMs {
		return MaxIntervalMs
	}
	return v
}

func validDateKey(s string) bool {
	if s == "" {
		return true
	}
	_, err := time.Parse("2006-01-02", s)
	return err == nil && len(s) == 10
}

// DateKey formats t as the per-day exercise key.
func DateKey(t time.Time) string {
	return t.Format("2006-01-02")
}

// toInt64 accepts the numeric shapes that arrive from JSON decoding and Go
// callers. Non-finite or out-of-range values are rejected.
func toInt64(raw any) (int64, bool) {
	switch v := raw.(type) {
	case int:
		return int64(v), true
	case int32:
		return int64(v), true
	case int64:
		return v, true
	case uint32:
		return int64(v), true
	case float32:
		return floatToInt64(float64(v))
	case float64:
		return floatToInt64(v)
	case json.Number:
		if n, err := v.Int64(); err == nil {
			return n, true
		}
		f, err := v.Float64()
		if err != nil {
			return 0, false
		}
		return floatToInt64(f)
	default:
		return 0, false
	}
}

func floatToInt64(f float64) (int64, bool) {
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return 0, false
	}
	if f > math.MaxInt64 || f < math.MinInt64 {
		return 0, false
	}
	return int64(math.Trunc(f)), true
}
