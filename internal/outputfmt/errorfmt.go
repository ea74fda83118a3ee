package outputfmt

import (
	"net/url"
	"regexp"
	"strings"
)

const DefaultErrorChars = 200

var (
	absoluteURLInTextRE = regexp.MustCompile(`https?://[^\s"'<>]+`)
	botTokenInPathRE    = regexp.MustCompile(`/bot\d+:[A-Za-z0-9_-]+`)
)

// FormatErrorForDisplay sanitizes error text for the chat and caps it at
// max runes (DefaultErrorChars when max <= 0).
func FormatErrorForDisplay(err error, max int) string {
	if err == nil {
		return ""
	}
	if max <= 0 {
		max = DefaultErrorChars
	}
	out := SanitizeErrorText(err.Error())
	r := []rune(out)
	if len(r) > max {
		out = string(r[:max-1]) + "…"
	}
	return out
}

// SanitizeErrorText removes URL hosts and bot tokens from arbitrary text
// while keeping path/query/fragment details.
func SanitizeErrorText(raw string) string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return ""
	}
	raw = absoluteURLInTextRE.ReplaceAllStringFunc(raw, sanitizeURLInText)
	return botTokenInPathRE.ReplaceAllString(raw, "/bot[redacted]")
}

func sanitizeURLInText(raw string) string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return raw
	}
	u, err := url.Parse(raw)
	if err != nil {
		return raw
	}
	if strings.TrimSpace(u.Scheme) == "" || strings.TrimSpace(u.Host) == "" {
		return raw
	}
	path := u.EscapedPath()
	if path == "" {
		path = "/"
	}
	if q := redactSensitiveQuery(u.Query()); q != "" {
		path += "?" + q
	}
	if frag := strings.TrimSpace(u.EscapedFragment()); frag != "" {
		path += "#" + frag
	}
	return path
}

func redactSensitiveQuery(q url.Values) string {
	if len(q) == 0 {
		return ""
	}
	for k := range q {
		if isSensitiveQueryKey(k) {
			q.Set(k, "[redacted]")
		}
	}
	return q.Encode()
}

func isSensitiveQueryKey(key string) bool {
	k := strings.ToLower(strings.TrimSpace(key))
	if k == "" {
		return false
	}
	n := strings.ReplaceAll(strings.ReplaceAll(k, "-", ""), "_", "")
	if n == "key" {
		return true
	}
	for _, marker := range []string{"apikey", "authorization", "token", "secret", "password", "cookie"} {
		if strings.Contains(n, marker) {
			return true
		}
	}
	return false
}
