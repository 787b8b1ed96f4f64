// Package whois retrieves and normalises IP registration metadata.
//
// Raw responses from the regional registries are free-form "key: value"
// text. Parse reduces them to a flat map holding only the keys hostsweep
// persists, and Cache memoises results for the duration of one run.
package whois

import (
	"bufio"
	"strings"
	"unicode/utf8"
)

// Result is the outcome of one lookup. Exactly one of Fields or Error is
// meaningful: a degraded or failed lookup carries only Error.
type Result struct {
	Fields map[string]string `json:"fields,omitempty"`
	Error  string            `json:"error,omitempty"`
}

// OK reports whether the result holds registration data.
func (r Result) OK() bool {
	return r.Error == "" && len(r.Fields) > 0
}

// Country returns the upper-cased country code, or "" when absent.
func (r Result) Country() string {
	return strings.ToUpper(strings.TrimSpace(r.Fields["country"]))
}

// ErrorResult builds the degraded form of a lookup.
func ErrorResult(msg string) Result {
	return Result{Error: msg}
}

const maxValueLength = 1024

var allowedKeys = map[string]struct{}{
	"netname":       {},
	"country":       {},
	"orgname":       {},
	"org-name":      {},
	"organization":  {},
	"descr":         {},
	"cidr":          {},
	"inetnum":       {},
	"netrange":      {},
	"nettype":       {},
	"originas":      {},
	"origin":        {},
	"status":        {},
	"created":       {},
	"updated":       {},
	"last-modified": {},
	"regdate":       {},
	"abuse-mailbox": {},
	"orgabuseemail": {},
	"address":       {},
	"city":          {},
	"stateprov":     {},
	"postalcode":    {},
	"source":        {},
	"parent":        {},
}

// IsAllowedKey reports whether a normalised key is persisted.
func IsAllowedKey(key string) bool {
	_, ok := allowedKeys[key]
	return ok
}

// NormalizeKey lower-cases and trims a raw response key.
func NormalizeKey(key string) string {
	return strings.ToLower(strings.TrimSpace(key))
}

// Parse extracts allow-listed fields from a raw response. The first
// occurrence of a key wins, since registries list the most specific block
// first. Comment lines starting with '%' or '#' are ignored.
func Parse(raw string) map[string]string {
	fields := make(map[string]string)
	scanner := bufio.NewScanner(strings.NewReader(raw))
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "%") || strings.HasPrefix(line, "#") {
			continue
		}
		key, value, found := strings.Cut(line, ":")
		if !found {
			continue
		}
		key = NormalizeKey(key)
		value = cleanValue(value)
		if value == "" || !IsAllowedKey(key) {
			continue
		}
		if _, seen := fields[key]; seen {
			continue
		}
		fields[key] = value
	}
	return fields
}

// Filter returns a copy of fields holding only allow-listed keys with
// non-empty values.
func Filter(fields map[string]string) map[string]string {
	out := make(map[string]string, len(fields))
	for k, v := range fields {
		k = NormalizeKey(k)
		v = cleanValue(v)
		if v == "" || !IsAllowedKey(k) {
			continue
		}
		out[k] = v
	}
	return out
}

// cleanValue trims v, replaces invalid UTF-8 (registries still answer in
// Latin-1) and NUL bytes, and cuts it to maxValueLength bytes on a rune
// boundary.
func cleanValue(v string) string {
	v = strings.ToValidUTF8(strings.TrimSpace(v), string(utf8.RuneError))
	v = strings.ReplaceAll(v, "\x00", "")
	if len(v) <= maxValueLength {
		return v
	}
	cut := maxValueLength
	for cut > 0 && !utf8.RuneStart(v[cut]) {
		cut--
	}
	return strings.TrimSpace(v[:cut])
}
