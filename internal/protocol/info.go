package protocol

import "strings"

// MaxInfoString is the size limit for a userinfo blob, including the keys.
const MaxInfoString = 1024

// Info strings are backslash-delimited key/value sequences
// ("\name\player\rate\25000") used for everything the client tells us about
// itself at connect time.

// InfoValue returns the value for key in the info string, or "" if absent.
func InfoValue(info, key string) string {
	if len(info) == 0 {
		return ""
	}
	fields := strings.Split(strings.TrimPrefix(info, "\\"), "\\")
	for i := 0; i+1 < len(fields); i += 2 {
		if fields[i] == key {
			return fields[i+1]
		}
	}
	return ""
}

// SetInfoValue returns info with key set to value, replacing any previous
// occurrence. Keys or values containing the delimiter or quote characters are
// dropped silently, and a result that would exceed MaxInfoString leaves the
// original string untouched.
func SetInfoValue(info, key, value string) string {
	if strings.ContainsAny(key, "\\;\"") || strings.ContainsAny(value, "\\;\"") {
		return info
	}
	fields := strings.Split(strings.TrimPrefix(info, "\\"), "\\")

	var sb strings.Builder
	for i := 0; i+1 < len(fields); i += 2 {
		if fields[i] == key || fields[i] == "" {
			continue
		}
		sb.WriteByte('\\')
		sb.WriteString(fields[i])
		sb.WriteByte('\\')
		sb.WriteString(fields[i+1])
	}
	if value != "" {
		sb.WriteByte('\\')
		sb.WriteString(key)
		sb.WriteByte('\\')
		sb.WriteString(value)
	}
	if sb.Len() >= MaxInfoString {
		return info
	}
	return sb.String()
}

// ValidateInfo reports whether the info string is structurally sound: no
// quote characters, no stray semicolons, and an even number of fields.
func ValidateInfo(info string) bool {
	if strings.ContainsAny(info, "\";") {
		return false
	}
	if info == "" {
		return true
	}
	if !strings.HasPrefix(info, "\\") {
		return false
	}
	return len(strings.Split(info[1:], "\\"))%2 == 0
}
