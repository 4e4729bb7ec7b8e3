package jobs

import (
	"regexp"
	"strings"
)

const maxNameLen = 63

var (
	invalidNameChars  = regexp.MustCompile(`[^a-z0-9-]+`)
	invalidLabelChars = regexp.MustCompile(`[^A-Za-z0-9_.-]+`)
)

// SanitizeName lowercases s and maps it onto the DNS-1123 label alphabet.
func SanitizeName(s string) string {
	s = invalidNameChars.ReplaceAllString(strings.ToLower(s), "-")
	for strings.Contains(s, "--") {
		s = strings.ReplaceAll(s, "--", "-")
	}
	s = strings.Trim(s, "-")
	if len(s) > maxNameLen {
		s = strings.TrimRight(s[:maxNameLen], "-")
	}
	return s
}

// LabelValue maps s onto the label-value alphabet: at most 63 characters,
// beginning and ending with an alphanumeric.
func LabelValue(s string) string {
	s = invalidLabelChars.ReplaceAllString(s, "_")
	if len(s) > maxNameLen {
		s = s[:maxNameLen]
	}
	return strings.Trim(s, "_.-")
}

// jobName joins a stage prefix, table and suffix into a valid name, trimming
// the table part first when the whole would be too long.
func jobName(prefix, table, suffix string) string {
	t := SanitizeName(table)
	budget := maxNameLen - len(prefix) - len(suffix) - 2
	if budget < 1 {
		budget = 1
	}
	if len(t) > budget {
		t = strings.TrimRight(t[:budget], "-")
	}
	return SanitizeName(prefix + "-" + t + "-" + suffix)
}
