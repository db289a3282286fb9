package announcer

import "strings"

// splitFields splits a pipe-delimited record into fields, dropping empty
// ones, the same way the legacy source's split() helper did (it only
// appends a token when strlen(s) is nonzero). A line's field count after
// filtering is what the per-command arity checks below compare against.
func splitFields(line string) []string {
	parts := strings.Split(line, "|")
	fields := make([]string, 0, len(parts))
	for _, p := range parts {
		if p != "" {
			fields = append(fields, p)
		}
	}
	return fields
}
