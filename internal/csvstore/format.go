package csvstore

import "strings"

// FormatField quotes v only when it contains a comma, a double quote or a
// line break; embedded quotes are doubled. Other values, including ones with
// leading spaces, are written verbatim.
func FormatField(v string) string {
	if !strings.ContainsAny(v, ",\"\r\n") {
		return v
	}
	return `"` + strings.ReplaceAll(v, `"`, `""`) + `"`
}

// FormatRecord renders one CSV line terminated by "\n".
func FormatRecord(fields []string) string {
	var b strings.Builder
	for i, f := range fields {
		if i > 0 {
			b.WriteByte(',')
		}
		b.WriteString(FormatField(f))
	}
	b.WriteByte('\n')
	return b.String()
}
