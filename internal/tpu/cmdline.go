package tpu

import "strings"

// JoinCommandLine flattens an argument vector into a single command line
// following the native launcher quoting convention: an argument is wrapped
// in double quotes iff it contains a space or tab or is empty; a run of k
// backslashes immediately preceding a literal double quote is emitted as 2k
// backslashes followed by an escaped quote; backslashes anywhere else pass
// through untouched; a trailing backslash run inside a quoted argument is
// doubled before the closing quote.
//
// The exact character-level behavior matters: tools that re-parse the line
// under the same convention must recover the original arguments.
func JoinCommandLine(args []string) string {
	var b strings.Builder
	for i, arg := range args {
		if i > 0 {
			b.WriteByte(' ')
		}
		needQuote := arg == "" || strings.ContainsAny(arg, " \t")
		if needQuote {
			b.WriteByte('"')
		}
		backslashes := 0
		for _, c := range arg {
			switch c {
			case '\\':
				backslashes++
			case '"':
				b.WriteString(strings.Repeat("\\", backslashes*2))
				backslashes = 0
				b.WriteString(`\"`)
			default:
				if backslashes > 0 {
					b.WriteString(strings.Repeat("\\", backslashes))
					backslashes = 0
				}
				b.WriteRune(c)
			}
		}
		if backslashes > 0 {
			b.WriteString(strings.Repeat("\\", backslashes))
			if needQuote {
				// Trailing backslashes would otherwise escape the closing quote.
				b.WriteString(strings.Repeat("\\", backslashes))
			}
		}
		if needQuote {
			b.WriteByte('"')
		}
	}
	return b.String()
}
