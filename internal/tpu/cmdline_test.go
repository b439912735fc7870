package tpu

import (
	"reflect"
	"strings"
	"testing"
)

func TestJoinCommandLine(t *testing.T) {
	cases := []struct {
		name string
		args []string
		want string
	}{
		{"plain", []string{"gcloud", "compute"}, "gcloud compute"},
		{"space quoted", []string{"a b"}, `"a b"`},
		{"tab quoted", []string{"a\tb"}, "\"a\tb\""},
		{"empty arg", []string{"x", ""}, `x ""`},
		{"embedded quote", []string{`a"b`}, `a\"b`},
		{"backslash before quote doubles", []string{`a\"b`}, `a\\\"b`},
		{"bare trailing backslash", []string{`a\`}, `a\`},
		{"quoted trailing backslash doubles", []string{`a b\`}, `"a b\\"`},
		{"command flag", []string{"--command=echo hi"}, `"--command=echo hi"`},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := JoinCommandLine(tc.args); got != tc.want {
				t.Errorf("JoinCommandLine(%q) = %q, want %q", tc.args, got, tc.want)
			}
		})
	}
}

func TestJoinCommandLineRoundTrip(t *testing.T) {
	cases := [][]string{
		{`he said "hi"\`},
		{"gcloud", "compute", "tpus", "tpu-vm", "ssh", "my-pod", "--worker=all", "--command=ps aux | grep nohup"},
		{`trailing\\`, `mix \"quoted\" part`, ""},
		{`c:\path\to\thing`, "a b c", `end\`},
	}
	for _, args := range cases {
		line := JoinCommandLine(args)
		if got := parseCommandLine(line); !reflect.DeepEqual(got, args) {
			t.Errorf("round trip of %q via %q = %q", args, line, got)
		}
	}
}

// parseCommandLine reverses the quoting convention for round-trip checks:
// 2n backslashes before a quote yield n backslashes plus a quote toggle,
// 2n+1 yield n backslashes plus a literal quote, other backslashes are
// literal, and unquoted whitespace separates arguments.
func parseCommandLine(line string) []string {
	var (
		args    []string
		current strings.Builder
		inQuote bool
		started bool
	)
	i := 0
	for i < len(line) {
		c := line[i]
		switch {
		case c == '\\':
			n := 0
			for i < len(line) && line[i] == '\\' {
				n++
				i++
			}
			if i < len(line) && line[i] == '"' {
				current.WriteString(strings.Repeat(`\`, n/2))
				if n%2 == 1 {
					current.WriteByte('"')
					i++
				}
			} else {
				current.WriteString(strings.Repeat(`\`, n))
			}
			started = true
		case c == '"':
			inQuote = !inQuote
			started = true
			i++
		case (c == ' ' || c == '\t') && !inQuote:
			if started {
				args = append(args, current.String())
				current.Reset()
				started = false
			}
			i++
		default:
			current.WriteByte(c)
			started = true
			i++
		}
	}
	if started {
		args = append(args, current.String())
	}
	return args
}
