package policy

import (
	"fmt"
	"regexp"
	"strings"
)

// hardDenyMarkers are substrings of the normalized command that are always
// refused, whatever the configured tables say.
var hardDenyMarkers = []string{
	// destructive filesystem operations
	"rm -rf /", "rm -rf ~", "rm -rf *", "rm -fr /", "rm -rf", "rm -fr",
	"mkfs", "dd if=", "diskpart", "format c:", "del /f", "del /s", "rmdir /s",
	// power
	"shutdown", "reboot", "poweroff", "halt", "init 0", "init 6",
	// device writes
	"> /dev/sd", "of=/dev/",
	// fork bombs and piping into shells
	":(){ :|:&", "| sh", "| bash", "| zsh", "|sh", "|bash", "|zsh",
	// encoded payloads and interpreters on the command line
	"| base64 -d", "|base64 -d", "base64 --decode |",
	"python -c", "python3 -c", "perl -e", "ruby -e", "node -e",
	// reverse shells
	"nc -e", "ncat -e", "/dev/tcp/", "/dev/udp/",
	// privilege changes
	"sudo ", "su -", "doas ", "env -i",
}

// compositionMarkers force confirmation: the command cannot be judged by its
// first word alone.
var compositionMarkers = []string{"$(", "`", ">>", ">", "<(", "| tee", "|tee"}

type rule struct {
	source string
	prefix string
	re     *regexp.Regexp
}

func (r rule) match(cmd string) bool {
	if r.re != nil {
		return r.re.MatchString(cmd)
	}
	return startsWithCommand(cmd, r.prefix)
}

func compileRules(patterns []string) ([]rule, error) {
	out := make([]rule, 0, len(patterns))
	for _, p := range patterns {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		if expr, ok := strings.CutPrefix(p, "re:"); ok {
			re, err := regexp.Compile("(?i)" + expr)
			if err != nil {
				return nil, fmt.Errorf("invalid pattern %q: %w", p, err)
			}
			out = append(out, rule{source: p, re: re})
			continue
		}
		out = append(out, rule{source: p, prefix: normalizeCommand(p)})
	}
	return out, nil
}

func matchAny(rules []rule, cmd string) (rule, bool) {
	for _, r := range rules {
		if r.match(cmd) {
			return r, true
		}
	}
	return rule{}, false
}

// normalizeCommand lowercases and collapses whitespace so trivial spacing or
// casing tricks ("R M  -rf") still match.
func normalizeCommand(cmd string) string {
	return strings.Join(strings.Fields(strings.ToLower(cmd)), " ")
}

// startsWithCommand matches prefix on a word boundary and skips leading
// VAR=value assignments.
func startsWithCommand(cmd, prefix string) bool {
	cmd = stripEnvAssignments(strings.TrimSpace(cmd))
	if prefix == "" {
		return false
	}
	if cmd == prefix {
		return true
	}
	rest, ok := strings.CutPrefix(cmd, prefix)
	return ok && strings.HasPrefix(rest, " ")
}

func stripEnvAssignments(cmd string) string {
	for {
		sp := strings.IndexByte(cmd, ' ')
		if sp < 0 {
			return cmd
		}
		word := cmd[:sp]
		eq := strings.IndexByte(word, '=')
		if eq <= 0 {
			return cmd
		}
		cmd = strings.TrimSpace(cmd[sp+1:])
	}
}

func hardDenyMarker(cmd string) (string, bool) {
	for _, m := range hardDenyMarkers {
		if strings.Contains(cmd, m) {
			return m, true
		}
	}
	return "", false
}

// compositionMarker returns the first redirection or substitution marker
// found outside single quotes.
func compositionMarker(cmd string) string {
	unquoted := stripSingleQuoted(cmd)
	for _, m := range compositionMarkers {
		if strings.Contains(unquoted, m) {
			return m
		}
	}
	return ""
}

func stripSingleQuoted(cmd string) string {
	var b strings.Builder
	in := false
	for i := 0; i < len(cmd); i++ {
		if cmd[i] == '\'' {
			in = !in
			continue
		}
		if !in {
			b.WriteByte(cmd[i])
		}
	}
	return b.String()
}

// splitCommandChain splits on &&, ||, ; and | outside quotes.
func splitCommandChain(cmd string) []string {
	var parts []string
	var current strings.Builder
	inQuote := byte(0)

	flush := func() {
		if s := strings.TrimSpace(current.String()); s != "" {
			parts = append(parts, s)
		}
		current.Reset()
	}

	for i := 0; i < len(cmd); i++ {
		ch := cmd[i]
		if inQuote != 0 {
			current.WriteByte(ch)
			if ch == inQuote && cmd[i-1] != '\\' {
				inQuote = 0
			}
			continue
		}
		switch {
		case ch == '\'' || ch == '"':
			inQuote = ch
			current.WriteByte(ch)
		case i < len(cmd)-1 && ((ch == '&' && cmd[i+1] == '&') || (ch == '|' && cmd[i+1] == '|')):
			flush()
			i++
		case ch == ';' || ch == '|':
			flush()
		default:
			current.WriteByte(ch)
		}
	}
	flush()
	return parts
}
