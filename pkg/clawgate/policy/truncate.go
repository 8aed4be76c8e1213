package policy

import (
	"fmt"
	"unicode/utf8"
)

// Limits are the output ceilings applied to every tool result.
type Limits struct {
	StdoutBytes int `yaml:"stdout_bytes"`
	StderrBytes int `yaml:"stderr_bytes"`
	ResultBytes int `yaml:"result_bytes"`
}

// DefaultLimits returns the stock ceilings.
func DefaultLimits() Limits {
	return Limits{
		StdoutBytes: 16 * 1024,
		StderrBytes: 8 * 1024,
		ResultBytes: 32 * 1024,
	}
}

func (l Limits) withDefaults() Limits {
	d := DefaultLimits()
	if l.StdoutBytes <= 0 {
		l.StdoutBytes = d.StdoutBytes
	}
	if l.StderrBytes <= 0 {
		l.StderrBytes = d.StderrBytes
	}
	if l.ResultBytes <= 0 {
		l.ResultBytes = d.ResultBytes
	}
	return l
}

// Truncate cuts s to at most limit bytes on a rune boundary and appends a
// marker naming the omitted byte count. The marker is not counted against
// the limit. A non-positive limit disables truncation.
func Truncate(s string, limit int) (string, bool) {
	return truncateCaptured(Captured{Kept: s, Total: len(s)}, limit)
}

// Marker is the suffix appended to truncated text.
func Marker(omitted int) string {
	return fmt.Sprintf("\n[... truncated: omitted %d bytes]", omitted)
}

// Captured is one output stream of a process: the prefix that was kept
// and the number of bytes the process wrote in total.
type Captured struct {
	Kept  string
	Total int
}

// Output is captured process output after the ceilings are applied.
type Output struct {
	Stdout    string
	Stderr    string
	Truncated bool
}

// TruncateOutput applies the stdout and stderr ceilings independently.
func (l Limits) TruncateOutput(stdout, stderr Captured) Output {
	l = l.withDefaults()
	out, t1 := truncateCaptured(stdout, l.StdoutBytes)
	errOut, t2 := truncateCaptured(stderr, l.StderrBytes)
	return Output{Stdout: out, Stderr: errOut, Truncated: t1 || t2}
}

// TruncateResult applies the free-text result ceiling.
func (l Limits) TruncateResult(text string) (string, bool) {
	return Truncate(text, l.withDefaults().ResultBytes)
}

func truncateCaptured(c Captured, limit int) (string, bool) {
	total := c.Total
	if total < len(c.Kept) {
		total = len(c.Kept)
	}
	if total == len(c.Kept) && (limit <= 0 || total <= limit) {
		return c.Kept, false
	}
	cut := len(c.Kept)
	if limit > 0 && limit < cut {
		cut = limit
	}
	cut = runeCut(c.Kept, cut)
	return c.Kept[:cut] + Marker(total-cut), true
}

// runeCut moves cut back so s[:cut] does not end inside a rune.
func runeCut(s string, cut int) int {
	if cut < len(s) {
		for cut > 0 && !utf8.RuneStart(s[cut]) {
			cut--
		}
		return cut
	}
	for i := 1; i < utf8.UTFMax && i <= cut; i++ {
		if utf8.RuneStart(s[cut-i]) {
			if !utf8.FullRuneInString(s[cut-i : cut]) {
				cut -= i
			}
			break
		}
	}
	return cut
}
