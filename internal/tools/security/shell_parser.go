// Package security analyzes shell command strings for metacharacters that
// would let a tool call escape its intended single-command execution —
// the check shellperm.Engine runs before approving an exec tool call.
package security

import (
	"strings"
	"unicode"
)

// DangerousToken is a shell metacharacter or sequence found in a command.
type DangerousToken struct {
	Token    string `json:"token"`
	Position int    `json:"position"`
	Risk     string `json:"risk"`
}

// ShellAnalysis is the result of scanning a command for dangerous tokens.
type ShellAnalysis struct {
	Command         string           `json:"command"`
	IsSafe          bool             `json:"is_safe"`
	DangerousTokens []DangerousToken `json:"dangerous_tokens,omitempty"`
	Reason          string           `json:"reason,omitempty"`
}

var dangerousPatterns = map[string]string{
	";":  "command_chain",
	"&&": "command_chain",
	"||": "command_chain",
	"|":  "pipe",
	">":  "redirect",
	">>": "redirect",
	"<":  "redirect",
	"`":  "subshell",
	"$(": "subshell",
	"&":  "background",
}

var riskDescriptions = map[string]string{
	"command_chain": "command chaining allows execution of multiple commands",
	"pipe":          "pipes allow output to be redirected to another command",
	"redirect":      "redirects can overwrite files or read sensitive data",
	"subshell":      "subshells allow arbitrary command execution",
	"background":    "background execution can spawn persistent processes",
}

// scanPatterns is ordered longest-first so ">>" matches before ">" and so on.
var scanPatterns = []string{">>", "&&", "||", "$(", ";", "|", ">", "<", "`", "&"}

// unquotedMask marks, for each byte of cmd, whether that byte lies outside
// any single- or double-quoted span. Every byte is unquoted when
// quoteAware is false, which is what AnalyzeCommand wants.
func unquotedMask(cmd string, quoteAware bool) []bool {
	mask := make([]bool, len(cmd))
	for i := range mask {
		mask[i] = true
	}
	if !quoteAware {
		return mask
	}

	var inSingle, inDouble, escaped bool
	for i := 0; i < len(cmd); i++ {
		c := cmd[i]
		switch {
		case escaped:
			escaped = false
			mask[i] = false
		case c == '\\' && !inSingle:
			escaped = true
			mask[i] = true
		case c == '\'' && !inDouble:
			inSingle = !inSingle
			mask[i] = false
		case c == '"' && !inSingle:
			inDouble = !inDouble
			mask[i] = false
		case inSingle || inDouble:
			mask[i] = false
		}
	}
	return mask
}

// isUnquoted reports whether every byte of cmd[pos:pos+n] is outside quotes.
func isUnquoted(mask []bool, pos, n int) bool {
	for i := pos; i < pos+n && i < len(mask); i++ {
		if !mask[i] {
			return false
		}
	}
	return true
}

// collapsesIntoLongerPattern reports whether the single-byte match at
// actualPos is really part of an already-handled two-byte pattern (">>",
// "&&", "||") so it isn't double-counted.
func collapsesIntoLongerPattern(cmd string, mask []bool, pattern string, actualPos int) bool {
	if pattern != ">" && pattern != "&" && pattern != "|" {
		return false
	}
	same := cmd[actualPos : actualPos+1]
	if actualPos > 0 && isUnquoted(mask, actualPos-1, 1) && cmd[actualPos-1:actualPos] == same {
		return true
	}
	if pattern != ">" && actualPos+1 < len(cmd) && isUnquoted(mask, actualPos+1, 1) && cmd[actualPos+1:actualPos+2] == same {
		return true
	}
	return false
}

// scan finds every occurrence of the dangerous patterns in cmd that lies
// outside a quoted span (or everywhere, when quoteAware is false).
func scan(cmd string, quoteAware bool) *ShellAnalysis {
	analysis := &ShellAnalysis{Command: cmd, IsSafe: true}
	if cmd == "" {
		return analysis
	}

	mask := unquotedMask(cmd, quoteAware)

	for _, pattern := range scanPatterns {
		idx := 0
		for {
			pos := strings.Index(cmd[idx:], pattern)
			if pos == -1 {
				break
			}
			actualPos := idx + pos

			if !isUnquoted(mask, actualPos, len(pattern)) {
				idx = actualPos + len(pattern)
				continue
			}
			if collapsesIntoLongerPattern(cmd, mask, pattern, actualPos) {
				idx = actualPos + 1
				continue
			}

			analysis.DangerousTokens = append(analysis.DangerousTokens, DangerousToken{
				Token:    pattern,
				Position: actualPos,
				Risk:     dangerousPatterns[pattern],
			})
			analysis.IsSafe = false
			idx = actualPos + len(pattern)
		}
	}

	if !analysis.IsSafe {
		seen := make(map[string]bool)
		var reasons []string
		for _, token := range analysis.DangerousTokens {
			if seen[token.Risk] {
				continue
			}
			seen[token.Risk] = true
			if desc, ok := riskDescriptions[token.Risk]; ok {
				reasons = append(reasons, desc)
			}
		}
		analysis.Reason = strings.Join(reasons, "; ")
	}

	return analysis
}

// AnalyzeCommand scans cmd for dangerous shell metacharacters without
// regard to quoting. Prefer AnalyzeCommandQuoteAware for tool-call gating.
func AnalyzeCommand(cmd string) *ShellAnalysis {
	return scan(cmd, false)
}

// AnalyzeCommandQuoteAware scans cmd for dangerous shell metacharacters,
// treating anything inside single or double quotes as inert. This is what
// shellperm.Engine calls before approving an exec tool call.
func AnalyzeCommandQuoteAware(cmd string) *ShellAnalysis {
	return scan(cmd, true)
}

// IsSafeCommand reports whether cmd passes quote-aware analysis.
func IsSafeCommand(cmd string) bool {
	return AnalyzeCommandQuoteAware(cmd).IsSafe
}

// ExtractUnsafeReason returns why cmd failed quote-aware analysis, or an
// empty string if it passed.
func ExtractUnsafeReason(cmd string) string {
	return AnalyzeCommandQuoteAware(cmd).Reason
}

// SanitizeCommand wraps cmd in single quotes (escaping any existing ones)
// if it fails quote-aware analysis. Rejecting an unsafe command outright is
// almost always the better call; this exists for callers that must run
// something rather than nothing.
func SanitizeCommand(cmd string) string {
	if cmd == "" || IsSafeCommand(cmd) {
		return cmd
	}
	escaped := strings.ReplaceAll(cmd, "'", `'"'"'`)
	return "'" + escaped + "'"
}

// ContainsShellMetacharacters reports whether s contains any shell
// metacharacter, quote state notwithstanding.
func ContainsShellMetacharacters(s string) bool {
	return strings.ContainsAny(s, ";&|><`$(){}[]*?!#~=%^")
}

// IsValidFilename reports whether name is safe to use as a bare filename:
// no path separators, no traversal, no shell metacharacters, no control
// characters.
func IsValidFilename(name string) bool {
	if name == "" || name == "." || name == ".." {
		return false
	}
	if strings.ContainsAny(name, "/\\") || strings.HasPrefix(name, ".") {
		return false
	}
	if ContainsShellMetacharacters(name) {
		return false
	}
	for _, c := range name {
		if unicode.IsControl(c) {
			return false
		}
	}
	return true
}
