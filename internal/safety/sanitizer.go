// Package safety screens user input before it reaches the completion
// provider and scans assistant output before it leaves the process.
package safety

import (
	"fmt"
	"regexp"
	"strings"

	"golang.org/x/text/unicode/norm"
)

// Action indicates the recommended response to a detected threat.
type Action int

const (
	// ActionAllow means the input is safe.
	ActionAllow Action = iota
	// ActionWarn means a potential issue was detected but input may proceed.
	ActionWarn
	// ActionBlock means the input should be rejected before model contact.
	ActionBlock
)

// CheckResult is the outcome of a screen pass. Pattern identifies the
// matched class for logging and events; raw input is never echoed back.
type CheckResult struct {
	Action  Action
	Reason  string
	Pattern string
}

// Screener detects prompt injection attempts in inbound messages.
// Public-channel traffic gets the strict profile: warns escalate to blocks.
type Screener struct {
	strictPublic bool
}

func NewScreener() *Screener {
	return &Screener{strictPublic: true}
}

// zeroWidth strips characters used to split trigger words past naive
// matchers. Applied after NFKC so fullwidth and ligature forms fold first.
var zeroWidth = strings.NewReplacer(
	"\u200B", "", // zero width space
	"\u200C", "", // zero width non-joiner
	"\u200D", "", // zero width joiner
	"\u2060", "", // word joiner
	"\uFEFF", "", // byte order mark
)

// Normalize folds the input to NFKC and removes zero-width characters.
// Both the screen pass and the stored transcript use the normalized form.
func Normalize(input string) string {
	return zeroWidth.Replace(norm.NFKC.String(input))
}

type injectionPattern struct {
	re     *regexp.Regexp
	action Action
	class  string
	reason string
}

var injectionPatterns = []injectionPattern{
	{
		re:     regexp.MustCompile(`(?i)\b(ignore|disregard|bypass)\s+(all\s+)?(previous|above|prior|earlier|your)\s+(instructions?|prompts?|rules?|guidelines?)\b`),
		action: ActionBlock,
		class:  "role_manipulation",
		reason: "instruction override attempt",
	},
	{
		re:     regexp.MustCompile(`(?i)\byou\s+are\s+(now|actually)\s+(a|an|the)\s+\w+`),
		action: ActionBlock,
		class:  "role_manipulation",
		reason: "identity override attempt",
	},
	{
		re:     regexp.MustCompile(`(?i)\b(new\s+instructions?\s*:|override\s+(the\s+)?(system\s+)?prompt|act\s+as\s+(if\s+you\s+are|a)\s+)`),
		action: ActionBlock,
		class:  "role_manipulation",
		reason: "system prompt override attempt",
	},
	{
		re:     regexp.MustCompile(`(?i)\bforget\s+(everything|all|what)\s+(you|your|above)`),
		action: ActionBlock,
		class:  "role_manipulation",
		reason: "memory wipe attempt",
	},
	{
		re:     regexp.MustCompile(`(?i)\b(reveal|show|display|print|output|repeat|summarize)\s+(\w+\s+)?(your\s+)?(system\s+)?(prompt|instructions?|persona|rules?|guidelines?)\b`),
		action: ActionBlock,
		class:  "prompt_leak",
		reason: "system prompt extraction attempt",
	},
	{
		re:     regexp.MustCompile(`(?i)\bwhat\s+(are|is|were)\s+your\s+(system\s+)?(prompt|instructions?|rules?)\b`),
		action: ActionBlock,
		class:  "prompt_leak",
		reason: "system prompt query",
	},
	{
		re:     regexp.MustCompile(`(?i)\[\s*system\s*\]|#\s*system\s*:`),
		action: ActionBlock,
		class:  "marker",
		reason: "system marker in user input",
	},
	{
		re:     regexp.MustCompile(`(?i)<\s*\|?\s*(system|im_start|im_end|assistant)\s*\|?\s*>`),
		action: ActionBlock,
		class:  "marker",
		reason: "chat template tag in user input",
	},
	{
		// Base64 of "ignore"/"Ignore" split across encodings.
		re:     regexp.MustCompile(`aWdub3Jl|SWdub3Jl`),
		action: ActionWarn,
		class:  "encoded",
		reason: "potential encoded injection",
	},
}

// Screen normalizes then checks the input. On the public channel anything
// above Allow is blocked; internal operators only get hard blocks.
func (s *Screener) Screen(input, channel string) CheckResult {
	normalized := Normalize(input)
	if strings.TrimSpace(normalized) == "" {
		return CheckResult{Action: ActionAllow}
	}

	for _, pat := range injectionPatterns {
		if !pat.re.MatchString(normalized) {
			continue
		}
		result := CheckResult{Action: pat.action, Reason: pat.reason, Pattern: pat.class}
		if s.strictPublic && channel == "public" && result.Action == ActionWarn {
			result.Action = ActionBlock
		}
		return result
	}
	return CheckResult{Action: ActionAllow}
}

// MustAllow returns an error if the check result is Block.
func (r CheckResult) MustAllow() error {
	if r.Action == ActionBlock {
		return fmt.Errorf("prompt injection detected: %s", r.Reason)
	}
	return nil
}

// SanitizeForContext prepares third-party text (tool output, stored notes)
// for inclusion in the model context: normalized, markers defanged, and
// truncated to maxLength runes.
func SanitizeForContext(text string, maxLength int) string {
	out := Normalize(text)
	out = strings.ReplaceAll(out, "[SYSTEM]", "[system-text]")
	out = strings.ReplaceAll(out, "[system]", "[system-text]")
	if maxLength > 0 {
		runes := []rune(out)
		if len(runes) > maxLength {
			out = string(runes[:maxLength]) + "…[truncated]"
		}
	}
	return out
}
