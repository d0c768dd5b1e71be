package shared

import "regexp"

const redactedPlaceholder = "[REDACTED]"

// secretRule pairs a pattern with its replacement template. Rules that
// capture a prefix group keep it in the replacement (the "api_key=" part)
// so redacted logs stay greppable.
type secretRule struct {
	re      *regexp.Regexp
	replace string
}

var secretRules = []secretRule{
	// key=value pairs behind secret-ish names, as they appear in config
	// dumps and wrapped provider errors
	{regexp.MustCompile(`(?i)(api[_-]?key|apikey|secret[_-]?key|auth[_-]?token)\s*[:=]\s*"?[A-Za-z0-9_\-./+=]{16,}"?`), "${1}=" + redactedPlaceholder},
	// Authorization headers echoed into errors by HTTP clients
	{regexp.MustCompile(`(?i)(Bearer\s+)[A-Za-z0-9_\-./+=]{16,}`), "${1}" + redactedPlaceholder},
	// provider key shapes that are recognizable without a prefix
	{regexp.MustCompile(`AIza[A-Za-z0-9_\-]{30,}`), redactedPlaceholder},
	{regexp.MustCompile(`sk-(?:ant-)?[A-Za-z0-9_\-]{20,}`), redactedPlaceholder},
	// DSN auth parameters from sqlite connection strings
	{regexp.MustCompile(`(?i)(_auth_pass=)[^&\s]+`), "${1}" + redactedPlaceholder},
	// UUID-shaped tokens behind auth-ish names
	{regexp.MustCompile(`(?i)(token|secret)\s*[:=]\s*"?[0-9a-f]{8}-[0-9a-f]{4}-[0-9a-f]{4}-[0-9a-f]{4}-[0-9a-f]{12}"?`), "${1}=" + redactedPlaceholder},
}

// Redact replaces secret-bearing substrings with [REDACTED]. Every error or
// event string that can reach a user or an external sink must pass through
// here first.
func Redact(input string) string {
	if input == "" {
		return input
	}
	for _, rule := range secretRules {
		input = rule.re.ReplaceAllString(input, rule.replace)
	}
	return input
}
