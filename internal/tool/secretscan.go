package tool

import "regexp"

// secretPatterns flags common high-confidence credential shapes. No example
// in the retrieval pack imports a dedicated secret-scanning library (a
// targeted grep across other_examples/ for gitleaks/AKIA/private-key-style
// detectors came back empty), so this is deliberately a small stdlib
// regexp set rather than a hand-rolled entropy analyzer — spec §4.8 step 3
// only requires blocking the obvious cases before a git_checkpoint runs,
// not a general-purpose scanner.
var secretPatterns = []*regexp.Regexp{
	regexp.MustCompile(`AKIA[0-9A-Z]{16}`),                          // AWS access key id
	regexp.MustCompile(`-----BEGIN [A-Z ]*PRIVATE KEY-----`),        // PEM private key
	regexp.MustCompile(`sk-[A-Za-z0-9]{20,}`),                       // OpenAI/Anthropic-style secret key
	regexp.MustCompile(`(?i)xox[baprs]-[0-9A-Za-z-]{10,}`),          // Slack token
	regexp.MustCompile(`ghp_[A-Za-z0-9]{36}`),                       // GitHub personal access token
	regexp.MustCompile(`(?i)(api[_-]?key|secret|password)\s*[:=]\s*['"][^'"\s]{8,}['"]`),
}

// ScanForSecrets reports the first secret-shaped match in content, if any.
func ScanForSecrets(content string) (matched bool, pattern string) {
	for _, re := range secretPatterns {
		if loc := re.FindString(content); loc != "" {
			return true, re.String()
		}
	}
	return false, ""
}
