package server

import "regexp"

// sanitize strips absolute filesystem paths from text exposed to external
// callers (spec §7 propagation policy), mirroring internal/agentloop's
// sanitizeError.
func sanitize(s string) string {
	return absolutePathPattern.ReplaceAllString(s, "<path>")
}

var absolutePathPattern = regexp.MustCompile(`/(?:[\w.\-]+/)+[\w.\-]+`)
