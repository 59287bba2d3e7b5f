// Output summarisation (spec §4.9): large tool results are condensed before
// they re-enter the context window, with a shape tailored to the kind of
// tool that produced them. Grounded on the teacher's own truncation idioms
// scattered across internal/tool (glob.go's "Showing N of more files",
// read.go's "(File has more lines...)" markers) generalized into one
// dedicated per-kind summarizer, since spec draws this out as its own
// algorithm rather than a per-tool afterthought.
package tool

import (
	"fmt"
	"path/filepath"
	"sort"
	"strings"
)

// Kind classifies which summarisation shape a tool's raw output should use.
type Kind int

const (
	KindDefault Kind = iota
	KindFileListing
	KindFileSearch
	KindTestRunner
)

// KindFor maps a tool name to its output summarisation Kind.
func KindFor(toolName string) Kind {
	switch toolName {
	case "list_dir", "glob":
		return KindFileListing
	case "grep":
		return KindFileSearch
	case "run_tests":
		return KindTestRunner
	default:
		return KindDefault
	}
}

// summarizeThreshold is the raw-output length (in bytes) above which
// summarisation kicks in; shorter output passes through unchanged.
const summarizeThreshold = 4000

// Summarize condenses output per its Kind if it exceeds summarizeThreshold.
func Summarize(kind Kind, output string, lines []string) string {
	if len(output) <= summarizeThreshold {
		return output
	}
	switch kind {
	case KindFileListing:
		return summarizeFileListing(lines)
	case KindFileSearch:
		return summarizeFileSearch(lines)
	case KindTestRunner:
		return summarizeHeadTail(output, 0.30, 0.50)
	default:
		return summarizeHeadTail(output, 0.60, 0.30)
	}
}

// summarizeFileListing reduces a file-listing result to a count, a
// distinct-directory count, a top-10 extension histogram, and a 20-entry
// sample.
func summarizeFileListing(files []string) string {
	dirs := map[string]struct{}{}
	extCounts := map[string]int{}
	for _, f := range files {
		dirs[filepath.Dir(f)] = struct{}{}
		ext := filepath.Ext(f)
		if ext == "" {
			ext = "(none)"
		}
		extCounts[ext]++
	}

	type extCount struct {
		ext   string
		count int
	}
	var sorted []extCount
	for ext, c := range extCounts {
		sorted = append(sorted, extCount{ext, c})
	}
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].count > sorted[j].count })
	if len(sorted) > 10 {
		sorted = sorted[:10]
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "%d files across %d directories\n\nTop extensions:\n", len(files), len(dirs))
	for _, ec := range sorted {
		fmt.Fprintf(&sb, "  %s: %d\n", ec.ext, ec.count)
	}
	sb.WriteString("\nSample:\n")
	limit := len(files)
	if limit > 20 {
		limit = 20
	}
	for _, f := range files[:limit] {
		sb.WriteString("  " + f + "\n")
	}
	return sb.String()
}

// summarizeFileSearch reduces a grep-style result to total matches, a
// files-with-matches count, the top-10 files by match count, and the first
// 15 individual matches.
func summarizeFileSearch(matchLines []string) string {
	fileCounts := map[string]int{}
	for _, line := range matchLines {
		parts := strings.SplitN(line, ":", 2)
		if len(parts) == 0 {
			continue
		}
		fileCounts[parts[0]]++
	}

	type fileCount struct {
		file  string
		count int
	}
	var sorted []fileCount
	for f, c := range fileCounts {
		sorted = append(sorted, fileCount{f, c})
	}
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].count > sorted[j].count })
	if len(sorted) > 10 {
		sorted = sorted[:10]
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "%d matches across %d files\n\nTop files:\n", len(matchLines), len(fileCounts))
	for _, fc := range sorted {
		fmt.Fprintf(&sb, "  %s: %d\n", fc.file, fc.count)
	}
	sb.WriteString("\nFirst matches:\n")
	limit := len(matchLines)
	if limit > 15 {
		limit = 15
	}
	for _, line := range matchLines[:limit] {
		sb.WriteString("  " + line + "\n")
	}
	return sb.String()
}

// summarizeHeadTail keeps the first headFrac and last tailFrac of output
// (by byte length), joined by an explicit truncation marker.
func summarizeHeadTail(output string, headFrac, tailFrac float64) string {
	n := len(output)
	headLen := int(float64(n) * headFrac)
	tailLen := int(float64(n) * tailFrac)
	if headLen+tailLen >= n {
		return output
	}
	return output[:headLen] + fmt.Sprintf("\n\n... (%d bytes truncated) ...\n\n", n-headLen-tailLen) + output[n-tailLen:]
}
