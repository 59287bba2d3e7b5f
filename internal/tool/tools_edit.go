package tool

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/agnivade/levenshtein"

	"github.com/klaus-code/agentd/internal/workspace"
)

// fuzzyMatchThreshold is the minimum normalized similarity (teacher's
// edit.go uses the same 0.7 cutoff) below which a fuzzy match is rejected
// as too unreliable to apply automatically.
const fuzzyMatchThreshold = 0.7

// EditFileDefinition performs an exact (or, failing that, line-ending-
// normalized or fuzzy) string replacement in a workspace file, grounded on
// the teacher's edit.go including its Levenshtein-based fuzzy fallback.
func EditFileDefinition() Definition {
	return Definition{
		Name:        "edit_file",
		Description: "Replaces an exact (or near-exact) string occurrence in a workspace file.",
		ReadOnly:    false,
		InputSchema: json.RawMessage(`{
			"type": "object",
			"properties": {
				"path": {"type": "string"},
				"oldString": {"type": "string"},
				"newString": {"type": "string"},
				"replaceAll": {"type": "boolean"}
			},
			"required": ["path", "oldString", "newString"]
		}`),
		Handler: func(ctx context.Context, toolCtx *Context, input json.RawMessage) (*Result, error) {
			var params struct {
				Path       string `json:"path"`
				OldString  string `json:"oldString"`
				NewString  string `json:"newString"`
				ReplaceAll bool   `json:"replaceAll"`
			}
			if err := json.Unmarshal(input, &params); err != nil {
				return nil, fmt.Errorf("invalid input: %w", err)
			}
			if params.OldString == params.NewString {
				return nil, fmt.Errorf("oldString and newString must differ")
			}

			resolved, err := workspace.Resolve(params.Path, toolCtx.WorkDir)
			if err != nil {
				return nil, err
			}
			before, err := os.ReadFile(resolved)
			if err != nil {
				return nil, fmt.Errorf("read file: %w", err)
			}
			text := string(before)

			after, count, matchKind, err := applyEdit(text, params.OldString, params.NewString, params.ReplaceAll)
			if err != nil {
				return nil, err
			}
			if err := os.WriteFile(resolved, []byte(after), 0o644); err != nil {
				return nil, fmt.Errorf("write file: %w", err)
			}

			diffText, additions, deletions := buildDiffMetadata(resolved, text, after, toolCtx.WorkDir)
			return &Result{
				Title:  fmt.Sprintf("edited %s", params.Path),
				Output: fmt.Sprintf("replaced %d occurrence(s) (%s match)\n%s", count, matchKind, diffText),
				Metadata: map[string]any{
					"path": params.Path, "replacements": count, "matchKind": matchKind,
					"additions": additions, "deletions": deletions,
				},
			}, nil
		},
	}
}

func applyEdit(text, oldString, newString string, replaceAll bool) (after string, count int, matchKind string, err error) {
	if n := strings.Count(text, oldString); n > 0 {
		if !replaceAll && n > 1 {
			return "", 0, "", fmt.Errorf("oldString matches %d times; use replaceAll or add more context", n)
		}
		if replaceAll {
			return strings.ReplaceAll(text, oldString, newString), n, "exact", nil
		}
		return strings.Replace(text, oldString, newString, 1), 1, "exact", nil
	}

	normalizedText := normalizeLineEndings(text)
	normalizedOld := normalizeLineEndings(oldString)
	if strings.Contains(normalizedText, normalizedOld) {
		return strings.Replace(normalizedText, normalizedOld, newString, 1), 1, "normalized", nil
	}

	match, sim := bestFuzzyMatch(text, oldString)
	if match != "" && sim >= fuzzyMatchThreshold {
		return strings.Replace(text, match, newString, 1), 1, fmt.Sprintf("fuzzy %.0f%%", sim*100), nil
	}

	return "", 0, "", fmt.Errorf("oldString not found in %s", "file")
}

func normalizeLineEndings(s string) string {
	return strings.ReplaceAll(s, "\r\n", "\n")
}

// bestFuzzyMatch finds the substring of text most similar to target,
// comparing line-by-line (single-line target) or block-by-block
// (multi-line target), using normalized Levenshtein similarity.
func bestFuzzyMatch(text, target string) (string, float64) {
	lines := strings.Split(text, "\n")
	targetLines := strings.Split(target, "\n")

	if len(targetLines) == 1 {
		best, bestSim := "", 0.0
		for _, line := range lines {
			if sim := similarity(line, target); sim > bestSim {
				bestSim, best = sim, line
			}
		}
		return best, bestSim
	}

	n := len(targetLines)
	best, bestSim := "", 0.0
	for i := 0; i+n <= len(lines); i++ {
		block := strings.Join(lines[i:i+n], "\n")
		if sim := similarity(block, target); sim > bestSim {
			bestSim, best = sim, block
		}
	}
	return best, bestSim
}

func similarity(a, b string) float64 {
	if a == "" && b == "" {
		return 1.0
	}
	if a == "" || b == "" {
		return 0.0
	}
	maxLen := len(a)
	if len(b) > maxLen {
		maxLen = len(b)
	}
	if maxLen > 10000 {
		minLen := len(a)
		if len(b) < minLen {
			minLen = len(b)
		}
		return float64(minLen) / float64(maxLen)
	}
	dist := levenshtein.ComputeDistance(a, b)
	return 1.0 - float64(dist)/float64(maxLen)
}
