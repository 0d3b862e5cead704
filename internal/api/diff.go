package api

import (
	"bytes"
	"errors"
	"strings"

	"github.com/sourcegraph/go-diff/diff"
)

// DiffLine is a single line in a diff
type DiffLine struct {
	Type    string `json:"type"` // "added", "removed", "unchanged"
	Content string `json:"content"`
	OldLine int    `json:"old_line,omitempty"`
	NewLine int    `json:"new_line,omitempty"`
}

// maxDiffCells bounds the LCS table, which holds one int per pair of lines.
const maxDiffCells = 4 << 20

var errDiffTooLarge = errors.New("versions too large to diff")

// computeDiff produces a line diff from the longest common subsequence
func computeDiff(oldContent, newContent string) ([]DiffLine, error) {
	oldLines := strings.Split(oldContent, "\n")
	newLines := strings.Split(newContent, "\n")

	if (len(oldLines)+1)*(len(newLines)+1) > maxDiffCells {
		return nil, errDiffTooLarge
	}
	return walkDiff(oldLines, newLines, lcsTable(oldLines, newLines)), nil
}

// lcsTable[i][j] is the LCS length of a[i:] and b[j:]
func lcsTable(a, b []string) [][]int {
	m, n := len(a), len(b)
	dp := make([][]int, m+1)
	for i := range dp {
		dp[i] = make([]int, n+1)
	}

	for i := m - 1; i >= 0; i-- {
		for j := n - 1; j >= 0; j-- {
			if a[i] == b[j] {
				dp[i][j] = dp[i+1][j+1] + 1
			} else {
				dp[i][j] = max(dp[i+1][j], dp[i][j+1])
			}
		}
	}
	return dp
}

// walkDiff reads the table front to back, preferring removals before
// additions at a divergence.
func walkDiff(oldLines, newLines []string, lcs [][]int) []DiffLine {
	result := make([]DiffLine, 0, max(len(oldLines), len(newLines)))
	i, j := 0, 0

	for i < len(oldLines) || j < len(newLines) {
		switch {
		case i < len(oldLines) && j < len(newLines) && oldLines[i] == newLines[j]:
			result = append(result, DiffLine{Type: "unchanged", Content: oldLines[i], OldLine: i + 1, NewLine: j + 1})
			i++
			j++
		case i < len(oldLines) && (j == len(newLines) || lcs[i+1][j] >= lcs[i][j+1]):
			result = append(result, DiffLine{Type: "removed", Content: oldLines[i], OldLine: i + 1})
			i++
		default:
			result = append(result, DiffLine{Type: "added", Content: newLines[j], NewLine: j + 1})
			j++
		}
	}

	return result
}

// unifiedDiff renders lines as a single-hunk unified diff.
func unifiedDiff(origName, newName string, lines []DiffLine) ([]byte, error) {
	hunk := &diff.Hunk{OrigStartLine: 1, NewStartLine: 1}

	var body bytes.Buffer
	for _, l := range lines {
		switch l.Type {
		case "removed":
			body.WriteByte('-')
			hunk.OrigLines++
		case "added":
			body.WriteByte('+')
			hunk.NewLines++
		default:
			body.WriteByte(' ')
			hunk.OrigLines++
			hunk.NewLines++
		}
		body.WriteString(l.Content)
		body.WriteByte('\n')
	}
	hunk.Body = body.Bytes()

	return diff.PrintFileDiff(&diff.FileDiff{
		OrigName: origName,
		NewName:  newName,
		Hunks:    []*diff.Hunk{hunk},
	})
}
