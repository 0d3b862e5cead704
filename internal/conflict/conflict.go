// Package conflict decides whether an incoming edit to a shared buffer
// collides with another collaborator's last submitted version.
//
// Every function here is pure: it looks only at the three code strings it is
// handed and the declared change type. Grace windows and first-edit
// exemptions are the caller's business.
package conflict

import (
	"fmt"
	"strings"
	"unicode/utf8"
)

// Kind identifies which scan produced a Finding.
type Kind string

const (
	KindSameLine      Kind = "same_line_conflict"
	KindMassiveChange Kind = "massive_change"
)

type Severity string

const (
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// LineKind classifies a single disputed line.
type LineKind string

const (
	BothAddedDifferent    LineKind = "both_added_different"
	BothDeleted           LineKind = "both_deleted"
	OneDeletedOneModified LineKind = "one_deleted_one_modified"
	BothModifiedDifferent LineKind = "both_modified_different"
)

type Magnitude string

const (
	MagnitudeExtreme  Magnitude = "extreme"
	MagnitudeMajor    Magnitude = "major"
	MagnitudeModerate Magnitude = "moderate"
	MagnitudeMinor    Magnitude = "minor"
)

// LineConflict is one line both sides touched incompatibly. Line is 1-based.
type LineConflict struct {
	Line     int      `json:"line"`
	Kind     LineKind `json:"type"`
	Original string   `json:"original"`
	Other    string   `json:"other"`
	Incoming string   `json:"incoming"`
}

// MassiveDetail describes a bulk change that replaced content another user
// had written.
type MassiveDetail struct {
	ChangeType     string    `json:"change_type"`
	Removed        []string  `json:"removed_lines"`
	Added          []string  `json:"added_lines"`
	Magnitude      Magnitude `json:"magnitude"`
	CharDelta      int       `json:"char_delta"`
	LineDelta      int       `json:"line_delta"`
	OtherLineCount int       `json:"other_line_count"`
	NewLineCount   int       `json:"new_line_count"`
}

// Finding is the outcome of a scan that flagged a conflict. Exactly one of
// Lines or Massive is populated, according to Kind.
type Finding struct {
	Kind     Kind           `json:"kind"`
	Severity Severity       `json:"severity"`
	Lines    []LineConflict `json:"conflicting_lines,omitempty"`
	Massive  *MassiveDetail `json:"massive_change,omitempty"`
}

// Summary renders the finding for humans, e.g. for a chat notice.
func (f *Finding) Summary() string {
	if f == nil {
		return ""
	}
	var b strings.Builder
	switch f.Kind {
	case KindSameLine:
		fmt.Fprintf(&b, "Same-line conflict on %d line(s), severity %s:", len(f.Lines), f.Severity)
		for _, lc := range f.Lines {
			fmt.Fprintf(&b, "\n  line %d: %s", lc.Line, lc.Kind)
		}
	case KindMassiveChange:
		m := f.Massive
		fmt.Fprintf(&b, "Massive %s change (%s): %d line(s) removed, %d line(s) added",
			m.Magnitude, m.ChangeType, len(m.Removed), len(m.Added))
	}
	return b.String()
}

// Detect runs the same-line scan and, only when it finds nothing, the
// massive-change scan. It returns nil when the edit is compatible.
func Detect(original, other, incoming, changeType string) *Finding {
	if f := DetectSameLine(original, other, incoming); f != nil {
		return f
	}
	return DetectMassiveChange(original, other, incoming, changeType)
}

// criticalLineCount is the number of disputed lines above which a same-line
// conflict escalates to critical.
const criticalLineCount = 3

// DetectSameLine compares the three buffers line by line, padding all of them
// to the longest.
func DetectSameLine(original, other, incoming string) *Finding {
	o, a, b := splitLines(original), splitLines(other), splitLines(incoming)
	n := max(len(o), len(a), len(b))

	var lines []LineConflict
	for i := 0; i < n; i++ {
		ol, al, bl := lineAt(o, i), lineAt(a, i), lineAt(b, i)
		if !linesConflict(ol, al, bl) {
			continue
		}
		lines = append(lines, LineConflict{
			Line:     i + 1,
			Kind:     classify(ol, al, bl),
			Original: ol,
			Other:    al,
			Incoming: bl,
		})
	}
	if len(lines) == 0 {
		return nil
	}

	sev := SeverityHigh
	if len(lines) > criticalLineCount {
		sev = SeverityCritical
	}
	return &Finding{Kind: KindSameLine, Severity: sev, Lines: lines}
}

func linesConflict(o, a, b string) bool {
	if a != o && b != o && a != b {
		return true
	}
	if o == "" {
		return a != "" && b != "" && a != b
	}
	// exactly one side emptied a line the other kept or changed
	return (a == "") != (b == "")
}

func classify(o, a, b string) LineKind {
	switch {
	case o == "" && a != "" && b != "":
		return BothAddedDifferent
	case a == "" && b == "":
		return BothDeleted
	case a == "" || b == "":
		return OneDeletedOneModified
	default:
		return BothModifiedDifferent
	}
}

// Bulk change types that always warrant a massive-change scan.
var bulkChangeTypes = map[string]bool{
	"import":  true,
	"paste":   true,
	"load":    true,
	"cut":     true,
	"replace": true,
}

// IsBulkChange reports whether changeType names a whole-buffer operation.
func IsBulkChange(changeType string) bool {
	return bulkChangeTypes[changeType]
}

// DetectMassiveChange flags bulk edits that drop or replace lines another user
// submitted. Findings are always critical.
func DetectMassiveChange(original, other, incoming, changeType string) *Finding {
	otherLen := utf8.RuneCountInString(other)
	newLen := utf8.RuneCountInString(incoming)
	origLen := utf8.RuneCountInString(original)

	otherLines := splitLines(other)
	newLines := splitLines(incoming)

	charDelta := abs(newLen - otherLen)
	lineDelta := abs(len(newLines) - len(otherLines))

	triggered := IsBulkChange(changeType) ||
		float64(charDelta) > max(0.5*float64(otherLen), 100) ||
		float64(lineDelta) > max(0.3*float64(len(otherLines)), 5) ||
		(origLen > 50 && float64(abs(newLen-origLen)) > 0.8*float64(origLen))
	if !triggered {
		return nil
	}

	removed := missingFrom(otherLines, newLines)
	added := missingFrom(newLines, otherLines)
	if len(removed) == 0 && len(added) == 0 && lineDelta <= 3 {
		return nil
	}

	charRatio := float64(charDelta) / float64(max(otherLen, 1))
	lineRatio := float64(lineDelta) / float64(max(len(otherLines), 1))

	return &Finding{
		Kind:     KindMassiveChange,
		Severity: SeverityCritical,
		Massive: &MassiveDetail{
			ChangeType:     changeType,
			Removed:        removed,
			Added:          added,
			Magnitude:      magnitudeOf(max(charRatio, lineRatio)),
			CharDelta:      charDelta,
			LineDelta:      lineDelta,
			OtherLineCount: len(otherLines),
			NewLineCount:   len(newLines),
		},
	}
}

func magnitudeOf(ratio float64) Magnitude {
	switch {
	case ratio >= 1.0:
		return MagnitudeExtreme
	case ratio >= 0.5:
		return MagnitudeMajor
	case ratio >= 0.2:
		return MagnitudeModerate
	default:
		return MagnitudeMinor
	}
}

// missingFrom returns the non-blank lines of src that do not appear verbatim
// anywhere in dst, deduplicated, in src order.
func missingFrom(src, dst []string) []string {
	present := make(map[string]struct{}, len(dst))
	for _, l := range dst {
		present[l] = struct{}{}
	}
	seen := make(map[string]struct{})
	var out []string
	for _, l := range src {
		if strings.TrimSpace(l) == "" {
			continue
		}
		if _, ok := present[l]; ok {
			continue
		}
		if _, dup := seen[l]; dup {
			continue
		}
		seen[l] = struct{}{}
		out = append(out, l)
	}
	return out
}

func splitLines(s string) []string {
	lines := strings.Split(s, "\n")
	for i, l := range lines {
		lines[i] = strings.TrimSuffix(l, "\r")
	}
	return lines
}

func lineAt(lines []string, i int) string {
	if i < len(lines) {
		return lines[i]
	}
	return ""
}

func abs(n int) int {
	if n < 0 {
		return -n
	}
	return n
}
