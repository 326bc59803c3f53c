package ocr

import (
	"regexp"
	"strconv"
	"strings"

	"github.com/MeKo-Tech/calloutscan/internal/types"
)

// markerPattern matches callout text: a detail (1-2 digits or the letter N),
// a slash, and a sheet code starting with a letter.
var markerPattern = regexp.MustCompile(`(?i)^([0-9]{1,2}|N)\s*/\s*([A-Z][A-Z0-9.\-]*)$`)

// falsePositiveKeywords are words that appear inside circles on drawings but
// are never callouts: scale stamps, north arrows, legend headings.
var falsePositiveKeywords = []string{
	"SCALE", "PLAN", "ELEVATION", "SECTION", "DETAIL", "NOTES", "LEGEND",
	"TITLE", "DATE", "NORTH", "SHEET", "DRAWN", "CHECKED", "SCHEDULE", "REV",
	"TYP", "GENERAL",
}

const (
	maxTextLen        = 20
	maxSymbolChars    = 3
	lowConfidence     = 0.3
	rejectConfidence  = 0.7
	nearMissMaxDist   = 1
	defaultAcceptConf = 0.7
)

// Classifier applies the Stage 1.5 decision table. Classification is a pure
// function of (text, confidence, project); the classifier only carries the
// accept threshold.
type Classifier struct {
	AcceptThreshold float64
}

// NewClassifier returns a classifier with the given accept threshold, or the
// default 0.7 when non-positive.
func NewClassifier(acceptThreshold float64) *Classifier {
	if acceptThreshold <= 0 {
		acceptThreshold = defaultAcceptConf
	}
	return &Classifier{AcceptThreshold: acceptThreshold}
}

// ParseMarkerText splits callout text into its detail and sheet components.
// The detail must be N or a number in 1-99; ok is false otherwise.
func ParseMarkerText(text string) (detail, sheet string, ok bool) {
	m := markerPattern.FindStringSubmatch(strings.TrimSpace(text))
	if m == nil {
		return "", "", false
	}
	detail = strings.ToUpper(m[1])
	sheet = strings.ToUpper(m[2])
	if detail != "N" {
		n, err := strconv.Atoi(detail)
		if err != nil || n < 1 || n > 99 {
			return "", "", false
		}
		detail = strconv.Itoa(n)
	}
	return detail, sheet, true
}

// Classify applies the decision table in order and returns the verdict with
// the OCR reading attached.
func (c *Classifier) Classify(text string, confidence float64, project *types.Project) types.Classification {
	cls := func(v types.Verdict, reason string) types.Classification {
		return types.Classification{
			Verdict:       v,
			Text:          text,
			OCRConfidence: confidence,
			Reason:        reason,
		}
	}

	trimmed := strings.TrimSpace(text)

	if confidence < lowConfidence {
		return cls(types.VerdictUncertain, "low ocr confidence")
	}
	if len(trimmed) <= 1 {
		return cls(types.VerdictReject, "empty or single character")
	}
	if hitsKeyword(trimmed) {
		return cls(types.VerdictReject, "false-positive keyword")
	}
	if len(trimmed) > maxTextLen {
		return cls(types.VerdictReject, "text too long")
	}
	if symbolCount(trimmed) > maxSymbolChars {
		return cls(types.VerdictReject, "too many symbol characters")
	}

	detail, sheet, matched := ParseMarkerText(trimmed)
	if !matched {
		if confidence >= rejectConfidence {
			return cls(types.VerdictReject, "not marker-shaped at high confidence")
		}
		return cls(types.VerdictUncertain, "not marker-shaped")
	}

	if project.HasDetails() && !project.HasDetail(detail) && confidence >= rejectConfidence {
		return cls(types.VerdictReject, "unknown detail at high confidence")
	}

	sheetKnown := project.HasSheet(sheet)
	detailOK := !project.HasDetails() || project.HasDetail(detail)

	if detailOK && confidence >= c.AcceptThreshold {
		if sheetKnown {
			return cls(types.VerdictAccept, "")
		}
		if !project.HasSheets() {
			// No sheet list to check against; a clean marker reading stands.
			return cls(types.VerdictAccept, "no sheet list")
		}
	}

	if project.HasSheets() && !sheetKnown {
		if nearestSheetDistance(sheet, project.ValidSheets) <= nearMissMaxDist {
			return cls(types.VerdictUncertain, "near-miss sheet")
		}
		if confidence >= rejectConfidence {
			return cls(types.VerdictReject, "unknown sheet at high confidence")
		}
	}

	return cls(types.VerdictUncertain, "")
}

// hitsKeyword reports whether the upper-cased text contains any known
// false-positive keyword.
func hitsKeyword(text string) bool {
	upper := strings.ToUpper(text)
	for _, kw := range falsePositiveKeywords {
		if strings.Contains(upper, kw) {
			return true
		}
	}
	return false
}

// symbolCount counts non-alphanumeric characters other than the slash.
func symbolCount(text string) int {
	n := 0
	for _, r := range text {
		switch {
		case r >= '0' && r <= '9':
		case r >= 'a' && r <= 'z':
		case r >= 'A' && r <= 'Z':
		case r == '/' || r == ' ':
		default:
			n++
		}
	}
	return n
}

// nearestSheetDistance returns the smallest edit distance from sheet to any
// valid sheet name.
func nearestSheetDistance(sheet string, valid []string) int {
	best := int(^uint(0) >> 1)
	for _, v := range valid {
		if d := Levenshtein(sheet, strings.ToUpper(strings.TrimSpace(v))); d < best {
			best = d
		}
	}
	return best
}
