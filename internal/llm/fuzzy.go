package llm

import (
	"strings"

	"github.com/MeKo-Tech/calloutscan/internal/ocr"
)

// fuzzyMaxDistance is the largest edit distance at which a sheet reading is
// replaced by a canonical project sheet.
const fuzzyMaxDistance = 2

// FuzzyMatch resolves a sheet reading against the project sheet list.
// distance 0 is an exact hit; 1-2 corrects the reading to the nearest
// canonical sheet; anything farther reports no match. Ties break on the
// earlier sheet in the project list so matching stays deterministic.
func FuzzyMatch(sheet string, validSheets []string) (canonical string, distance int, matched bool) {
	needle := strings.ToUpper(strings.TrimSpace(sheet))
	if needle == "" || len(validSheets) == 0 {
		return "", 0, false
	}

	best := fuzzyMaxDistance + 1
	bestSheet := ""
	for _, v := range validSheets {
		candidate := strings.ToUpper(strings.TrimSpace(v))
		if d := ocr.Levenshtein(needle, candidate); d < best {
			best = d
			bestSheet = candidate
			if d == 0 {
				break
			}
		}
	}
	if best > fuzzyMaxDistance {
		return "", 0, false
	}
	return bestSheet, best, true
}
