package transaction

import (
	"strings"
	"time"

	"github.com/agnivade/levenshtein"
)

const (
	// DuplicateWindow bounds the existing transactions a candidate is compared against.
	DuplicateWindow = 7 * 24 * time.Hour

	amountWeight      = 0.4
	dateWeight        = 0.3
	descriptionWeight = 0.3

	// DuplicateThreshold is the score above which a candidate is discarded.
	DuplicateThreshold = 0.95
	// PossibleDuplicateThreshold is the score from which a candidate is flagged.
	PossibleDuplicateThreshold = 0.7
)

// Classification is the detector's verdict on a candidate transaction.
type Classification string

const (
	ClassificationNew               Classification = "new"
	ClassificationPossibleDuplicate Classification = "possible_duplicate"
	ClassificationDuplicate         Classification = "duplicate"
)

// Match is the best comparison found for a candidate.
type Match struct {
	Classification Classification
	Score          float64
	Existing       *Transaction
	// ByExternalID is set when the verdict came from an identical external id.
	ByExternalID bool
}

// DuplicateDetector scores candidates against already-imported transactions.
// It is pure; callers supply the existing set.
type DuplicateDetector struct {
	window time.Duration
}

// NewDuplicateDetector creates a detector with the standard ±7 day window.
func NewDuplicateDetector() *DuplicateDetector {
	return &DuplicateDetector{window: DuplicateWindow}
}

// Window returns how far either side of a candidate's date existing transactions matter.
func (d *DuplicateDetector) Window() time.Duration {
	return d.window
}

// Score returns the weighted similarity of two transactions in [0, 1].
func (d *DuplicateDetector) Score(a, b *Transaction) float64 {
	score := 0.0

	if a.Amount.Abs() == b.Amount.Abs() {
		score += amountWeight
	}

	gap := a.Date.Sub(b.Date)
	if gap < 0 {
		gap = -gap
	}
	if gap < d.window {
		score += dateWeight * (1 - float64(gap)/float64(d.window))
	}

	score += descriptionWeight * descriptionSimilarity(a.Description, b.Description)
	return score
}

// Classify compares candidate with existing transactions on the same account.
// An identical external id short-circuits to duplicate without scoring.
func (d *DuplicateDetector) Classify(candidate *Transaction, existing []*Transaction) Match {
	best := Match{Classification: ClassificationNew}

	for _, ex := range existing {
		if ex.AccountID != candidate.AccountID {
			continue
		}
		if candidate.ExternalID != "" && ex.ExternalID == candidate.ExternalID {
			return Match{Classification: ClassificationDuplicate, Score: 1, Existing: ex, ByExternalID: true}
		}
	}

	for _, ex := range existing {
		if ex.AccountID != candidate.AccountID {
			continue
		}
		gap := candidate.Date.Sub(ex.Date)
		if gap > d.window || gap < -d.window {
			continue
		}
		if s := d.Score(candidate, ex); s > best.Score {
			best.Score = s
			best.Existing = ex
		}
	}

	switch {
	case best.Score > DuplicateThreshold:
		best.Classification = ClassificationDuplicate
	case best.Score >= PossibleDuplicateThreshold:
		best.Classification = ClassificationPossibleDuplicate
	default:
		best.Classification = ClassificationNew
		best.Existing = nil
	}
	return best
}

func descriptionSimilarity(a, b string) float64 {
	a = strings.ToUpper(strings.TrimSpace(a))
	b = strings.ToUpper(strings.TrimSpace(b))

	longest := len([]rune(a))
	if n := len([]rune(b)); n > longest {
		longest = n
	}
	if longest == 0 {
		return 1
	}
	return 1 - float64(levenshtein.ComputeDistance(a, b))/float64(longest)
}
