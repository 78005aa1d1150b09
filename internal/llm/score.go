package llm

import (
	"math"

	"github.com/joescharf/critique/internal/models"
)

// Scorer turns findings into bounded per-dimension scores.
type Scorer struct {
	Max        int
	Deductions map[models.Severity]int
}

// NewScorer returns a Scorer on a 0-100 scale.
func NewScorer() *Scorer {
	return &Scorer{
		Max: 100,
		Deductions: map[models.Severity]int{
			models.SeverityCritical: 40,
			models.SeverityWarning:  20,
			models.SeverityInfo:     10,
		},
	}
}

// Score computes security, quality and architecture scores (each floored at 0)
// and their rounded mean as the overall score.
func (s *Scorer) Score(findings []models.FeedbackItem) models.Scores {
	dims := map[models.FindingCategory]int{
		models.CategorySecurity:     s.Max,
		models.CategoryQuality:      s.Max,
		models.CategoryArchitecture: s.Max,
	}
	for _, f := range findings {
		cat := f.Category
		if _, ok := dims[cat]; !ok {
			cat = models.CategoryQuality
		}
		dims[cat] -= s.Deductions[f.Severity]
		if dims[cat] < 0 {
			dims[cat] = 0
		}
	}

	sc := models.Scores{
		Security:     dims[models.CategorySecurity],
		Quality:      dims[models.CategoryQuality],
		Architecture: dims[models.CategoryArchitecture],
	}
	sc.Overall = int(math.Round(float64(sc.Security+sc.Quality+sc.Architecture) / 3))
	return sc
}
