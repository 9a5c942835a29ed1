// Package quality grades analyzer outputs and decides whether the pipeline
// accepts them, flags them for review, or retries the job.
package quality

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/fairyhunter13/christian-cleanup/internal/domain"
)

// Grade buckets an analyzer result by overall quality.
type Grade string

const (
	GradeExcellent  Grade = "excellent"
	GradeGood       Grade = "good"
	GradeAcceptable Grade = "acceptable"
	GradePoor       Grade = "poor"
	GradeFailed     Grade = "failed"
)

// Concern levels, canonical five-step enumeration. "Moderate" in incoming
// results is accepted as an alias of "Medium".
const (
	ConcernVeryLow  = "Very Low"
	ConcernLow      = "Low"
	ConcernMedium   = "Medium"
	ConcernHigh     = "High"
	ConcernVeryHigh = "Very High"
)

var concernLevels = map[string]string{
	strings.ToLower(ConcernVeryLow):  ConcernVeryLow,
	strings.ToLower(ConcernLow):      ConcernLow,
	strings.ToLower(ConcernMedium):   ConcernMedium,
	"moderate":                       ConcernMedium,
	strings.ToLower(ConcernHigh):     ConcernHigh,
	strings.ToLower(ConcernVeryHigh): ConcernVeryHigh,
}

// CanonicalConcernLevel maps a reported concern level onto the canonical
// enumeration. Returns ("", false) for values outside it.
func CanonicalConcernLevel(v string) (string, bool) {
	c, ok := concernLevels[strings.ToLower(strings.TrimSpace(v))]
	return c, ok
}

// ExpectedConcernLevel derives the concern level a given christian_score
// implies.
func ExpectedConcernLevel(score float64) string {
	switch {
	case score >= 85:
		return ConcernLow
	case score >= 70:
		return ConcernMedium
	case score >= 50:
		return ConcernHigh
	default:
		return ConcernVeryHigh
	}
}

var requiredFields = []string{
	"christian_score",
	"concern_level",
	"biblical_themes",
	"supporting_scripture",
	"explanation",
}

var desirableFields = []string{
	"positive_themes",
	"purity_flags",
	"detailed_concerns",
	"positive_score_bonus",
	"analysis_version",
}

// Report is the full grading outcome for one analyzer result.
type Report struct {
	Grade           Grade    `json:"grade"`
	Overall         float64  `json:"overall"`
	Completeness    float64  `json:"completeness"`
	Confidence      float64  `json:"confidence"`
	Consistency     float64  `json:"consistency"`
	Errors          []string `json:"errors,omitempty"`
	MissingFields   []string `json:"missing_fields,omitempty"`
	Recommendations []string `json:"recommendations,omitempty"`
}

// Decision tells the worker what to do with a graded result.
type Decision struct {
	Persist       bool
	FlagForReview bool
	Reenqueue     bool
	Priority      domain.Priority
	Delay         time.Duration
}

// Validator grades analyzer result maps. Stateless; safe for concurrent use.
type Validator struct{}

// NewValidator constructs a Validator.
func NewValidator() *Validator { return &Validator{} }

// Evaluate validates and scores one analyzer result.
func (v *Validator) Evaluate(result map[string]any) Report {
	var rep Report

	score, scoreValid := asNumber(result["christian_score"])
	if _, present := result["christian_score"]; !present {
		rep.MissingFields = append(rep.MissingFields, "christian_score")
		rep.Errors = append(rep.Errors, "christian_score: missing")
		scoreValid = false
	} else if !scoreValid || score < 0 || score > 100 {
		rep.Errors = append(rep.Errors, fmt.Sprintf("christian_score: must be a number in [0,100], got %v", result["christian_score"]))
		scoreValid = false
	}

	concern, concernValid := "", false
	if raw, present := result["concern_level"]; !present {
		rep.MissingFields = append(rep.MissingFields, "concern_level")
		rep.Errors = append(rep.Errors, "concern_level: missing")
	} else if s, ok := raw.(string); ok {
		if concern, concernValid = CanonicalConcernLevel(s); !concernValid {
			rep.Errors = append(rep.Errors, fmt.Sprintf("concern_level: unknown value %q", s))
		}
	} else {
		rep.Errors = append(rep.Errors, "concern_level: must be a string")
	}

	themes, themesValid := asList(result["biblical_themes"])
	if _, present := result["biblical_themes"]; !present {
		rep.MissingFields = append(rep.MissingFields, "biblical_themes")
		rep.Errors = append(rep.Errors, "biblical_themes: missing")
	} else if !themesValid {
		rep.Errors = append(rep.Errors, "biblical_themes: must be a list")
	}

	scripture, scriptureValid := asMap(result["supporting_scripture"])
	if _, present := result["supporting_scripture"]; !present {
		rep.MissingFields = append(rep.MissingFields, "supporting_scripture")
		rep.Errors = append(rep.Errors, "supporting_scripture: missing")
	} else if !scriptureValid {
		rep.Errors = append(rep.Errors, "supporting_scripture: must be a mapping")
	}

	explanation, _ := result["explanation"].(string)
	explanationValid := false
	if _, present := result["explanation"]; !present {
		rep.MissingFields = append(rep.MissingFields, "explanation")
		rep.Errors = append(rep.Errors, "explanation: missing")
	} else if nonWhitespaceLen(explanation) < 10 {
		rep.Errors = append(rep.Errors, "explanation: needs at least 10 non-whitespace characters")
	} else {
		explanationValid = true
	}

	presentRequired := 0
	for _, ok := range []bool{scoreValid, concernValid, themesValid, scriptureValid, explanationValid} {
		if ok {
			presentRequired++
		}
	}
	presentDesirable := countDesirable(result)

	rep.Completeness = clamp01(float64(presentRequired)/float64(len(requiredFields)) + 0.1*float64(presentDesirable))

	confidence := 0.0
	if scoreValid {
		confidence += 0.3
	}
	if themesValid && len(themes) > 0 {
		confidence += 0.3
	}
	if themesValid && len(themes) >= 3 {
		confidence += 0.1
	}
	if scriptureValid && len(scripture) > 0 {
		confidence += 0.3
	}
	if nonWhitespaceLen(explanation) >= 50 {
		confidence += 0.1
	}
	rep.Confidence = clamp01(confidence)

	consistency := 1.0
	if ExpectedConcernLevel(score) != concern {
		consistency -= 0.1
	}
	if score >= 80 && len(themes) == 0 {
		consistency -= 0.2
	}
	if score <= 30 && len(themes) > 2 {
		consistency -= 0.15
	}
	if consistency < 0 {
		consistency = 0
	}
	rep.Consistency = consistency

	rep.Overall = 0.4*rep.Completeness + 0.4*rep.Confidence + 0.2*rep.Consistency
	rep.Grade = gradeFor(rep.Overall, len(rep.Errors))
	rep.Recommendations = recommend(rep)
	return rep
}

func countDesirable(result map[string]any) int {
	present := 0
	for _, f := range desirableFields {
		raw, ok := result[f]
		if !ok {
			continue
		}
		switch f {
		case "positive_themes", "purity_flags", "detailed_concerns":
			if _, ok := asList(raw); ok {
				present++
			}
		case "positive_score_bonus":
			if n, ok := asNumber(raw); ok && n >= 0 && n <= 200 {
				present++
			}
		case "analysis_version":
			if s, ok := raw.(string); ok && s != "" {
				present++
			}
		}
	}
	return present
}

// gradeFor applies the grade table top-down; first match wins.
func gradeFor(overall float64, errorCount int) Grade {
	switch {
	case overall >= 0.85 && errorCount == 0:
		return GradeExcellent
	case overall >= 0.75 && errorCount <= 1:
		return GradeGood
	case overall >= 0.55 && errorCount <= 3:
		return GradeAcceptable
	case overall >= 0.25:
		return GradePoor
	default:
		return GradeFailed
	}
}

func recommend(rep Report) []string {
	var recs []string
	if rep.Completeness < 0.8 {
		recs = append(recs, "ensure required fields")
	}
	if rep.Confidence < 0.7 {
		recs = append(recs, "improve biblical content detection")
	}
	if rep.Consistency < 0.8 {
		recs = append(recs, "review internal logic")
	}
	if len(rep.MissingFields) > 0 {
		missing := append([]string(nil), rep.MissingFields...)
		sort.Strings(missing)
		recs = append(recs, "add missing fields: "+strings.Join(missing, ", "))
	}
	return recs
}

// Decide maps a grade onto the pipeline routing for that result.
func (v *Validator) Decide(rep Report) Decision {
	switch rep.Grade {
	case GradeExcellent, GradeGood, GradeAcceptable:
		return Decision{Persist: true}
	case GradePoor:
		return Decision{
			Persist:       true,
			FlagForReview: true,
			Reenqueue:     true,
			Priority:      domain.PriorityMedium,
			Delay:         5 * time.Minute,
		}
	default:
		return Decision{
			Reenqueue: true,
			Priority:  domain.PriorityHigh,
			Delay:     time.Minute,
		}
	}
}

func clamp01(f float64) float64 {
	if f < 0 {
		return 0
	}
	if f > 1 {
		return 1
	}
	return f
}

func nonWhitespaceLen(s string) int {
	n := 0
	for _, r := range s {
		if !strings.ContainsRune(" \t\n\r\v\f", r) {
			n++
		}
	}
	return n
}

func asNumber(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	}
	return 0, false
}

func asList(v any) ([]any, bool) {
	switch l := v.(type) {
	case []any:
		return l, true
	case []string:
		out := make([]any, len(l))
		for i, s := range l {
			out[i] = s
		}
		return out, true
	}
	return nil, false
}

func asMap(v any) (map[string]any, bool) {
	m, ok := v.(map[string]any)
	return m, ok
}
