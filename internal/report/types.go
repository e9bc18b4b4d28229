package report

import (
	"fmt"
	"regexp"
	"strings"
	"time"
)

type Type string

const (
	TypeYearAnalysis    Type = "year-analysis"
	TypeFullLife        Type = "full-life"
	TypeCareerMoney     Type = "career-money"
	TypeMajorLifePhase  Type = "major-life-phase"
	TypeDecisionSupport Type = "decision-support"
	TypeLifeSummary     Type = "life-summary"
	TypeMarriageTiming  Type = "marriage-timing"
)

// Spec describes how a report type is generated, billed and bounded.
type Spec struct {
	Type  Type
	Title string
	// Sections the generator is asked to produce, in order.
	Sections []string
	// MinBodyChars below which content is "too short".
	MinBodyChars int
	Paid         bool
	// Degradable types may complete with LOW quality when content is short.
	Degradable bool
	// ClientBound is how long a client waits before showing an explicit failure.
	ClientBound time.Duration
}

var catalogue = map[Type]Spec{
	TypeYearAnalysis: {
		Type:         TypeYearAnalysis,
		Title:        "Your Year Ahead",
		Sections:     []string{"Overview", "Career", "Relationships", "Health", "Finances", "Key Months"},
		MinBodyChars: 1200,
		Paid:         true,
		Degradable:   true,
		ClientBound:  90 * time.Second,
	},
	TypeFullLife: {
		Type:         TypeFullLife,
		Title:        "Full Life Report",
		Sections:     []string{"Personality", "Career", "Relationships", "Health", "Wealth", "Spiritual Path", "Life Phases"},
		MinBodyChars: 2000,
		Paid:         true,
		ClientBound:  120 * time.Second,
	},
	TypeCareerMoney: {
		Type:         TypeCareerMoney,
		Title:        "Career & Money Report",
		Sections:     []string{"Career Strengths", "Favourable Periods", "Money Patterns", "Guidance"},
		MinBodyChars: 1000,
		Paid:         true,
		ClientBound:  90 * time.Second,
	},
	TypeMajorLifePhase: {
		Type:         TypeMajorLifePhase,
		Title:        "Major Life Phase Report",
		Sections:     []string{"Current Phase", "Upcoming Phase", "Opportunities", "Challenges", "Guidance"},
		MinBodyChars: 1200,
		Paid:         true,
		ClientBound:  120 * time.Second,
	},
	TypeDecisionSupport: {
		Type:         TypeDecisionSupport,
		Title:        "Decision Support Report",
		Sections:     []string{"Your Question", "Planetary Influences", "Options", "Timing", "Recommendation"},
		MinBodyChars: 800,
		Paid:         true,
		ClientBound:  90 * time.Second,
	},
	TypeLifeSummary: {
		Type:         TypeLifeSummary,
		Title:        "Life Summary",
		Sections:     []string{"Core Nature", "Strengths", "Growth Areas"},
		MinBodyChars: 500,
		Degradable:   true,
		ClientBound:  90 * time.Second,
	},
	TypeMarriageTiming: {
		Type:         TypeMarriageTiming,
		Title:        "Marriage Timing Report",
		Sections:     []string{"Relationship Nature", "Favourable Windows", "Compatibility Notes", "Guidance"},
		MinBodyChars: 1000,
		Paid:         true,
		ClientBound:  90 * time.Second,
	},
}

func Lookup(t Type) (Spec, bool) {
	s, ok := catalogue[t]
	return s, ok
}

// Types returns every known report type.
func Types() []Type {
	return []Type{
		TypeYearAnalysis, TypeFullLife, TypeCareerMoney, TypeMajorLifePhase,
		TypeDecisionSupport, TypeLifeSummary, TypeMarriageTiming,
	}
}

var tobPattern = regexp.MustCompile(`^([01]\d|2[0-3]):[0-5]\d$`)

// ValidateInput checks the request payload before any row is created.
func ValidateInput(t Type, in Input) error {
	if _, ok := Lookup(t); !ok {
		return fmt.Errorf("%w: unknown report type %q", ErrInvalidInput, t)
	}
	dob, err := time.Parse("2006-01-02", strings.TrimSpace(in.DOB))
	if err != nil {
		return fmt.Errorf("%w: dob must be YYYY-MM-DD", ErrInvalidInput)
	}
	if dob.After(time.Now()) {
		return fmt.Errorf("%w: dob is in the future", ErrInvalidInput)
	}
	if in.TOB != "" && !tobPattern.MatchString(in.TOB) {
		return fmt.Errorf("%w: tob must be HH:MM", ErrInvalidInput)
	}
	if in.Latitude != nil && (*in.Latitude < -90 || *in.Latitude > 90) {
		return fmt.Errorf("%w: latitude out of range", ErrInvalidInput)
	}
	if in.Longitude != nil && (*in.Longitude < -180 || *in.Longitude > 180) {
		return fmt.Errorf("%w: longitude out of range", ErrInvalidInput)
	}
	if t == TypeDecisionSupport && strings.TrimSpace(in.Question) == "" {
		return fmt.Errorf("%w: decision-support requires a question", ErrInvalidInput)
	}
	return nil
}
