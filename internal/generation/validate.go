package generation

import (
	"fmt"
	"strings"

	"github.com/suPer8Hu/astro-report/internal/report"
)

// RawContent is what a generator hands back before validation.
type RawContent struct {
	Title    string           `json:"title"`
	Summary  string           `json:"summary"`
	Sections []report.Section `json:"sections"`
}

func (r RawContent) bodyLength() int {
	c := report.Content{Summary: r.Summary, Sections: r.Sections}
	return c.BodyLength()
}

const ReasonTooShort = "content too short"

// Sentinels that only non-production code paths emit.
var mockMarkers = []string{
	"[mock]",
	"[mock report]",
	"mock mode",
	"mock_report",
	"this is a mock",
	"generated by mock",
}

var placeholderMarkers = []string{
	"lorem ipsum",
	"dolor sit amet",
	"{{",
	"}}",
	"[insert",
	"<insert",
	"[placeholder]",
	"placeholder text",
}

type Validation struct {
	OK     bool
	Code   report.ErrorCode
	Reason string
}

func (v Validation) Error() string {
	return fmt.Sprintf("%s: %s", v.Code, v.Reason)
}

func pass() Validation { return Validation{OK: true} }

func reject(code report.ErrorCode, format string, args ...any) Validation {
	return Validation{Code: code, Reason: fmt.Sprintf(format, args...)}
}

type ValidateOptions struct {
	// AllowMock lets development content through; production never sets it.
	AllowMock bool
}

// Validate checks the structure of generated content for a report type.
func Validate(spec report.Spec, raw RawContent, opts ValidateOptions) Validation {
	if !opts.AllowMock {
		if m := findMarker(raw, mockMarkers); m != "" {
			return reject(report.CodeMockContentDetected, "mock marker %q found", m)
		}
	}

	nonEmpty := 0
	for _, s := range raw.Sections {
		if strings.TrimSpace(s.Body) != "" {
			nonEmpty++
		}
	}
	if nonEmpty == 0 {
		return reject(report.CodeMissingSections, "report has no sections with content")
	}

	if strings.TrimSpace(raw.Title) == "" {
		return reject(report.CodeValidationFailed, "missing title")
	}
	for _, s := range raw.Sections {
		if strings.TrimSpace(s.Body) != "" && strings.TrimSpace(s.Title) == "" {
			return reject(report.CodeValidationFailed, "section without title")
		}
	}

	if m := findMarker(raw, placeholderMarkers); m != "" {
		return reject(report.CodeValidationFailed, "placeholder text %q found", m)
	}

	if n := raw.bodyLength(); n < spec.MinBodyChars {
		return Validation{
			Code:   report.CodeValidationFailed,
			Reason: ReasonTooShort,
		}
	}
	return pass()
}

func findMarker(raw RawContent, markers []string) string {
	texts := make([]string, 0, 2+2*len(raw.Sections))
	texts = append(texts, raw.Title, raw.Summary)
	for _, s := range raw.Sections {
		texts = append(texts, s.Title, s.Body)
	}
	for _, t := range texts {
		lt := strings.ToLower(t)
		for _, m := range markers {
			if strings.Contains(lt, m) {
				return m
			}
		}
	}
	return ""
}
