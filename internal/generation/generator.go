package generation

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/suPer8Hu/astro-report/internal/ai"
	"github.com/suPer8Hu/astro-report/internal/report"
)

// Generator produces raw content for one report. sessionKey identifies the
// attempt (the report id) for logging and provider-side tracing.
type Generator interface {
	Generate(ctx context.Context, t report.Type, in report.Input, sessionKey string) (RawContent, error)
}

type GeneratorFunc func(ctx context.Context, t report.Type, in report.Input, sessionKey string) (RawContent, error)

func (f GeneratorFunc) Generate(ctx context.Context, t report.Type, in report.Input, sessionKey string) (RawContent, error) {
	return f(ctx, t, in, sessionKey)
}

// Registry routes report types to generators, with a default for the rest.
type Registry struct {
	byType   map[report.Type]Generator
	fallback Generator
}

func NewRegistry(def Generator) *Registry {
	return &Registry{byType: make(map[report.Type]Generator), fallback: def}
}

func (r *Registry) Register(t report.Type, g Generator) {
	r.byType[t] = g
}

func (r *Registry) For(t report.Type) (Generator, error) {
	if g, ok := r.byType[t]; ok {
		return g, nil
	}
	if r.fallback == nil {
		return nil, fmt.Errorf("no generator for report type %q", t)
	}
	return r.fallback, nil
}

// LLMGenerator asks a chat model for the report as a JSON document.
type LLMGenerator struct {
	provider ai.Provider
}

func NewLLMGenerator(p ai.Provider) *LLMGenerator {
	return &LLMGenerator{provider: p}
}

const systemPrompt = `You are an experienced Vedic astrologer writing a personalised report.
Respond with a single JSON object and nothing else:
{"title": string, "summary": string, "sections": [{"title": string, "body": string}]}
Write every requested section in order. Each body is several paragraphs of plain prose.
Never use placeholder text.`

func (g *LLMGenerator) Generate(ctx context.Context, t report.Type, in report.Input, sessionKey string) (RawContent, error) {
	spec, ok := report.Lookup(t)
	if !ok {
		return RawContent{}, fmt.Errorf("unknown report type %q", t)
	}

	reply, err := g.provider.Chat(ctx, []ai.Message{
		ai.System(systemPrompt),
		ai.User(buildPrompt(spec, in)),
	})
	if err != nil {
		return RawContent{}, err
	}
	raw, err := ParseRawContent(reply)
	if err != nil {
		return RawContent{}, fmt.Errorf("report %s: %w", sessionKey, err)
	}
	return raw, nil
}

func buildPrompt(spec report.Spec, in report.Input) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Report: %s\n", spec.Title)
	fmt.Fprintf(&b, "Sections: %s\n", strings.Join(spec.Sections, "; "))
	fmt.Fprintf(&b, "Write at least %d characters in total.\n\n", spec.MinBodyChars)

	b.WriteString("Birth details:\n")
	if in.Name != "" {
		fmt.Fprintf(&b, "- Name: %s\n", in.Name)
	}
	fmt.Fprintf(&b, "- Date of birth: %s\n", in.DOB)
	if in.TOB != "" {
		fmt.Fprintf(&b, "- Time of birth: %s\n", in.TOB)
	}
	if in.Place != "" {
		fmt.Fprintf(&b, "- Place of birth: %s\n", in.Place)
	}
	if in.Latitude != nil && in.Longitude != nil {
		fmt.Fprintf(&b, "- Coordinates: %.4f, %.4f\n", *in.Latitude, *in.Longitude)
	}
	if in.Timezone != "" {
		fmt.Fprintf(&b, "- Timezone: %s\n", in.Timezone)
	}
	if in.PartnerName != "" {
		fmt.Fprintf(&b, "- Partner: %s\n", in.PartnerName)
	}
	if in.Question != "" {
		fmt.Fprintf(&b, "\nQuestion to address: %s\n", in.Question)
	}
	return b.String()
}

var ErrUnparseable = errors.New("generator returned no parseable report")

// ParseRawContent decodes a model reply, tolerating code fences and prose
// around the JSON object.
func ParseRawContent(reply string) (RawContent, error) {
	s := strings.TrimSpace(reply)
	s = strings.TrimPrefix(s, "```json")
	s = strings.TrimPrefix(s, "```")
	s = strings.TrimSuffix(s, "```")

	start := strings.Index(s, "{")
	end := strings.LastIndex(s, "}")
	if start < 0 || end <= start {
		return RawContent{}, ErrUnparseable
	}

	var raw RawContent
	if err := json.Unmarshal([]byte(s[start:end+1]), &raw); err != nil {
		return RawContent{}, fmt.Errorf("%w: %v", ErrUnparseable, err)
	}
	return raw, nil
}

// MockMarker tags content from MockGenerator so validation rejects it
// anywhere mock content is not explicitly allowed.
const MockMarker = "[MOCK REPORT]"

// MockGenerator returns deterministic content for local development.
type MockGenerator struct{}

func (MockGenerator) Generate(ctx context.Context, t report.Type, in report.Input, sessionKey string) (RawContent, error) {
	spec, ok := report.Lookup(t)
	if !ok {
		return RawContent{}, fmt.Errorf("unknown report type %q", t)
	}
	if err := ctx.Err(); err != nil {
		return RawContent{}, err
	}

	name := in.Name
	if name == "" {
		name = "the native"
	}
	raw := RawContent{
		Title:   MockMarker + " " + spec.Title,
		Summary: fmt.Sprintf("A development preview of the %s for %s, born %s.", strings.ToLower(spec.Title), name, in.DOB),
	}
	per := spec.MinBodyChars/len(spec.Sections) + 1
	for _, sec := range spec.Sections {
		body := fmt.Sprintf("%s for %s. The planetary picture here is steady and supportive. ", sec, name)
		for len(body) < per {
			body += "Patience and consistent effort bring the results this period promises. "
		}
		raw.Sections = append(raw.Sections, report.Section{Title: sec, Body: strings.TrimSpace(body)})
	}
	return raw, nil
}
