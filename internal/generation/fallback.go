package generation

import (
	"strconv"
	"strings"
	"unicode"

	"github.com/suPer8Hu/astro-report/internal/report"
)

// Fallback repairs structure without calling a model: trims text, drops lines
// carrying placeholder text, drops empty sections, and fills in a title, missing
// section titles and a summary. Mock markers are left alone on purpose so the
// repaired content still fails if one leaked through.
func Fallback(spec report.Spec, raw RawContent) RawContent {
	out := RawContent{
		Title:   strings.TrimSpace(stripPlaceholders(raw.Title)),
		Summary: strings.TrimSpace(stripPlaceholders(raw.Summary)),
	}
	if out.Title == "" {
		out.Title = spec.Title
	}

	seen := make(map[string]int)
	for i, s := range raw.Sections {
		body := strings.TrimSpace(stripPlaceholders(s.Body))
		if body == "" {
			continue
		}
		title := strings.TrimSpace(stripPlaceholders(s.Title))
		if title == "" {
			title = sectionTitle(spec, i)
		}
		base := slug(title)
		id := base
		if n := seen[base]; n > 0 {
			id = base + "-" + strconv.Itoa(n+1)
		}
		seen[base]++
		out.Sections = append(out.Sections, report.Section{ID: id, Title: title, Body: body})
	}

	if out.Summary == "" && len(out.Sections) > 0 {
		out.Summary = firstSentence(out.Sections[0].Body)
	}
	return out
}

func sectionTitle(spec report.Spec, i int) string {
	if i < len(spec.Sections) {
		return spec.Sections[i]
	}
	return "Section " + strconv.Itoa(i+1)
}

func stripPlaceholders(s string) string {
	if s == "" {
		return s
	}
	lines := strings.Split(s, "\n")
	kept := lines[:0]
	for _, line := range lines {
		ll := strings.ToLower(line)
		drop := false
		for _, m := range placeholderMarkers {
			if strings.Contains(ll, m) {
				drop = true
				break
			}
		}
		if !drop {
			kept = append(kept, line)
		}
	}
	return strings.Join(kept, "\n")
}

func firstSentence(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.IndexAny(s, ".!?"); i >= 0 {
		return s[:i+1]
	}
	if r := []rune(s); len(r) > 200 {
		return string(r[:200])
	}
	return s
}

func slug(s string) string {
	var b strings.Builder
	dash := false
	for _, r := range strings.ToLower(s) {
		switch {
		case unicode.IsLetter(r) || unicode.IsDigit(r):
			b.WriteRune(r)
			dash = false
		case !dash && b.Len() > 0:
			b.WriteByte('-')
			dash = true
		}
	}
	return strings.TrimRight(b.String(), "-")
}
