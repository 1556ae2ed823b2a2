package answer

import (
	"regexp"
	"sort"
	"strings"
)

// EntityType labels a recognized entity.
type EntityType string

const (
	EntityMoney   EntityType = "money"
	EntityPercent EntityType = "percent"
	EntityDate    EntityType = "date"
	EntityNumber  EntityType = "number"
	EntityOrg     EntityType = "org"
	EntityProduct EntityType = "product"
)

// Entity is a surface-form entity found in the answer text.
type Entity struct {
	Text      string     `json:"text"`
	Type      EntityType `json:"type"`
	Supported bool       `json:"supported"`
	// Span is the [start, end) byte offset in the answer text.
	Span [2]int `json:"span"`
}

// Recognition is regex-based. It trades recall for determinism: the
// grounding rules only need entities whose surface form can be
// checked verbatim against passages.
var entityPatterns = []struct {
	typ EntityType
	re  *regexp.Regexp
}{
	{EntityMoney, regexp.MustCompile(`[$€£¥]\s?\d[\d,]*(\.\d+)?|\b\d[\d,]*(\.\d+)?\s?(USD|EUR|GBP|dollars?|euros?|cents?)\b`)},
	{EntityPercent, regexp.MustCompile(`\b\d+(\.\d+)?\s?(%|percent)`)},
	{EntityDate, regexp.MustCompile(`\b\d{4}-\d{2}-\d{2}\b|\b(January|February|March|April|May|June|July|August|September|October|November|December)\s+\d{1,2}(,\s*\d{4})?\b|\b\d{1,2}\s+(days?|weeks?|months?|years?)\b`)},
	{EntityOrg, regexp.MustCompile(`\b[A-Z][A-Za-z]+\s(Inc|Corp|Ltd|LLC|GmbH)\.?\b|\b[A-Z]{2,5}\b`)},
	{EntityProduct, regexp.MustCompile(`\b[A-Z][a-z]+[A-Z][A-Za-z0-9]*\b|\b[A-Z][a-z]+\s?(Pro|Max|Plus|Mini|X)\b`)},
	// Bare numbers come last so money/percent/date matches win.
	{EntityNumber, regexp.MustCompile(`\b\d[\d,]*(\.\d+)?\b`)},
}

// recognizeEntities extracts entities from text. Overlapping matches
// resolve in pattern order; output is sorted by span start.
func recognizeEntities(text string) []Entity {
	var entities []Entity
	taken := make([]bool, len(text))

	for _, p := range entityPatterns {
		for _, loc := range p.re.FindAllStringIndex(text, -1) {
			if overlapsTaken(taken, loc[0], loc[1]) {
				continue
			}
			for i := loc[0]; i < loc[1]; i++ {
				taken[i] = true
			}
			entities = append(entities, Entity{
				Text: text[loc[0]:loc[1]],
				Type: p.typ,
				Span: [2]int{loc[0], loc[1]},
			})
		}
	}

	sort.Slice(entities, func(i, j int) bool {
		return entities[i].Span[0] < entities[j].Span[0]
	})
	return entities
}

func overlapsTaken(taken []bool, start, end int) bool {
	for i := start; i < end && i < len(taken); i++ {
		if taken[i] {
			return true
		}
	}
	return false
}

// entitySupported reports whether the entity's surface form appears
// in any of the texts, case-insensitively for word entities and after
// numeric normalization for number-bearing ones.
func entitySupported(e Entity, texts []string) bool {
	switch e.Type {
	case EntityMoney, EntityPercent, EntityNumber:
		want := normalizeNumber(e.Text)
		for _, t := range texts {
			for _, n := range extractNumbers(t) {
				if normalizeNumber(n) == want {
					return true
				}
			}
		}
		return false
	default:
		lower := strings.ToLower(e.Text)
		for _, t := range texts {
			if strings.Contains(strings.ToLower(t), lower) {
				return true
			}
		}
		return false
	}
}

var numberExtractRegex = regexp.MustCompile(`\d[\d,]*(\.\d+)?`)

// extractNumbers pulls every numeric token out of text.
func extractNumbers(text string) []string {
	return numberExtractRegex.FindAllString(text, -1)
}

// normalizeNumber strips grouping commas, currency symbols, and
// trailing fraction zeros so "$1,000.50" and "1000.5" compare equal.
func normalizeNumber(s string) string {
	s = strings.TrimSpace(s)
	s = strings.Map(func(r rune) rune {
		switch r {
		case '$', '€', '£', '¥', ',', ' ':
			return -1
		}
		return r
	}, s)
	s = strings.TrimSuffix(s, "%")
	for _, suffix := range []string{"USD", "EUR", "GBP", "dollars", "dollar", "euros", "euro", "cents", "cent", "percent"} {
		s = strings.TrimSuffix(strings.TrimSpace(s), suffix)
	}
	s = strings.TrimSpace(s)
	if strings.Contains(s, ".") {
		s = strings.TrimRight(s, "0")
		s = strings.TrimSuffix(s, ".")
	}
	return s
}
