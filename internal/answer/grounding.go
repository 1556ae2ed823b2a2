package answer

import (
	"math"
	"regexp"
	"strings"
)

var (
	wordRegex     = regexp.MustCompile(`[a-zA-Z][a-zA-Z0-9'-]*`)
	sentenceRegex = regexp.MustCompile(`[^.!?]+[.!?]?`)
)

// groundingStopWords drop from term-level metrics.
var groundingStopWords = map[string]bool{
	"the": true, "a": true, "an": true, "and": true, "or": true, "but": true,
	"of": true, "to": true, "in": true, "on": true, "for": true, "with": true,
	"is": true, "are": true, "was": true, "were": true, "be": true, "been": true,
	"it": true, "its": true, "this": true, "that": true, "these": true, "those": true,
	"as": true, "at": true, "by": true, "from": true, "into": true, "about": true,
	"do": true, "does": true, "did": true, "will": true, "would": true, "can": true,
	"could": true, "should": true, "may": true, "your": true, "you": true, "i": true,
	"we": true, "they": true, "he": true, "she": true, "not": true, "no": true,
	"if": true, "then": true, "than": true, "so": true, "such": true, "have": true,
	"has": true, "had": true, "there": true, "their": true, "them": true,
}

// computeGrounding derives every local evidence metric for an answer:
// IDF-weighted supported-term ratio, entity coverage, numeric
// fidelity, TF-IDF question/answer alignment, per-sentence precision,
// and the interrogative-spine completeness.
//
// cited holds the texts of the passages the model actually cited;
// pool holds every retrieved passage text and is the IDF corpus.
func computeGrounding(question, answerText string, cited, pool []string) *Grounding {
	g := &Grounding{}

	idf := buildIDF(pool)
	citedTerms := termSet(cited)

	// Supported-term ratio, IDF-weighted.
	var supportedIDF, totalIDF float64
	seen := make(map[string]bool)
	lowerAnswer := strings.ToLower(answerText)
	for _, term := range contentTerms(answerText) {
		if seen[term] {
			continue
		}
		seen[term] = true

		w := idf.weight(term)
		supported := citedTerms[term]
		totalIDF += w
		if supported {
			supportedIDF += w
		}

		start := strings.Index(lowerAnswer, term)
		g.Terms = append(g.Terms, TermSupport{
			Term:      term,
			IDF:       w,
			Supported: supported,
			Span:      [2]int{start, start + len(term)},
		})
	}
	if totalIDF > 0 {
		g.SupportedTermRatio = clip01(supportedIDF / totalIDF)
	}

	// Entity coverage, overall and by type.
	entities := recognizeEntities(answerText)
	byTypeSupported := make(map[EntityType]int)
	byTypeTotal := make(map[EntityType]int)
	supportedCount := 0
	for i := range entities {
		entities[i].Supported = entitySupported(entities[i], cited)
		byTypeTotal[entities[i].Type]++
		if entities[i].Supported {
			byTypeSupported[entities[i].Type]++
			supportedCount++
		}
	}
	g.Entities = entities
	if len(entities) == 0 {
		g.EntityCoverage = 1.0
	} else {
		g.EntityCoverage = float64(supportedCount) / float64(len(entities))
	}
	g.EntityByType = make(map[string]float64, len(byTypeTotal))
	for typ, total := range byTypeTotal {
		g.EntityByType[string(typ)] = float64(byTypeSupported[typ]) / float64(total)
	}

	// Numeric fidelity: every answer number must appear verbatim
	// (after normalization) in a cited passage.
	citedNumbers := make(map[string]bool)
	for _, t := range cited {
		for _, n := range extractNumbers(t) {
			citedNumbers[normalizeNumber(n)] = true
		}
	}
	seenNumbers := make(map[string]bool)
	for _, n := range extractNumbers(answerText) {
		norm := normalizeNumber(n)
		if norm == "" || seenNumbers[norm] {
			continue
		}
		seenNumbers[norm] = true
		if !citedNumbers[norm] {
			g.UnsupportedNumbers = append(g.UnsupportedNumbers, n)
		}
	}

	g.QAAlignment = tfidfCosine(question, answerText, idf)

	// Per-sentence precision over content tokens.
	for _, sentence := range splitSentences(answerText) {
		terms := contentTerms(sentence)
		if len(terms) == 0 {
			continue
		}
		supported := 0
		for _, term := range terms {
			if citedTerms[term] {
				supported++
			}
		}
		g.SentencePrecision = append(g.SentencePrecision, float64(supported)/float64(len(terms)))
	}

	g.SpineCompleteness = spineCompleteness(question, answerText, entities)
	return g
}

// idfTable maps terms to inverse document frequency over the
// retrieval pool.
type idfTable struct {
	weights map[string]float64
	n       int
}

func buildIDF(pool []string) idfTable {
	df := make(map[string]int)
	for _, text := range pool {
		for term := range termSet([]string{text}) {
			df[term]++
		}
	}
	weights := make(map[string]float64, len(df))
	for term, count := range df {
		weights[term] = math.Log(float64(len(pool)+1)/float64(count+1)) + 1
	}
	return idfTable{weights: weights, n: len(pool)}
}

// weight returns the IDF for a term; terms unseen in the pool get the
// maximum weight, the same as df=0.
func (t idfTable) weight(term string) float64 {
	if w, ok := t.weights[term]; ok {
		return w
	}
	return math.Log(float64(t.n+1)) + 1
}

func contentTerms(text string) []string {
	words := wordRegex.FindAllString(strings.ToLower(text), -1)
	terms := make([]string, 0, len(words))
	for _, w := range words {
		if len(w) < 2 || groundingStopWords[w] {
			continue
		}
		terms = append(terms, w)
	}
	return terms
}

func termSet(texts []string) map[string]bool {
	set := make(map[string]bool)
	for _, t := range texts {
		for _, term := range contentTerms(t) {
			set[term] = true
		}
	}
	return set
}

func splitSentences(text string) []string {
	var sentences []string
	for _, s := range sentenceRegex.FindAllString(text, -1) {
		if strings.TrimSpace(s) != "" {
			sentences = append(sentences, s)
		}
	}
	return sentences
}

// tfidfCosine is the cosine similarity of the TF-IDF vectors of two
// texts, reported as a diagnostic only.
func tfidfCosine(a, b string, idf idfTable) float64 {
	va := tfidfVector(a, idf)
	vb := tfidfVector(b, idf)

	var dot, normA, normB float64
	for term, wa := range va {
		if wb, ok := vb[term]; ok {
			dot += wa * wb
		}
		normA += wa * wa
	}
	for _, wb := range vb {
		normB += wb * wb
	}
	if normA == 0 || normB == 0 {
		return 0
	}
	return clip01(dot / (math.Sqrt(normA) * math.Sqrt(normB)))
}

func tfidfVector(text string, idf idfTable) map[string]float64 {
	tf := make(map[string]float64)
	for _, term := range contentTerms(text) {
		tf[term]++
	}
	for term := range tf {
		tf[term] *= idf.weight(term)
	}
	return tf
}

// interrogative facets the spine check recognizes, with the evidence
// an answer must show to count the facet as addressed.
type spineFacet struct {
	name    string
	present func(q string) bool
	covered func(answer string, entities []Entity) bool
}

var spineFacets = []spineFacet{
	{
		name:    "when",
		present: func(q string) bool { return hasWord(q, "when") },
		covered: func(a string, ents []Entity) bool {
			return hasEntityType(ents, EntityDate) || hasEntityType(ents, EntityNumber)
		},
	},
	{
		name: "how_much",
		present: func(q string) bool {
			lq := strings.ToLower(q)
			return strings.Contains(lq, "how much") || strings.Contains(lq, "how many")
		},
		covered: func(a string, ents []Entity) bool {
			return hasEntityType(ents, EntityMoney) || hasEntityType(ents, EntityPercent) ||
				hasEntityType(ents, EntityNumber)
		},
	},
	{
		name:    "who",
		present: func(q string) bool { return hasWord(q, "who") },
		covered: func(a string, ents []Entity) bool {
			return hasEntityType(ents, EntityOrg) || hasEntityType(ents, EntityProduct) ||
				hasCapitalizedWord(a)
		},
	},
	{
		name:    "where",
		present: func(q string) bool { return hasWord(q, "where") },
		covered: func(a string, ents []Entity) bool { return hasCapitalizedWord(a) },
	},
	{
		name: "what",
		present: func(q string) bool {
			return hasWord(q, "what") || hasWord(q, "which") || hasWord(q, "how") || hasWord(q, "why")
		},
		covered: func(a string, ents []Entity) bool {
			return len(contentTerms(a)) >= 3
		},
	},
}

// spineCompleteness extracts the question's interrogative facets and
// reports the fraction the answer addresses. Questions without a
// recognizable interrogative score 1.
func spineCompleteness(question, answerText string, entities []Entity) float64 {
	var present, covered int
	for _, f := range spineFacets {
		if !f.present(question) {
			continue
		}
		present++
		if f.covered(answerText, entities) {
			covered++
		}
	}
	if present == 0 {
		return 1.0
	}
	return float64(covered) / float64(present)
}

func hasWord(text, word string) bool {
	for _, w := range wordRegex.FindAllString(strings.ToLower(text), -1) {
		if w == word {
			return true
		}
	}
	return false
}

func hasEntityType(entities []Entity, typ EntityType) bool {
	for _, e := range entities {
		if e.Type == typ {
			return true
		}
	}
	return false
}

var capitalizedWordRegex = regexp.MustCompile(`(?:^|[^.!?]\s)([A-Z][a-z]+)`)

func hasCapitalizedWord(text string) bool {
	return capitalizedWordRegex.MatchString(text)
}

func clip01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
