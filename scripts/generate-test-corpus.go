//go:build ignore

// Generates a synthetic document corpus for ingest benchmarking.
// Usage: go run scripts/generate-test-corpus.go -docs 500 -output testdata/corpus.json
package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"math/rand"
	"os"
	"strings"
	"time"
)

var (
	numDocs = flag.Int("docs", 500, "Number of documents to generate")
	output  = flag.String("output", "testdata/corpus.json", "Output file")
	seed    = flag.Int64("seed", 42, "Random seed for reproducibility")
)

type document struct {
	ID          string   `json:"id"`
	Title       string   `json:"title"`
	Text        string   `json:"text"`
	SourceURL   string   `json:"source_url,omitempty"`
	Kind        string   `json:"kind"`
	PublishedAt string   `json:"published_at,omitempty"`
	Products    []string `json:"products,omitempty"`
	Categories  []string `json:"categories,omitempty"`
}

var (
	kinds    = []string{"promo", "disclosure", "terms", "faq", "landing", "form", "other"}
	products = []string{
		"Atlas", "Beacon", "Compass", "Drift", "Ember",
		"Fathom", "Glacier", "Harbor", "Ion", "Juniper",
	}
	categories = []string{
		"billing", "shipping", "returns", "accounts", "security",
		"integrations", "limits", "pricing", "support", "compliance",
	}
	subjects = []string{
		"refunds", "invoices", "password resets", "API keys", "rate limits",
		"data exports", "two-factor authentication", "webhooks", "trial periods",
		"seat licenses", "payment methods", "delivery windows", "order tracking",
		"account deletion", "audit logs",
	}
	clauses = []string{
		"Requests are processed within %d business days.",
		"This applies to all plans created after January %d, 2024.",
		"A limit of %d per calendar month is enforced.",
		"Contact support if the operation has not completed after %d hours.",
		"The %d-day grace period begins on the billing anniversary.",
		"Up to %d retries are attempted before the request is marked failed.",
	}
)

func pick(r *rand.Rand, pool []string) string {
	return pool[r.Intn(len(pool))]
}

// sectionText builds a few markdown sections so the chunker has
// headers to split on.
func sectionText(r *rand.Rand, subject string) string {
	var b strings.Builder
	sections := 2 + r.Intn(3)
	for i := 0; i < sections; i++ {
		fmt.Fprintf(&b, "## %s: part %d\n\n", strings.Title(subject), i+1)
		paras := 1 + r.Intn(3)
		for j := 0; j < paras; j++ {
			fmt.Fprintf(&b, clauses[r.Intn(len(clauses))], 1+r.Intn(30))
			b.WriteString(" ")
			fmt.Fprintf(&b, clauses[r.Intn(len(clauses))], 1+r.Intn(30))
			b.WriteString("\n\n")
		}
	}
	return strings.TrimSpace(b.String())
}

func main() {
	flag.Parse()
	r := rand.New(rand.NewSource(*seed))

	docs := make([]document, 0, *numDocs)
	for i := 0; i < *numDocs; i++ {
		subject := pick(r, subjects)
		kind := pick(r, kinds)
		published := time.Date(2024, time.Month(1+r.Intn(12)), 1+r.Intn(28), 0, 0, 0, 0, time.UTC)
		docs = append(docs, document{
			ID:          fmt.Sprintf("doc-%04d", i),
			Title:       fmt.Sprintf("%s — %s", strings.Title(subject), strings.ToUpper(kind[:1])+kind[1:]),
			Text:        sectionText(r, subject),
			SourceURL:   fmt.Sprintf("https://help.example.com/%s/%04d", kind, i),
			Kind:        kind,
			PublishedAt: published.Format(time.RFC3339),
			Products:    []string{pick(r, products)},
			Categories:  []string{pick(r, categories), pick(r, categories)},
		})
	}

	payload, err := json.MarshalIndent(docs, "", "  ")
	if err != nil {
		fmt.Fprintf(os.Stderr, "marshal corpus: %v\n", err)
		os.Exit(1)
	}
	if err := os.WriteFile(*output, payload, 0o644); err != nil {
		fmt.Fprintf(os.Stderr, "write %s: %v\n", *output, err)
		os.Exit(1)
	}
	fmt.Printf("Wrote %d documents to %s\n", len(docs), *output)
}
