package cmd

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/evidentia-ai/evidentia/internal/chunk"
	"github.com/evidentia-ai/evidentia/internal/config"
	"github.com/evidentia-ai/evidentia/internal/service"
	"github.com/evidentia-ai/evidentia/internal/store"
)

// ingestDocument is the on-disk shape of one corpus document. Chunks
// may be pre-split; otherwise the text is split on paragraphs.
type ingestDocument struct {
	ID          string   `json:"id"`
	Title       string   `json:"title"`
	Text        string   `json:"text"`
	SourceURL   string   `json:"source_url"`
	SourcePath  string   `json:"source_path"`
	Kind        string   `json:"kind"`
	Language    string   `json:"language"`
	Geo         string   `json:"geo"`
	Currency    string   `json:"currency"`
	PublishedAt string   `json:"published_at"`
	UpdatedAt   string   `json:"updated_at"`
	EffectiveAt string   `json:"effective_at"`
	ExpiresAt   string   `json:"expires_at"`
	Authority   float64  `json:"authority"`
	Products    []string `json:"products"`
	Categories  []string `json:"categories"`
	Chunks      []string `json:"chunks"`
}

// newIngestCmd creates the ingest command.
func newIngestCmd(configPath *string) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "ingest <documents.json>",
		Short: "Ingest a JSON document corpus into the store",
		Long: `Reads a JSON array of documents, embeds their chunks, and writes
them to the metadata store, BM25 indexes, and vector index. When the
configured data directory is set, the indexes are persisted there.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(*configPath)
			if err != nil {
				return err
			}
			return runIngest(cmd, cfg, args[0])
		},
	}
	return cmd
}

func runIngest(cmd *cobra.Command, cfg *config.Config, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read corpus: %w", err)
	}

	var docs []ingestDocument
	if err := json.Unmarshal(data, &docs); err != nil {
		return fmt.Errorf("parse corpus: %w", err)
	}

	svc, err := service.New(cfg, nil)
	if err != nil {
		return err
	}
	defer svc.Close()

	ctx := cmd.Context()
	chunker := chunk.New()
	chunks := 0
	for _, d := range docs {
		texts := d.Chunks
		if len(texts) == 0 {
			texts = chunker.Split(d.Text)
		}
		if len(texts) == 0 {
			continue
		}
		doc := &store.Document{
			ID:          d.ID,
			Title:       d.Title,
			Text:        d.Text,
			SourceURL:   d.SourceURL,
			SourcePath:  d.SourcePath,
			Kind:        store.DocKind(d.Kind),
			Language:    d.Language,
			Geo:         d.Geo,
			Currency:    d.Currency,
			PublishedAt: d.PublishedAt,
			UpdatedAt:   d.UpdatedAt,
			EffectiveAt: d.EffectiveAt,
			ExpiresAt:   d.ExpiresAt,
			Authority:   d.Authority,
			Products:    d.Products,
			Categories:  d.Categories,
		}
		if err := svc.IngestDocument(ctx, doc, texts); err != nil {
			return fmt.Errorf("ingest %s: %w", d.ID, err)
		}
		chunks += len(texts)
	}

	if err := svc.Save(); err != nil {
		return err
	}

	stats, err := svc.Stats(ctx)
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Ingested %d documents (%d chunks); store now holds %d documents, %d chunks, %d vectors\n",
		len(docs), chunks, stats.Documents, stats.Chunks, stats.Vectors)
	return nil
}
