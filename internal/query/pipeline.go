// Package query answers questions about a ready session in three stages:
// rewrite the question for retrieval, retrieve the closest chunks from the
// session's vector index, and synthesize an answer from them.
package query

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/siterag/internal/logging"
	"github.com/JakeFAU/siterag/internal/metrics"
	"github.com/JakeFAU/siterag/internal/rag"
)

// NoResultsAnswer is returned when retrieval finds nothing for the session.
const NoResultsAnswer = "I could not find anything relevant to that question in the scraped content."

// Config bounds retrieval.
type Config struct {
	DefaultTopK int
	MaxTopK     int
	// Rewrite enables the query-rewriting stage.
	Rewrite bool
}

// Request is one question against one session.
type Request struct {
	SessionID string
	Question  string
	// TopK is the number of chunks to retrieve; 0 selects the default.
	TopK int
}

// SessionReader is the slice of the session manager the pipeline needs.
type SessionReader interface {
	Get(ctx context.Context, id string) (rag.SessionMetadata, error)
}

// Pipeline runs queries.
type Pipeline struct {
	sessions  SessionReader
	embedder  rag.Embedder
	index     rag.VectorIndex
	generator rag.Generator
	cfg       Config
	logger    *zap.Logger
}

// New constructs a Pipeline.
func New(
	sessions SessionReader,
	embedder rag.Embedder,
	index rag.VectorIndex,
	generator rag.Generator,
	cfg Config,
	logger *zap.Logger,
) *Pipeline {
	if cfg.DefaultTopK <= 0 {
		cfg.DefaultTopK = 10
	}
	if cfg.MaxTopK < cfg.DefaultTopK {
		cfg.MaxTopK = max(cfg.DefaultTopK, 50)
	}
	return &Pipeline{
		sessions:  sessions,
		embedder:  embedder,
		index:     index,
		generator: generator,
		cfg:       cfg,
		logger:    logging.OrNop(logger).Named("query"),
	}
}

// Ask answers req.Question from the session's indexed chunks.
func (p *Pipeline) Ask(ctx context.Context, req Request) (answer rag.Answer, err error) {
	start := time.Now()
	defer func() {
		metrics.ObserveQuery(outcome(err), time.Since(start))
	}()

	question := strings.TrimSpace(req.Question)
	if question == "" {
		return rag.Answer{}, rag.Validationf("question is required")
	}
	if req.TopK < 0 {
		return rag.Answer{}, rag.Validationf("top_k must be >= 0, got %d", req.TopK)
	}
	topK := req.TopK
	if topK == 0 {
		topK = p.cfg.DefaultTopK
	}
	topK = min(topK, p.cfg.MaxTopK)

	meta, err := p.sessions.Get(ctx, req.SessionID)
	if err != nil {
		return rag.Answer{}, err
	}
	logger := logging.Session(p.logger, req.SessionID)
	if meta.Status != rag.StatusReady {
		logger.Debug("query before index is ready", zap.String("status", string(meta.Status)))
		return rag.Answer{}, rag.NotReady(req.SessionID, meta.Status)
	}

	rewritten := p.rewrite(ctx, question, meta, logger)

	vector, err := p.embedder.Embed(ctx, rewritten)
	if err != nil {
		return rag.Answer{}, rag.Infrastructure("embed query", err)
	}
	hits, err := p.index.Search(ctx, req.SessionID, vector, topK)
	if err != nil {
		return rag.Answer{}, rag.Infrastructure("search index", err)
	}
	logger.Debug("chunks retrieved", zap.Int("hits", len(hits)), zap.Int("top_k", topK))
	if len(hits) == 0 {
		return rag.Answer{Answer: NoResultsAnswer, RewrittenQuery: rewritten, Sources: []rag.Source{}}, nil
	}

	text, err := p.generator.Generate(ctx, synthesisPrompt(question, meta, hits))
	if err != nil {
		return rag.Answer{}, rag.Infrastructure("generate answer", err)
	}
	return rag.Answer{
		Answer:         text,
		RewrittenQuery: rewritten,
		Sources:        Sources(hits),
	}, nil
}

// rewrite returns a retrieval-friendly form of question, or question itself
// when rewriting is disabled or fails.
func (p *Pipeline) rewrite(ctx context.Context, question string, meta rag.SessionMetadata, logger *zap.Logger) string {
	if !p.cfg.Rewrite {
		return question
	}
	out, err := p.generator.Generate(ctx, rewritePrompt(question, meta))
	if err != nil {
		logger.Warn("query rewrite failed; using the original question", zap.Error(err))
		return question
	}
	out = strings.TrimSpace(out)
	if out == "" {
		return question
	}
	return out
}

func rewritePrompt(question string, meta rag.SessionMetadata) string {
	var b strings.Builder
	b.WriteString("Rewrite the user's question as a concise search query for documents scraped from ")
	b.WriteString(meta.SourceURL)
	b.WriteString(".\n")
	if meta.Purpose != "" {
		fmt.Fprintf(&b, "The site was collected for this purpose: %s\n", meta.Purpose)
	}
	b.WriteString("Reply with the query only.\n\nQuestion: ")
	b.WriteString(question)
	return b.String()
}

func synthesisPrompt(question string, meta rag.SessionMetadata, hits []rag.SearchHit) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Answer the question using only the excerpts from %s below. ", meta.SourceURL)
	b.WriteString("If the excerpts do not contain the answer, say so.\n\n")
	for i, h := range hits {
		fmt.Fprintf(&b, "[%d] %s (%s)\n%s\n\n", i+1, h.Metadata.PageName, h.Metadata.PageURL, h.Metadata.Text)
	}
	b.WriteString("Question: ")
	b.WriteString(question)
	return b.String()
}

// Sources collapses hits to one entry per page with its best score, highest
// score first and ties ordered by URL.
func Sources(hits []rag.SearchHit) []rag.Source {
	best := make(map[string]rag.Source, len(hits))
	for _, h := range hits {
		cur, ok := best[h.Metadata.PageURL]
		if ok && cur.Score >= h.Score {
			continue
		}
		best[h.Metadata.PageURL] = rag.Source{
			PageURL:  h.Metadata.PageURL,
			PageName: h.Metadata.PageName,
			Score:    h.Score,
		}
	}
	out := make([]rag.Source, 0, len(best))
	for _, s := range best {
		out = append(out, s)
	}
	slices.SortFunc(out, func(a, b rag.Source) int {
		if c := cmp.Compare(b.Score, a.Score); c != 0 {
			return c
		}
		return strings.Compare(a.PageURL, b.PageURL)
	})
	return out
}

func outcome(err error) string {
	switch {
	case err == nil:
		return "answered"
	case errors.Is(err, rag.ErrNotReady):
		return "not_ready"
	default:
		return string(rag.KindOf(err))
	}
}
