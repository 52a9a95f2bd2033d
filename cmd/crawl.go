package cmd

import (
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"

	"github.com/JakeFAU/siterag/internal/query"
	"github.com/JakeFAU/siterag/internal/rag"
	"github.com/JakeFAU/siterag/internal/session"
)

type crawlOptions struct {
	purpose  string
	mode     string
	maxPages int
	maxDepth int
	delay    time.Duration
	question string
	topK     int
}

// newCrawlCmd scrapes and embeds one site in the foreground, then optionally
// answers a question against it.
func newCrawlCmd() *cobra.Command {
	var opts crawlOptions
	cmd := &cobra.Command{
		Use:   "crawl <url>",
		Short: "Scrape and index a site, optionally answering a question",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runCrawl(cmd, args[0], opts)
		},
	}
	flags := cmd.Flags()
	flags.StringVar(&opts.purpose, "purpose", "", "what the site will be asked about")
	flags.StringVar(&opts.mode, "mode", string(rag.ModeCrawl), "frontier seeding: crawl or sitemap")
	flags.IntVar(&opts.maxPages, "max-pages", 0, "page budget (0 uses the configured default)")
	flags.IntVar(&opts.maxDepth, "max-depth", -1, "link depth limit (-1 uses the configured default)")
	flags.DurationVar(&opts.delay, "delay", 0, "politeness delay between requests to one host")
	flags.StringVarP(&opts.question, "question", "q", "", "question to ask once the site is indexed")
	flags.IntVar(&opts.topK, "top-k", 0, "chunks to retrieve (0 uses the configured default)")
	return cmd
}

func runCrawl(cmd *cobra.Command, sourceURL string, opts crawlOptions) error {
	appInstance, err := resolveApp(cmd.Context())
	if err != nil {
		return err
	}
	req := session.CreateRequest{
		SourceURL: sourceURL,
		Purpose:   opts.purpose,
		Mode:      rag.Mode(opts.mode),
		Crawl: rag.CrawlParams{
			MaxPages: opts.maxPages,
			Delay:    opts.delay,
		},
	}
	if opts.maxDepth >= 0 {
		depth := opts.maxDepth
		req.Crawl.MaxDepth = &depth
	}

	meta, err := appInstance.Crawl(cmd.Context(), req)
	if err != nil {
		return fmt.Errorf("crawl %s: %w", sourceURL, err)
	}
	out := cmd.OutOrStdout()
	printSession(out, meta)
	if meta.Status != rag.StatusReady {
		return fmt.Errorf("session %s ended in %s: %s", meta.SessionID, meta.Status, meta.ErrorMessage)
	}
	if opts.question == "" {
		return nil
	}

	answer, err := appInstance.Ask(cmd.Context(), query.Request{
		SessionID: meta.SessionID,
		Question:  opts.question,
		TopK:      opts.topK,
	})
	if err != nil {
		return fmt.Errorf("ask: %w", err)
	}
	printAnswer(out, answer)
	return nil
}

func printSession(w io.Writer, meta rag.SessionMetadata) {
	fmt.Fprintf(w, "session %s: %s\n", meta.SessionID, meta.Status)
	fmt.Fprintf(w, "  pages scraped: %d (failed %d)\n", meta.PagesScraped, meta.PagesFailed)
	fmt.Fprintf(w, "  pages embedded: %d, chunks: %d\n", meta.PagesEmbedded, meta.ChunksTotal)
	if meta.ErrorMessage != "" {
		fmt.Fprintf(w, "  error: %s\n", meta.ErrorMessage)
	}
}

func printAnswer(w io.Writer, answer rag.Answer) {
	fmt.Fprintf(w, "\n%s\n", answer.Answer)
	if len(answer.Sources) == 0 {
		return
	}
	fmt.Fprintln(w, "\nSources:")
	for _, src := range answer.Sources {
		fmt.Fprintf(w, "  - %s (%s) %.3f\n", src.PageName, src.PageURL, src.Score)
	}
}
