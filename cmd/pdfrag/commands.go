package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"sort"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/efebarandurmaz/pdfrag/internal/app"
	"github.com/efebarandurmaz/pdfrag/internal/config"
	"github.com/efebarandurmaz/pdfrag/internal/llm"
	"github.com/efebarandurmaz/pdfrag/internal/mcpserver"
	"github.com/efebarandurmaz/pdfrag/internal/observability"
	"github.com/efebarandurmaz/pdfrag/internal/retrieval"
	"github.com/efebarandurmaz/pdfrag/internal/server"
)

// searchExcerptRunes bounds the chunk text printed by search.
const searchExcerptRunes = 300

var errUnhealthy = errors.New("one or more checks failed")

// cli carries the global flags and output streams shared by all commands.
type cli struct {
	configPath string
	logLevel   string

	stdout io.Writer
	stderr io.Writer
}

func newRootCmd(stdout, stderr io.Writer) *cobra.Command {
	c := &cli{stdout: stdout, stderr: stderr}

	rootCmd := &cobra.Command{
		Use:           "pdfrag",
		Short:         "Index PDF documents and answer questions from them",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	rootCmd.SetOut(stdout)
	rootCmd.SetErr(stderr)
	rootCmd.PersistentFlags().StringVar(&c.configPath, "config", "", "Config file path (default pdfrag.yaml in . or ./configs)")
	rootCmd.PersistentFlags().StringVar(&c.logLevel, "log-level", "", "Log level: debug, info, warn, error (overrides log.level)")

	var force, jsonReport bool
	indexCmd := &cobra.Command{
		Use:   "index <path>",
		Short: "Index a PDF file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.runIndex(cmd.Context(), args[0], force, jsonReport)
		},
	}
	indexCmd.Flags().BoolVar(&force, "force", false, "Replace the document's chunks if it is already indexed")
	indexCmd.Flags().BoolVar(&jsonReport, "json", false, "Output the run report as JSON")

	var noSources bool
	chatCmd := &cobra.Command{
		Use:   "chat <query>",
		Short: "Answer a question from the indexed documents",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.runChat(cmd.Context(), args[0], !noSources)
		},
	}
	chatCmd.Flags().BoolVar(&noSources, "no-sources", false, "Do not list the sources used for the answer")

	var k int
	searchCmd := &cobra.Command{
		Use:   "search <query>",
		Short: "Show the chunks most similar to a query",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.runSearch(cmd.Context(), args[0], k)
		},
	}
	searchCmd.Flags().IntVarP(&k, "k", "k", 0, "Number of results (default rag.search_k)")

	infoCmd := &cobra.Command{
		Use:   "info",
		Short: "Describe the vector collection",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.runInfo(cmd.Context())
		},
	}

	removeCmd := &cobra.Command{
		Use:   "remove <path>",
		Short: "Delete every chunk of an indexed document",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.runRemove(cmd.Context(), args[0])
		},
	}

	statusCmd := &cobra.Command{
		Use:   "status <path>",
		Short: "Show whether a document is indexed and how many chunks it has",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.runStatus(cmd.Context(), args[0])
		},
	}

	checkCmd := &cobra.Command{
		Use:   "check",
		Short: "Check connectivity to the vector store and model providers",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.runCheck(cmd.Context())
		},
	}

	providersCmd := &cobra.Command{
		Use:   "providers",
		Short: "List available LLM providers",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			c.printProviders()
		},
	}

	var healthAddr string
	mcpCmd := &cobra.Command{
		Use:   "mcp",
		Short: "Serve search, answer and index as MCP tools over stdio",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.runMCP(cmd.Context(), healthAddr)
		},
	}
	mcpCmd.Flags().StringVar(&healthAddr, "health-addr", "", "Also serve /health, /ready, /live and /metrics on this address")

	rootCmd.AddCommand(indexCmd, chatCmd, searchCmd, infoCmd, removeCmd, statusCmd, checkCmd, providersCmd, mcpCmd)
	return rootCmd
}

// open loads configuration and wires the pipeline. Logs go to stderr so
// that stdout carries only command output (and MCP frames).
func (c *cli) open(ctx context.Context) (*app.App, error) {
	cfg, err := config.Load(c.configPath)
	if err != nil {
		return nil, err
	}
	if err := cfg.ResolveSecrets(ctx); err != nil {
		return nil, err
	}
	level := cfg.Log.Level
	if c.logLevel != "" {
		level = c.logLevel
	}
	logger := observability.NewLogger(c.stderr, level, cfg.Log.Format)
	return app.New(ctx, cfg, app.WithLogger(logger))
}

func (c *cli) runIndex(ctx context.Context, path string, force, jsonReport bool) error {
	a, err := c.open(ctx)
	if err != nil {
		return err
	}
	defer a.Close(ctx)

	res, err := a.Indexer.Index(ctx, path, force)
	if err != nil {
		fmt.Fprintf(c.stdout, "Indexing %s failed: 0 chunks written\n", path)
		return err
	}

	if jsonReport {
		data, err := res.Metrics.JSON()
		if err != nil {
			return fmt.Errorf("encoding report: %w", err)
		}
		fmt.Fprintln(c.stdout, string(data))
		return nil
	}

	switch {
	case res.Skipped:
		fmt.Fprintf(c.stdout, "%s is already indexed (%d chunks); use --force to reindex\n", path, res.Chunks)
	case res.Replaced > 0:
		fmt.Fprintf(c.stdout, "Reindexed %s: %d chunks written, %d replaced\n", path, res.Chunks, res.Replaced)
	default:
		fmt.Fprintf(c.stdout, "Indexed %s: %d chunks written from %d pages\n", path, res.Chunks, res.Pages)
	}
	res.Metrics.PrintSummary(c.stdout)
	return nil
}

func (c *cli) runChat(ctx context.Context, query string, showSources bool) error {
	a, err := c.open(ctx)
	if err != nil {
		return err
	}
	defer a.Close(ctx)

	ans, err := a.Retriever.Answer(ctx, query, showSources)
	if err != nil {
		return err
	}

	fmt.Fprintln(c.stdout, ans.Text)
	if ans.Dropped > 0 {
		fmt.Fprintf(c.stderr, "Note: %d retrieved chunks did not fit the context budget\n", ans.Dropped)
	}
	if showSources && len(ans.Sources) > 0 {
		fmt.Fprintln(c.stdout)
		fmt.Fprintln(c.stdout, "Sources:")
		printSources(c.stdout, ans.Sources)
	}
	return nil
}

func printSources(w io.Writer, sources []retrieval.Source) {
	for i, s := range sources {
		fmt.Fprintf(w, "  [%d] %s, page %d\n", i+1, s.Source, s.Page)
		if s.Excerpt != "" {
			fmt.Fprintf(w, "      %s\n", s.Excerpt)
		}
	}
}

func (c *cli) runSearch(ctx context.Context, query string, k int) error {
	a, err := c.open(ctx)
	if err != nil {
		return err
	}
	defer a.Close(ctx)

	results, err := a.Retriever.Search(ctx, query, k)
	if err != nil {
		return err
	}
	if len(results) == 0 {
		fmt.Fprintln(c.stdout, "No results. Index a document first.")
		return nil
	}
	for i, r := range results {
		fmt.Fprintf(c.stdout, "%d. score %.4f  %s, page %d\n", i+1, r.Score, r.Metadata.Source, r.Metadata.Page)
		fmt.Fprintf(c.stdout, "   %s\n", retrieval.Excerpt(r.Text, searchExcerptRunes))
	}
	return nil
}

func (c *cli) runInfo(ctx context.Context) error {
	a, err := c.open(ctx)
	if err != nil {
		return err
	}
	defer a.Close(ctx)

	info, err := a.Info(ctx)
	if err != nil {
		return err
	}
	fmt.Fprintf(c.stdout, "Collection:      %s\n", info.Name)
	fmt.Fprintf(c.stdout, "Backend:         %s\n", info.Backend)
	fmt.Fprintf(c.stdout, "Has documents:   %t\n", info.HasDocuments)
	fmt.Fprintf(c.stdout, "Chunks:          %d\n", info.Count)
	if info.EmbeddingModel != "" {
		fmt.Fprintf(c.stdout, "Embedding model: %s\n", info.EmbeddingModel)
	}
	return nil
}

func (c *cli) runRemove(ctx context.Context, path string) error {
	a, err := c.open(ctx)
	if err != nil {
		return err
	}
	defer a.Close(ctx)

	n, err := a.Indexer.Remove(ctx, path)
	if err != nil {
		return err
	}
	if n == 0 {
		fmt.Fprintf(c.stdout, "%s is not indexed\n", path)
		return nil
	}
	fmt.Fprintf(c.stdout, "Removed %d chunks of %s\n", n, path)
	return nil
}

func (c *cli) runStatus(ctx context.Context, path string) error {
	a, err := c.open(ctx)
	if err != nil {
		return err
	}
	defer a.Close(ctx)

	n, err := a.Indexer.Status(ctx, path)
	if err != nil {
		return err
	}
	if n == 0 {
		fmt.Fprintf(c.stdout, "%s: not indexed\n", path)
		return nil
	}
	fmt.Fprintf(c.stdout, "%s: indexed, %d chunks\n", path, n)
	return nil
}

func (c *cli) runCheck(ctx context.Context) error {
	a, err := c.open(ctx)
	if err != nil {
		return err
	}
	defer a.Close(ctx)

	h := server.NewHealthServer(&server.HealthConfig{Version: app.Version})
	a.RegisterHealthChecks(h)

	resp := h.Check(ctx)
	for _, check := range resp.Checks {
		fmt.Fprintf(c.stdout, "%-13s %-10s %s", check.Name, check.Status, check.Duration.Round(time.Millisecond))
		if check.Message != "" {
			fmt.Fprintf(c.stdout, "  %s", check.Message)
		}
		fmt.Fprintln(c.stdout)
	}
	if stats, ok := llm.RateLimitStatsOf(a.Generator); ok {
		fmt.Fprintf(c.stdout, "%-13s %d requests, %d tokens this minute", "rate_limit", stats.RequestsInWindow, stats.TokensInWindow)
		if stats.RemainingRequests >= 0 {
			fmt.Fprintf(c.stdout, ", %d requests available", stats.RemainingRequests)
		}
		fmt.Fprintln(c.stdout)
	}
	fmt.Fprintf(c.stdout, "Overall: %s\n", resp.Status)

	if resp.Status != server.HealthStatusHealthy {
		return errUnhealthy
	}
	return nil
}

func (c *cli) printProviders() {
	names := make([]string, 0, len(llm.KnownProviders))
	for name := range llm.KnownProviders {
		names = append(names, name)
	}
	sort.Strings(names)

	w := c.stdout
	fmt.Fprintln(w, "Available LLM providers:")
	fmt.Fprintln(w)
	for _, name := range names {
		fmt.Fprintf(w, "  %-14s %s\n", name, llm.KnownProviders[name])
	}
	fmt.Fprintln(w, "  custom         (set base_url to any OpenAI-compatible endpoint)")
	fmt.Fprintln(w, "  none           (no language model; search only)")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Registered:", app.NewFactory().Names())
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Configure in pdfrag.yaml or via environment:")
	fmt.Fprintln(w, "  PDFRAG_LLM_PROVIDER=groq")
	fmt.Fprintln(w, "  PDFRAG_LLM_API_KEY=gsk_...")
	fmt.Fprintln(w, "  PDFRAG_EMBEDDING_PROVIDER=openai")
}

func (c *cli) runMCP(ctx context.Context, healthAddr string) error {
	a, err := c.open(ctx)
	if err != nil {
		return err
	}

	srv, err := mcpserver.New(&mcpserver.Ports{
		Retriever:  a.Retriever,
		Indexer:    a.Indexer,
		Collection: a,
	}, a.Logger)
	if err != nil {
		a.Close(ctx)
		return err
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	if healthAddr == "" {
		defer a.Close(context.Background())
		ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
		defer stop()
		return srv.Run(ctx)
	}

	gs := server.NewGracefulServer(&server.HealthConfig{Version: app.Version}, server.DefaultShutdownConfig())
	gs.Health.Mount("/metrics", a.Metrics.Handler())
	a.RegisterHealthChecks(gs.Health)
	a.RegisterShutdownHooks(gs.Shutdown)
	gs.Shutdown.Register(server.MCPServerShutdownHook(cancel))
	gs.RegisterHook("announce", 0, func(context.Context) error {
		a.Logger.Info("shutting down", "collection", a.Config.Vector.Collection)
		return nil
	})

	if err := gs.Start(healthAddr); err != nil {
		a.Close(ctx)
		return fmt.Errorf("starting health server: %w", err)
	}
	a.Logger.Info("health server listening", "addr", healthAddr)

	runErr := srv.Run(ctx)
	if ctx.Err() == nil {
		// The client went away; shut down the rest.
		if runErr != nil {
			gs.Health.SetLive(false)
		}
		gs.Shutdown.Shutdown()
	}
	if !gs.Wait() {
		a.Logger.Warn("shutdown hooks did not finish in time")
	}

	select {
	case err := <-gs.Err():
		return errors.Join(runErr, err)
	default:
	}
	if ctx.Err() != nil {
		return nil
	}
	return runErr
}
