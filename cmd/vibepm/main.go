// Command vibepm runs a spoken product-discovery interview and writes the
// resulting requirements document.
package main

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/vibepm/internal/config"
	"github.com/MrWong99/vibepm/internal/discovery"
	"github.com/MrWong99/vibepm/internal/health"
	"github.com/MrWong99/vibepm/internal/interview"
	"github.com/MrWong99/vibepm/internal/observe"
	"github.com/MrWong99/vibepm/internal/store"
	"github.com/MrWong99/vibepm/pkg/provider/llm"
)

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

const shutdownTimeout = 15 * time.Second

func main() {
	os.Exit(run())
}

func run() int {
	// ── CLI flags ──────────────────────────────────────────────────────────────
	configPath := flag.String("config", "", "path to the YAML configuration file (built-in defaults when empty)")
	name := flag.String("name", "", "product name for a new discovery session")
	resume := flag.String("resume", "", `document id to resume, or "latest"`)
	exportDir := flag.String("export-dir", "", "directory for PRD.md and spec.yaml (overrides the config)")
	textMode := flag.Bool("text", false, "text-only mode: read turns from stdin, no audio devices")
	list := flag.Bool("list", false, "list stored documents and exit")
	flag.Parse()

	// .env is optional; real environment variables win.
	envErr := godotenv.Load()

	// ── Load configuration ────────────────────────────────────────────────────
	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "vibepm: %v\n", err)
		return 1
	}
	if *exportDir != "" {
		cfg.Export.Dir = *exportDir
	}

	// ── Logger ────────────────────────────────────────────────────────────────
	slog.SetDefault(newLogger(cfg.Server.LogLevel))
	if envErr != nil && !errors.Is(envErr, fs.ErrNotExist) {
		slog.Warn("failed to load .env", "err", envErr)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// ── Telemetry ─────────────────────────────────────────────────────────────
	tel, err := observe.InitProvider(ctx, observe.ProviderConfig{ServiceName: "vibepm", ServiceVersion: version})
	if err != nil {
		slog.Error("failed to initialise telemetry", "err", err)
		return 1
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := tel.Shutdown(shutdownCtx); err != nil {
			slog.Warn("telemetry shutdown error", "err", err)
		}
	}()
	metrics := observe.DefaultMetrics()

	// ── Store ─────────────────────────────────────────────────────────────────
	st, closeStore, err := openStore(ctx, cfg.Store)
	if err != nil {
		slog.Error("failed to open store", "err", err)
		return 1
	}
	defer closeStore()

	if *list {
		if err := listDocuments(ctx, os.Stdout, st); err != nil {
			slog.Error("failed to list documents", "err", err)
			return 1
		}
		return 0
	}

	// ── LLM ───────────────────────────────────────────────────────────────────
	reg := config.NewRegistry()
	registerBuiltinProviders(ctx, reg)
	provider, err := buildLLM(cfg.LLM, reg, metrics)
	if err != nil {
		slog.Error("failed to build llm provider", "err", err)
		return 1
	}
	engine := interview.NewEngine(provider, engineOptions(cfg.LLM, provider, metrics)...)

	// ── Session ───────────────────────────────────────────────────────────────
	var ann announcer
	sup := discovery.New(st, engine,
		discovery.WithOnComplete(ann.announce),
		discovery.WithMetrics(metrics),
	)
	stdin := bufio.NewReader(os.Stdin)
	sess, err := openSession(ctx, sup, *name, *resume, stdin, os.Stdout)
	if err != nil {
		slog.Error("failed to open session", "err", err)
		return 1
	}

	con := newConsole(os.Stdout)
	mode := "voice"
	if *textMode {
		mode = "text"
	}
	con.summary(cfg, mode, sess.ID())

	// ── HTTP: metrics + health ────────────────────────────────────────────────
	var speech health.Flag
	probes := health.New(health.PingChecker("store", st), speech.Checker("speech"))
	mux := http.NewServeMux()
	mux.Handle("GET /metrics", tel.Handler())
	probes.Register(mux)
	srv := &http.Server{
		Addr:              cfg.Server.ListenAddr,
		Handler:           observe.Middleware(metrics)(mux),
		ReadHeaderTimeout: 10 * time.Second,
	}

	// ── Run ───────────────────────────────────────────────────────────────────
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	g, gctx := errgroup.WithContext(runCtx)

	g.Go(func() error {
		slog.Info("http server listening", "addr", srv.Addr)
		var err error
		if tls := cfg.Server.TLS; tls != nil {
			err = srv.ListenAndServeTLS(tls.CertFile, tls.KeyFile)
		} else {
			err = srv.ListenAndServe()
		}
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("http server: %w", err)
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
	g.Go(func() error {
		// The interview ending stops everything else.
		defer cancel()
		if *textMode {
			return runText(gctx, stdin, con, sess, &ann, cfg.Export)
		}
		return runVoice(gctx, cfg, con, sess, &ann, &speech, metrics)
	})

	code := 0
	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		slog.Error("run error", "err", err)
		code = 1
	}

	// ── Graceful shutdown ─────────────────────────────────────────────────────
	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancelShutdown()

	if !cfg.Export.Disabled {
		paths, err := sess.Export(cfg.Export.Dir)
		if err != nil {
			slog.Error("export failed", "err", err)
			code = 1
		} else {
			con.notice("saved %s", strings.Join(paths, ", "))
		}
	}
	if err := sess.Close(shutdownCtx); err != nil {
		slog.Error("failed to persist session", "id", sess.ID(), "err", err)
		code = 1
	}
	slog.Info("goodbye", "id", sess.ID())
	return code
}

func newLogger(level config.LogLevel) *slog.Logger {
	var lvl slog.Level
	switch level {
	case config.LogDebug:
		lvl = slog.LevelDebug
	case config.LogWarn:
		lvl = slog.LevelWarn
	case config.LogError:
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl}))
}

// openStore returns the Postgres store when a DSN is configured and the
// in-memory store otherwise.
func openStore(ctx context.Context, cfg config.StoreConfig) (store.Store, func(), error) {
	if cfg.PostgresDSN == "" {
		return store.NewMemoryStore(), func() {}, nil
	}
	pg, err := store.OpenPostgres(ctx, cfg.PostgresDSN)
	if err != nil {
		return nil, nil, err
	}
	return pg, pg.Close, nil
}

func engineOptions(cfg config.LLMConfig, provider llm.Provider, m *observe.Metrics) []interview.Option {
	opts := []interview.Option{
		interview.WithProviderName(cfg.Name),
		interview.WithTemperature(cfg.Temperature),
		interview.WithMaxTokens(cfg.MaxTokens),
		interview.WithMaxToolRounds(cfg.MaxToolRounds),
		interview.WithMetrics(m),
	}
	if cfg.SystemPrompt != "" {
		opts = append(opts, interview.WithSystemPrompt(cfg.SystemPrompt))
	}
	window := cfg.ContextWindow
	if window == 0 {
		window = provider.Capabilities().ContextWindow
	}
	if window > 0 {
		opts = append(opts, interview.WithContextWindow(window, interview.NewLLMSummariser(provider)))
	}
	return opts
}

// openSession resumes a stored document or starts a new one. Without -name or
// -resume the product name is asked for on in.
func openSession(ctx context.Context, sup *discovery.Supervisor, name, resume string, in *bufio.Reader, out io.Writer) (*discovery.Session, error) {
	switch {
	case resume == "latest":
		return sup.ResumeLatest(ctx)
	case resume != "":
		return sup.Resume(ctx, resume)
	}

	if strings.TrimSpace(name) == "" {
		fmt.Fprint(out, "Product name: ")
		line, err := in.ReadString('\n')
		if err != nil && !errors.Is(err, io.EOF) {
			return nil, fmt.Errorf("read product name: %w", err)
		}
		name = line
	}
	return sup.Start(ctx, name)
}

func listDocuments(ctx context.Context, out io.Writer, st store.Store) error {
	docs, err := st.List(ctx)
	if err != nil {
		return err
	}
	if len(docs) == 0 {
		fmt.Fprintln(out, "no documents")
		return nil
	}
	for _, d := range docs {
		fmt.Fprintf(out, "%s  %-12s  %s  %s\n", d.ID, d.Status, d.UpdatedAt.Format(time.RFC3339), d.Name)
	}
	return nil
}
