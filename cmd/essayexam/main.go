package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"golang.org/x/crypto/bcrypt"

	"github.com/pavelanni/essayexam/internal/apperr"
	"github.com/pavelanni/essayexam/internal/attempt"
	"github.com/pavelanni/essayexam/internal/dispute"
	"github.com/pavelanni/essayexam/internal/handler"
	appI18n "github.com/pavelanni/essayexam/internal/i18n"
	"github.com/pavelanni/essayexam/internal/importer"
	"github.com/pavelanni/essayexam/internal/llm"
	"github.com/pavelanni/essayexam/internal/llm/prompts"
	"github.com/pavelanni/essayexam/internal/model"
	"github.com/pavelanni/essayexam/internal/review"
	"github.com/pavelanni/essayexam/internal/store"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	err := rootCmd().ExecuteContext(ctx)
	stop()
	if err != nil {
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "essayexam",
		Short: "Essay exams graded by an LLM",
	}

	serve := serveCmd()
	root.AddCommand(serve, sweepCmd(), gradePendingCmd(), importCmd())

	// Make "serve" the default when no subcommand is given.
	root.RunE = serve.RunE
	root.Flags().AddFlagSet(serve.Flags())

	return root
}

func addStoreFlags(f *pflag.FlagSet) {
	f.String("db-driver", store.DriverSQLite, "Database driver (sqlite, postgres)")
	f.String("db", "essayexam.db", "SQLite path or PostgreSQL DSN")
}

func addLLMFlags(f *pflag.FlagSet) {
	f.String("llm-url", "http://localhost:11434/v1", "OpenAI-compatible API base URL")
	f.String("llm-key", "ollama", "API key for LLM")
	f.String("llm-model", "llama3.2", "LLM model name")
	f.Duration("llm-timeout", llm.DefaultTimeout, "Per-call timeout for the LLM")
	f.String("prompt-variant", string(prompts.PromptStandard), "Grading prompt variant (strict, standard, lenient)")
	f.String("prompts-dir", "", "Directory with a templates/ folder overriding the built-in prompts")
}

func addLogFlags(f *pflag.FlagSet) {
	f.String("log-level", "info", "Log level (debug, info, warn, error)")
	f.String("log-format", "text", "Log format (text, json)")
}

func serveCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP exam server",
		RunE:  runServe,
	}
	f := cmd.Flags()
	f.StringP("addr", "a", ":8080", "HTTP listen address")
	addStoreFlags(f)
	addLLMFlags(f)
	f.StringSliceP("exams", "e", nil, "Exam JSON files to import at startup (repeatable)")
	f.StringP("lang", "l", "en", "Default language for messages (en, ru)")
	f.String("base-path", "", "URL prefix for sub-path deployments (e.g. /ru)")
	f.Bool("secure-cookies", true, "Set Secure flag on session cookies")
	f.StringSlice("cors-origins", nil, "Allowed CORS origins (repeatable)")
	f.Duration("sweep-interval", 5*time.Minute, "How often to submit overdue attempts and retry grading (0 disables)")
	f.String("admin-password", "", "Initial admin password (or set ESSAYEXAM_ADMIN_PASSWORD)")
	addLogFlags(f)
	return cmd
}

func sweepCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "sweep",
		Short: "Submit and grade attempts on exams past their due date",
		RunE:  runSweep,
	}
	f := cmd.Flags()
	addStoreFlags(f)
	addLLMFlags(f)
	f.Int64("exam-id", 0, "Sweep a single exam (0 = every overdue exam)")
	addLogFlags(f)
	return cmd
}

func gradePendingCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "grade-pending",
		Short: "Re-grade answers the overdue sweep could not score",
		RunE:  runGradePending,
	}
	f := cmd.Flags()
	addStoreFlags(f)
	addLLMFlags(f)
	f.Int64("attempt-id", 0, "Grade a single attempt (0 = every attempt with ungraded answers)")
	addLogFlags(f)
	return cmd
}

func importCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "import FILE...",
		Short: "Import exam JSON files",
		Args:  cobra.MinimumNArgs(1),
		RunE:  runImport,
	}
	f := cmd.Flags()
	addStoreFlags(f)
	f.String("instructor", "admin", "Username owning exams that do not name an instructor")
	addLogFlags(f)
	return cmd
}

func setupLogging(v *viper.Viper) {
	var logLevel slog.Level
	switch strings.ToLower(v.GetString("log-level")) {
	case "debug":
		logLevel = slog.LevelDebug
	case "warn":
		logLevel = slog.LevelWarn
	case "error":
		logLevel = slog.LevelError
	default:
		logLevel = slog.LevelInfo
	}
	handlerOpts := &slog.HandlerOptions{Level: logLevel}
	var logHandler slog.Handler
	switch strings.ToLower(v.GetString("log-format")) {
	case "json":
		logHandler = slog.NewJSONHandler(os.Stderr, handlerOpts)
	default:
		logHandler = slog.NewTextHandler(os.Stderr, handlerOpts)
	}
	slog.SetDefault(slog.New(logHandler))
}

// viperForCmd binds a command's flags and environment to a fresh viper instance.
func viperForCmd(cmd *cobra.Command) *viper.Viper {
	v := viper.New()
	_ = v.BindPFlags(cmd.Flags())

	v.SetEnvPrefix("ESSAYEXAM")
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	v.SetConfigName("essayexam")
	v.AddConfigPath(".")
	v.AddConfigPath("$HOME/.config/essayexam")
	v.AddConfigPath("/etc/essayexam")
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			slog.Warn("error reading config file", "error", err)
		}
	} else {
		slog.Info("loaded config file", "path", v.ConfigFileUsed())
	}

	return v
}

func openStore(ctx context.Context, v *viper.Viper) (*store.Store, error) {
	db, err := store.Open(ctx, v.GetString("db-driver"), v.GetString("db"))
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	return db, nil
}

func newLLMClient(v *viper.Viper) (*llm.Client, error) {
	variant := strings.ToLower(strings.TrimSpace(v.GetString("prompt-variant")))
	if !prompts.IsValidVariant(variant) {
		slog.Warn("invalid prompt-variant, using standard", "variant", variant)
		variant = string(prompts.PromptStandard)
	}
	cfg := llm.Config{
		BaseURL: v.GetString("llm-url"),
		APIKey:  v.GetString("llm-key"),
		Model:   v.GetString("llm-model"),
		Variant: prompts.PromptVariant(variant),
		Timeout: v.GetDuration("llm-timeout"),
	}
	if dir := v.GetString("prompts-dir"); dir != "" {
		set, err := prompts.Load(os.DirFS(dir))
		if err != nil {
			return nil, fmt.Errorf("load prompts from %s: %w", dir, err)
		}
		cfg.Prompts = set
		slog.Info("loaded prompt overrides", "dir", dir)
	}
	return llm.New(cfg)
}

func runServe(cmd *cobra.Command, _ []string) error {
	v := viperForCmd(cmd)
	setupLogging(v)

	ctx := cmd.Context()

	db, err := openStore(ctx, v)
	if err != nil {
		return err
	}
	defer db.Close()

	admin, err := seedAdmin(ctx, db, v.GetString("admin-password"))
	if err != nil {
		return fmt.Errorf("seed admin: %w", err)
	}
	for _, path := range v.GetStringSlice("exams") {
		if _, err := importer.File(ctx, db, path, admin); err != nil {
			return fmt.Errorf("import exams: %w", err)
		}
	}

	lang := v.GetString("lang")
	if err := appI18n.Init(lang); err != nil {
		return fmt.Errorf("init i18n: %w", err)
	}

	llmClient, err := newLLMClient(v)
	if err != nil {
		return fmt.Errorf("create LLM client: %w", err)
	}
	if err := llmClient.Ping(ctx); err != nil {
		return fmt.Errorf("LLM health check: %w", err)
	}
	slog.Info("LLM endpoint OK", "url", v.GetString("llm-url"), "model", llmClient.Model())

	basePath := strings.TrimRight(v.GetString("base-path"), "/")
	if basePath != "" && !strings.HasPrefix(basePath, "/") {
		basePath = "/" + basePath
	}

	tracker := attempt.NewTracker(db, llmClient)
	h := handler.New(db, tracker, dispute.NewEngine(db, llmClient), review.NewQueue(db), handler.Config{
		BasePath:      basePath,
		SecureCookies: v.GetBool("secure-cookies"),
	})

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	if origins := v.GetStringSlice("cors-origins"); len(origins) > 0 {
		r.Use(cors.Handler(cors.Options{
			AllowedOrigins:   origins,
			AllowedMethods:   []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodOptions},
			AllowedHeaders:   []string{"Accept", "Accept-Language", "Content-Type", "X-CSRF-Token"},
			AllowCredentials: true,
			MaxAge:           300,
		}))
	}
	r.Use(appI18n.Middleware(lang))

	if basePath != "" {
		r.Route(basePath, h.Routes)
	} else {
		h.Routes(r)
	}

	if interval := v.GetDuration("sweep-interval"); interval > 0 {
		go runSweeper(ctx, db, tracker, interval)
	}

	addr := v.GetString("addr")
	srv := &http.Server{
		Addr:              addr,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
		// Answer and dispute requests wait on the LLM.
		WriteTimeout: v.GetDuration("llm-timeout") + 30*time.Second,
		IdleTimeout:  2 * time.Minute,
	}
	errCh := make(chan error, 1)
	go func() {
		slog.Info("starting server",
			"addr", addr,
			"model", llmClient.Model(),
			"llm_url", v.GetString("llm-url"),
			"db_driver", v.GetString("db-driver"),
			"lang", lang,
			"base_path", basePath,
			"sweep_interval", v.GetDuration("sweep-interval"),
		)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}
	slog.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

// runSweeper periodically submits overdue attempts and drops expired login
// sessions until ctx is done.
func runSweeper(ctx context.Context, db *store.Store, tracker *attempt.Tracker, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		reports, err := tracker.SweepDue(ctx)
		if err != nil {
			slog.Error("sweep failed", "error", err)
		}
		if len(reports) > 0 {
			slog.Info("sweep finished", "submitted", len(reports), "failures", countFailures(reports))
		}
		if n, err := db.CleanupExpiredSessions(ctx); err != nil {
			slog.Warn("session cleanup failed", "error", err)
		} else if n > 0 {
			slog.Debug("expired sessions removed", "count", n)
		}
	}
}

func countFailures(reports []attempt.SweepReport) int {
	n := 0
	for _, r := range reports {
		n += len(r.Failures)
	}
	return n
}

func runSweep(cmd *cobra.Command, _ []string) error {
	v := viperForCmd(cmd)
	setupLogging(v)
	ctx := cmd.Context()

	db, err := openStore(ctx, v)
	if err != nil {
		return err
	}
	defer db.Close()
	llmClient, err := newLLMClient(v)
	if err != nil {
		return fmt.Errorf("create LLM client: %w", err)
	}
	tracker := attempt.NewTracker(db, llmClient)

	var reports []attempt.SweepReport
	if examID := v.GetInt64("exam-id"); examID > 0 {
		reports, err = tracker.SweepExam(ctx, examID)
	} else {
		reports, err = tracker.SweepDue(ctx)
	}
	if werr := writeReports(reports); werr != nil {
		return werr
	}
	if err != nil {
		return fmt.Errorf("sweep: %w", err)
	}
	slog.Info("sweep finished", "submitted", len(reports), "failures", countFailures(reports))
	return nil
}

func runGradePending(cmd *cobra.Command, _ []string) error {
	v := viperForCmd(cmd)
	setupLogging(v)
	ctx := cmd.Context()

	db, err := openStore(ctx, v)
	if err != nil {
		return err
	}
	defer db.Close()
	llmClient, err := newLLMClient(v)
	if err != nil {
		return fmt.Errorf("create LLM client: %w", err)
	}
	tracker := attempt.NewTracker(db, llmClient)

	var reports []attempt.SweepReport
	if attemptID := v.GetInt64("attempt-id"); attemptID > 0 {
		var r *attempt.SweepReport
		r, err = tracker.GradePending(ctx, attemptID)
		if r != nil {
			reports = append(reports, *r)
		}
	} else {
		reports, err = tracker.GradeAllPending(ctx)
	}
	if werr := writeReports(reports); werr != nil {
		return werr
	}
	if err != nil {
		return fmt.Errorf("grade pending: %w", err)
	}
	return nil
}

func runImport(cmd *cobra.Command, args []string) error {
	v := viperForCmd(cmd)
	setupLogging(v)
	ctx := cmd.Context()

	db, err := openStore(ctx, v)
	if err != nil {
		return err
	}
	defer db.Close()

	owner, err := db.GetUserByUsername(ctx, v.GetString("instructor"))
	if err != nil {
		return fmt.Errorf("look up instructor: %w", err)
	}
	for _, path := range args {
		res, err := importer.File(ctx, db, path, owner)
		if err != nil {
			return fmt.Errorf("import %s: %w", path, err)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "%s: exam %d, %d questions, skipped=%v\n", path, res.ExamID, res.Questions, res.Skipped)
	}
	return nil
}

func writeReports(reports []attempt.SweepReport) error {
	if reports == nil {
		reports = []attempt.SweepReport{}
	}
	data, err := json.MarshalIndent(reports, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal JSON: %w", err)
	}
	_, err = fmt.Fprintln(os.Stdout, string(data))
	return err
}

func seedAdmin(ctx context.Context, db *store.Store, password string) (*model.User, error) {
	count, err := db.UserCount(ctx)
	if err != nil {
		return nil, err
	}
	if count > 0 {
		u, err := db.GetUserByUsername(ctx, "admin")
		if apperr.Is(err, apperr.KindNotFound) {
			return nil, nil
		}
		return u, err
	}

	if password == "" {
		return nil, fmt.Errorf("admin password is required: set --admin-password flag or ESSAYEXAM_ADMIN_PASSWORD env var")
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return nil, fmt.Errorf("hash admin password: %w", err)
	}

	id, err := db.CreateUser(ctx, model.User{
		Username:     "admin",
		DisplayName:  "Administrator",
		PasswordHash: string(hash),
		Role:         model.UserRoleAdmin,
		Active:       true,
	})
	if err != nil {
		return nil, fmt.Errorf("create admin user: %w", err)
	}

	slog.Info("seeded default admin user", "username", "admin")
	return db.GetUserByID(ctx, id)
}
