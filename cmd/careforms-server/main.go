package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/goccy/go-json"
	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/ehr/careforms/internal/config"
	"github.com/ehr/careforms/internal/domain/questionnaire"
	"github.com/ehr/careforms/internal/domain/structured"
	"github.com/ehr/careforms/internal/domain/valueset"
	"github.com/ehr/careforms/internal/platform/auth"
	"github.com/ehr/careforms/internal/platform/blobstore"
	"github.com/ehr/careforms/internal/platform/cache"
	"github.com/ehr/careforms/internal/platform/db"
	"github.com/ehr/careforms/internal/platform/events"
	"github.com/ehr/careforms/internal/platform/httpx"
	"github.com/ehr/careforms/internal/platform/middleware"
	"github.com/ehr/careforms/migrations"
)

// valueSetResolver adapts valueset.Service to questionnaire.CodeResolver,
// keeping the questionnaire package free of terminology imports.
type valueSetResolver struct {
	svc *valueset.Service
}

func (r valueSetResolver) ResolveChoice(ctx context.Context, slug string, c questionnaire.Coding) (questionnaire.Coding, error) {
	got, err := r.svc.ResolveChoice(ctx, slug, valueset.Coding{System: c.System, Code: c.Code, Display: c.Display})
	if errors.Is(err, valueset.ErrCodeNotFound) {
		return c, fmt.Errorf("%w: %v", questionnaire.ErrCodeNotInValueSet, err)
	}
	if err != nil {
		return c, err
	}
	return questionnaire.Coding{System: got.System, Code: got.Code, Display: got.Display}, nil
}

// structuredDelegate adapts the adapter registry to
// questionnaire.StructuredDelegate.
type structuredDelegate struct {
	registry *structured.Registry
}

func toStructuredSubject(s questionnaire.Subject) structured.Subject {
	return structured.Subject{Type: s.Type, ID: s.ID, EncounterID: s.EncounterID}
}

func (d structuredDelegate) Validate(structuredType string, subject questionnaire.Subject, value map[string]interface{}) []string {
	errs := d.registry.Validate(structuredType, toStructuredSubject(subject), value)
	if len(errs) == 0 {
		return nil
	}
	msgs := make([]string, len(errs))
	for i, e := range errs {
		msgs[i] = e.Error()
	}
	return msgs
}

func (d structuredDelegate) Submit(ctx context.Context, structuredType string, subject questionnaire.Subject, value map[string]interface{}) (string, error) {
	ref, err := d.registry.Submit(ctx, structuredType, toStructuredSubject(subject), value)
	return string(ref), err
}

func main() {
	rootCmd := &cobra.Command{
		Use:          "careforms-server",
		Short:        "Questionnaire engine API server",
		SilenceUsage: true,
	}

	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(migrateCmd())
	rootCmd.AddCommand(tenantCmd())
	rootCmd.AddCommand(questionnaireCmd())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func poolOptions(cfg *config.Config) db.PoolOptions {
	return db.PoolOptions{
		URL:            cfg.DatabaseURL,
		MaxConns:       cfg.DBMaxConns,
		MinConns:       cfg.DBMinConns,
		AppName:        "careforms",
		ConnectTimeout: cfg.DBConnTimeout,
	}
}

func newLogger(cfg *config.Config) zerolog.Logger {
	var logger zerolog.Logger
	if cfg != nil && cfg.IsDev() {
		logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout}).With().Timestamp().Logger()
	} else {
		logger = zerolog.New(os.Stdout).With().Timestamp().Logger()
	}
	level := zerolog.InfoLevel
	if cfg != nil {
		if l, err := zerolog.ParseLevel(cfg.LogLevel); err == nil && cfg.LogLevel != "" {
			level = l
		}
	}
	return logger.Level(level)
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer()
		},
	}
}

// migrationSource returns the embedded migrations unless dir is given.
func migrationSource(dir string) fs.FS {
	if dir == "" {
		return migrations.FS
	}
	return os.DirFS(dir)
}

func migrateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Run database migrations",
	}

	upCmd := &cobra.Command{
		Use:   "up",
		Short: "Apply pending migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			schema, _ := cmd.Flags().GetString("schema")
			dir, _ := cmd.Flags().GetString("dir")

			cfg, err := config.Load()
			if err != nil {
				return err
			}
			ctx := context.Background()
			pool, err := db.NewPool(ctx, poolOptions(cfg))
			if err != nil {
				return err
			}
			defer pool.Close()

			migrator := db.NewMigrator(pool, migrationSource(dir))
			fmt.Fprintf(cmd.OutOrStdout(), "Running migrations on schema: %s\n", schema)
			count, err := migrator.Up(ctx, schema)
			if err != nil {
				return fmt.Errorf("migration failed: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Applied %d migration(s) successfully.\n", count)
			return nil
		},
	}
	upCmd.Flags().String("schema", db.SchemaName("default"), "Target schema for migrations")
	upCmd.Flags().String("dir", "", "Read migrations from this directory instead of the embedded set")
	cmd.AddCommand(upCmd)

	statusCmd := &cobra.Command{
		Use:   "status",
		Short: "Show migration status",
		RunE: func(cmd *cobra.Command, args []string) error {
			schema, _ := cmd.Flags().GetString("schema")
			dir, _ := cmd.Flags().GetString("dir")

			cfg, err := config.Load()
			if err != nil {
				return err
			}
			ctx := context.Background()
			pool, err := db.NewPool(ctx, poolOptions(cfg))
			if err != nil {
				return err
			}
			defer pool.Close()

			statuses, err := db.NewMigrator(pool, migrationSource(dir)).Status(ctx, schema)
			if err != nil {
				return fmt.Errorf("failed to get migration status: %w", err)
			}
			printStatus(cmd.OutOrStdout(), schema, statuses)
			return nil
		},
	}
	statusCmd.Flags().String("schema", db.SchemaName("default"), "Target schema for migrations")
	statusCmd.Flags().String("dir", "", "Read migrations from this directory instead of the embedded set")
	cmd.AddCommand(statusCmd)

	return cmd
}

func printStatus(w io.Writer, schema string, statuses []db.MigrationStatus) {
	fmt.Fprintf(w, "Migration status for schema: %s\n", schema)
	fmt.Fprintf(w, "%-10s %-40s %-10s %s\n", "VERSION", "NAME", "STATUS", "APPLIED AT")
	fmt.Fprintln(w, "---------- ---------------------------------------- ---------- --------------------")
	for _, s := range statuses {
		status := "pending"
		appliedAt := ""
		if s.Applied {
			status = "applied"
			if s.AppliedAt != nil {
				appliedAt = s.AppliedAt.Format("2006-01-02 15:04:05")
			}
		}
		fmt.Fprintf(w, "%-10d %-40s %-10s %s\n", s.Version, s.Name, status, appliedAt)
	}
}

func tenantCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "tenant",
		Short: "Manage tenants",
	}

	createCmd := &cobra.Command{
		Use:   "create",
		Short: "Create a tenant schema, migrate it and seed built-in value sets",
		RunE: func(cmd *cobra.Command, args []string) error {
			name, _ := cmd.Flags().GetString("name")
			if name == "" {
				return fmt.Errorf("--name is required")
			}

			cfg, err := config.Load()
			if err != nil {
				return err
			}
			logger := newLogger(cfg)
			ctx := context.Background()
			pool, err := db.NewPool(ctx, poolOptions(cfg))
			if err != nil {
				return err
			}
			defer pool.Close()

			fmt.Fprintf(cmd.OutOrStdout(), "Creating tenant schema: %s\n", db.SchemaName(name))
			if err := db.CreateTenantSchema(ctx, pool, name, db.NewMigrator(pool, migrations.FS)); err != nil {
				return err
			}

			vs := valueset.NewService(valueset.NewRepoPG(pool), logger)
			defer vs.Close()
			var created int
			err = db.RunInTenant(ctx, pool, name, func(ctx context.Context) error {
				created, err = vs.EnsureSystemDefined(ctx)
				return err
			})
			if err != nil {
				return fmt.Errorf("seed value sets: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Tenant created. Seeded %d built-in value set(s).\n", created)
			return nil
		},
	}
	createCmd.Flags().String("name", "", "Tenant identifier (alphanumeric)")

	cmd.AddCommand(createCmd)
	return cmd
}

func questionnaireCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "questionnaire",
		Short: "Questionnaire authoring tools",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "validate <file.json>",
		Short: "Check a questionnaire definition and print its errors and warnings",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			raw, err := os.ReadFile(args[0])
			if err != nil {
				return err
			}
			questions, err := loadDefinition(raw)
			if err != nil {
				return fmt.Errorf("%s: %w", args[0], err)
			}
			_, report := questionnaire.ValidateDefinition(questions)
			printReport(cmd.OutOrStdout(), report)
			if !report.Valid() {
				return fmt.Errorf("%s: %d error(s)", args[0], len(report.Errors))
			}
			return nil
		},
	})
	return cmd
}

// loadDefinition accepts a questionnaire document or a bare question list.
func loadDefinition(raw []byte) ([]questionnaire.Question, error) {
	var doc struct {
		Questions []questionnaire.Question `json:"questions"`
	}
	if err := json.Unmarshal(raw, &doc); err == nil && doc.Questions != nil {
		return doc.Questions, nil
	}
	var questions []questionnaire.Question
	if err := json.Unmarshal(raw, &questions); err != nil {
		return nil, fmt.Errorf("expected a questionnaire object or a list of questions: %w", err)
	}
	return questions, nil
}

func printReport(w io.Writer, report questionnaire.DefinitionReport) {
	for _, e := range report.Errors {
		fmt.Fprintf(w, "error   %-20s %s\n", e.LinkID, e.Message)
	}
	for _, e := range report.Warnings {
		fmt.Fprintf(w, "warning %-20s %s\n", e.LinkID, e.Message)
	}
	fmt.Fprintf(w, "%d error(s), %d warning(s)\n", len(report.Errors), len(report.Warnings))
}

func runServer() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	logger := newLogger(cfg)
	if err := cfg.Validate(); err != nil {
		logger.Fatal().Err(err).Msg("invalid configuration")
	}

	ctx := context.Background()
	pool, err := db.NewPool(ctx, poolOptions(cfg))
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to connect to database")
	}
	defer pool.Close()
	logger.Info().Msg("connected to database")

	checks := []db.Check{db.PoolCheck(pool)}

	// Lookup cache: shared Redis when configured, in-process otherwise.
	var lookups cache.Store
	if cfg.RedisURL != "" {
		rs, err := cache.NewRedisStore(cfg.RedisURL, "careforms:")
		if err != nil {
			logger.Fatal().Err(err).Msg("failed to configure redis")
		}
		defer rs.Close()
		lookups = rs
		checks = append(checks, db.Check{Name: "redis", Ping: rs.Ping, Optional: true})
	} else {
		ms := cache.NewMemoryStore(cfg.LookupCacheTTL)
		defer ms.Close()
		lookups = ms
	}

	// Value sets
	valueSetSvc := valueset.NewService(valueset.NewRepoPG(pool), logger.With().Str("component", "valueset").Logger())
	defer valueSetSvc.Close()
	valueSetSvc.SetLookupCache(lookups, cfg.LookupCacheTTL)
	valueSetSvc.SetExpandTTL(cfg.ExpandCacheTTL)
	if cfg.TerminologyURL != "" {
		valueSetSvc.SetTerminology(valueset.NewRemoteClient(valueset.RemoteConfig{
			BaseURL: cfg.TerminologyURL,
			Timeout: cfg.TerminologyTimeout,
			Retries: cfg.TerminologyRetries,
		}))
	} else {
		logger.Warn().Msg("TERMINOLOGY_URL not set, only explicitly listed concepts resolve")
	}

	// Structured answers
	var writer structured.ResourceWriter
	if cfg.ClinicalAPIURL != "" {
		writer = structured.NewHTTPWriter(structured.WriterConfig{BaseURL: cfg.ClinicalAPIURL})
	} else {
		logger.Warn().Msg("CLINICAL_API_URL not set, structured answers are kept in memory")
		writer = structured.NewMemoryWriter()
	}
	registry := structured.NewDefaultRegistry(writer)

	// Events
	var publisher events.Publisher = events.Nop{}
	if cfg.AMQPURL != "" {
		amqpPub, err := events.NewAMQPPublisher(cfg.AMQPURL, cfg.AMQPExchange)
		if err != nil {
			logger.Fatal().Err(err).Msg("failed to connect to message broker")
		}
		defer amqpPub.Close()
		publisher = amqpPub
	}

	// Images
	var blobs blobstore.BlobStore
	if cfg.MinioEndpoint != "" {
		mb, err := blobstore.NewMinioBlobStore(blobstore.MinioConfig{
			Endpoint:  cfg.MinioEndpoint,
			AccessKey: cfg.MinioAccessKey,
			SecretKey: cfg.MinioSecretKey,
			Bucket:    cfg.MinioBucket,
			UseSSL:    cfg.MinioUseSSL,
		})
		if err != nil {
			logger.Fatal().Err(err).Msg("failed to configure object storage")
		}
		if err := mb.EnsureBucket(ctx); err != nil {
			logger.Fatal().Err(err).Msg("failed to prepare bucket")
		}
		blobs = mb
		checks = append(checks, db.Check{Name: "object_storage", Ping: mb.Ping, Optional: true})
	} else {
		blobs = blobstore.NewInMemoryBlobStore()
	}

	// Questionnaires
	questionnaireSvc := questionnaire.NewService(
		questionnaire.NewQuestionnaireRepoPG(pool),
		questionnaire.NewResponseRepoPG(pool),
		logger.With().Str("component", "questionnaire").Logger(),
	)
	questionnaireSvc.SetCodeResolver(valueSetResolver{svc: valueSetSvc})
	questionnaireSvc.SetStructuredDelegate(structuredDelegate{registry: registry})
	questionnaireSvc.SetPublisher(publisher)

	// Echo server
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	httpx.Install(e)

	e.Pre(echomw.RemoveTrailingSlash())
	e.Use(middleware.Recovery(logger))
	e.Use(middleware.RequestID())
	e.Use(middleware.Logger(logger))
	e.Use(echomw.CORSWithConfig(echomw.CORSConfig{
		AllowOrigins: cfg.CORSOrigins,
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodDelete},
		AllowHeaders: []string{"Authorization", "Content-Type", "X-Request-ID", "X-Tenant-ID"},
	}))
	if cfg.RateLimitRPS > 0 {
		e.Use(middleware.RateLimit(middleware.RateLimitConfig{
			RequestsPerSecond: cfg.RateLimitRPS,
			BurstSize:         cfg.RateLimitBurst,
		}))
	}

	e.GET("/health", db.HealthHandler(checks...))

	apiV1 := e.Group("/api/v1")
	if cfg.IsDev() {
		apiV1.Use(auth.DevAuthMiddleware())
	} else {
		apiV1.Use(auth.JWTMiddleware(auth.JWTConfig{
			Issuer:     cfg.AuthIssuer,
			Audience:   cfg.AuthAudience,
			JWKSURL:    cfg.AuthJWKSURL,
			SigningKey: []byte(cfg.AuthSigningKey),
		}))
	}
	apiV1.Use(db.TenantMiddleware(pool, cfg.DefaultTenant))

	questionnaire.NewHandler(questionnaireSvc).RegisterRoutes(apiV1)
	valueset.NewHandler(valueSetSvc).RegisterRoutes(apiV1)
	blobstore.NewImageHandler(blobs).RegisterRoutes(apiV1)

	// Graceful shutdown
	go func() {
		addr := ":" + cfg.Port
		logger.Info().Str("addr", addr).Msg("starting server")
		if err := e.Start(addr); err != nil && err != http.ErrServerClosed {
			logger.Fatal().Err(err).Msg("server error")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info().Msg("shutting down server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := e.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("server shutdown failed")
		return err
	}
	logger.Info().Msg("server stopped")
	return nil
}
