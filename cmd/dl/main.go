package main

import (
	"context"
	crand "crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"golang.org/x/sync/errgroup"

	"drawline/internal/app"
	"drawline/internal/config"
	"drawline/internal/domain"
	"drawline/internal/metrics"
	"drawline/internal/server"
)

var rootCmd = &cobra.Command{
	Use:   "dl",
	Short: "Drawline CLI",
	Long: `Drawline runs lottery-based event registration.
Core concepts:
- Workspace: the .drawline directory holding the SQLite database, next to drawline.yml and an optional .env.
- Participant: a profile identified by its id; pass --as <id> to act as one.
- Event: created by an organizer, with a waiting list capped by max_registration and a select_num target.
- Pools: every entrant sits in exactly one of waiting, invited, enrolled or cancelled.
- Lottery: draws random waiting entrants into invited until invited + enrolled reaches select_num.
- Notifications: queued in an outbox and delivered to configured webhooks by 'dl serve' or 'dl deliver'.
- Admin mode: --admin, honored only for participants listed under admins in drawline.yml.
- Activity log: append-only history, view with 'dl log tail'.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		workspace := viper.GetString("workspace")
		if err := godotenv.Load(filepath.Join(workspace, ".env")); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("load .env: %w", err)
		}
		return setupLogging(viper.GetString("log-level"), viper.GetBool("log-json"))
	},
}

func main() {
	cobra.OnInitialize(initConfig)
	addPersistentFlags()
	registerCommands()
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func initConfig() {
	viper.SetEnvPrefix("DRAWLINE")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	flags := rootCmd.PersistentFlags()
	flags.StringP("workspace", "w", ".", "workspace directory")
	flags.Bool("json", false, "output JSON")
	flags.String("as", "", "participant id to act as")
	flags.Bool("admin", false, "request admin mode")
	flags.String("log-level", "warn", "log level (debug, info, warn, error)")
	flags.Bool("log-json", false, "log as JSON instead of console text")
	for _, name := range []string{"workspace", "json", "as", "admin", "log-level", "log-json"} {
		_ = viper.BindPFlag(name, flags.Lookup(name))
	}
}

func registerCommands() {
	rootCmd.AddCommand(participantCmd())
	rootCmd.AddCommand(eventCmd())
	rootCmd.AddCommand(joinCmd())
	rootCmd.AddCommand(leaveCmd())
	rootCmd.AddCommand(acceptCmd())
	rootCmd.AddCommand(declineCmd())
	rootCmd.AddCommand(revokeCmd())
	rootCmd.AddCommand(lotteryCmd())
	rootCmd.AddCommand(notifyCmd())
	rootCmd.AddCommand(membershipCmd())
	rootCmd.AddCommand(notificationsCmd())
	rootCmd.AddCommand(logCmd())
	rootCmd.AddCommand(apiKeyCmd())
	rootCmd.AddCommand(configCmd())
	rootCmd.AddCommand(deliverCmd())
	rootCmd.AddCommand(serveCmd())
}

func setupLogging(level string, asJSON bool) error {
	lvl, err := zerolog.ParseLevel(strings.ToLower(strings.TrimSpace(level)))
	if err != nil {
		return fmt.Errorf("invalid --log-level %q", level)
	}
	zerolog.SetGlobalLevel(lvl)
	zerolog.TimeFieldFormat = time.RFC3339
	if asJSON {
		log.Logger = zerolog.New(os.Stderr).With().Timestamp().Logger()
		return nil
	}
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.Kitchen})
	return nil
}

func withWorkspace(ctx context.Context, fn func(context.Context, *app.Workspace) error) error {
	return withWorkspaceMetrics(ctx, nil, fn)
}

func withWorkspaceMetrics(ctx context.Context, m *metrics.Metrics, fn func(context.Context, *app.Workspace) error) error {
	ws, err := app.Open(viper.GetString("workspace"), m)
	if err != nil {
		return err
	}
	defer ws.Close()
	return fn(log.Logger.WithContext(ctx), ws)
}

// withSession opens the workspace and resolves the --as participant.
func withSession(ctx context.Context, fn func(context.Context, *app.Workspace, domain.Session) error) error {
	return withWorkspace(ctx, func(ctx context.Context, ws *app.Workspace) error {
		s, err := app.ResolveSession(ctx, ws.Engine.Repo, ws.Config, viper.GetString("as"), viper.GetBool("admin"))
		if err != nil {
			return err
		}
		return fn(ctx, ws, s)
	})
}

func configCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "config", Short: "Workspace configuration"}
	cmd.AddCommand(configInitCmd())
	cmd.AddCommand(configShowCmd())
	cmd.AddCommand(configValidateCmd())
	return cmd
}

func configInitCmd() *cobra.Command {
	var force bool
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write a default drawline.yml and a JWT secret into .env",
		RunE: func(cmd *cobra.Command, args []string) error {
			workspace := viper.GetString("workspace")
			if err := os.MkdirAll(workspace, 0o755); err != nil {
				return err
			}
			path := config.Path(workspace)
			if _, err := os.Stat(path); err == nil && !force {
				return fmt.Errorf("%s already exists (use --force to overwrite)", path)
			}
			if err := os.WriteFile(path, []byte(config.GenerateDefault()), 0o644); err != nil {
				return err
			}
			envPath := filepath.Join(workspace, ".env")
			secretWritten, err := ensureEnvSecret(envPath, "DRAWLINE_JWT_SECRET")
			if err != nil {
				return err
			}
			fmt.Printf("wrote %s\n", path)
			if secretWritten {
				fmt.Printf("wrote DRAWLINE_JWT_SECRET to %s\n", envPath)
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&force, "force", false, "overwrite an existing drawline.yml")
	return cmd
}

// ensureEnvSecret adds a random value for key to the .env file at path
// unless one is already set. It reports whether the file changed.
func ensureEnvSecret(path, key string) (bool, error) {
	env, err := godotenv.Read(path)
	if err != nil {
		if !errors.Is(err, fs.ErrNotExist) {
			return false, err
		}
		env = map[string]string{}
	}
	if strings.TrimSpace(env[key]) != "" {
		return false, nil
	}
	var buf [32]byte
	if _, err := crand.Read(buf[:]); err != nil {
		return false, err
	}
	env[key] = hex.EncodeToString(buf[:])
	if err := godotenv.Write(env, path); err != nil {
		return false, err
	}
	return true, nil
}

func configShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show",
		Short: "Show the effective configuration",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadOptional(viper.GetString("workspace"))
			if err != nil {
				return err
			}
			if cfg == nil {
				cfg = config.Default()
			}
			return printJSON(cfg)
		},
	}
}

func configValidateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "validate",
		Short: "Validate drawline.yml",
		RunE: func(cmd *cobra.Command, args []string) error {
			if _, err := config.Load(viper.GetString("workspace")); err != nil {
				return err
			}
			fmt.Println("config ok")
			return nil
		},
	}
}

func deliverCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "deliver",
		Short: "Send one batch of pending notifications to the configured webhooks",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withWorkspace(cmd.Context(), func(ctx context.Context, ws *app.Workspace) error {
				d := server.NewDispatcher(ws.Engine, ws.Engine.Metrics)
				if !d.Enabled() {
					return fmt.Errorf("no enabled webhooks in %s", config.Path(ws.Path))
				}
				n, err := d.DispatchOnce(ctx)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(map[string]int{"delivered": n})
				}
				fmt.Printf("delivered %d notification(s)\n", n)
				return nil
			})
		},
	}
}

func serveCmd() *cobra.Command {
	var addr, basePath string
	var devLogin, legacyHeader, noMetrics bool
	var tokenTTL time.Duration
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP API and the notification dispatcher",
		RunE: func(cmd *cobra.Command, args []string) error {
			var m *metrics.Metrics
			if !noMetrics {
				m = metrics.New(true)
			}
			return withWorkspaceMetrics(cmd.Context(), m, func(ctx context.Context, ws *app.Workspace) error {
				authCfg := server.AuthConfig{
					JWTSecret:         viper.GetString("jwt-secret"),
					AllowLegacyHeader: legacyHeader,
					EnableDevLogin:    devLogin,
					TokenTTL:          tokenTTL,
				}
				if authCfg.JWTSecret == "" && !legacyHeader {
					return fmt.Errorf("DRAWLINE_JWT_SECRET is required for bearer auth (run 'dl config init')")
				}
				handler, err := server.New(server.Config{Engine: ws.Engine, BasePath: basePath, Auth: authCfg, Metrics: m})
				if err != nil {
					return err
				}
				srv := &http.Server{Addr: addr, Handler: handler, ReadHeaderTimeout: 10 * time.Second}
				dispatcher := server.NewDispatcher(ws.Engine, ws.Engine.Metrics)

				g, gctx := errgroup.WithContext(ctx)
				g.Go(func() error {
					log.Info().Str("addr", addr).Str("base_path", basePath).Msg("serving drawline API")
					if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
						return err
					}
					return nil
				})
				g.Go(func() error {
					<-gctx.Done()
					shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
					defer cancel()
					return srv.Shutdown(shutdownCtx)
				})
				g.Go(func() error {
					return dispatcher.Run(gctx)
				})
				fmt.Printf("Serving Drawline API on http://%s%s (OpenAPI at %s/openapi.json, Swagger UI at /docs)\n", addr, basePath, basePath)
				return g.Wait()
			})
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "127.0.0.1:8080", "listen address")
	cmd.Flags().StringVar(&basePath, "base-path", "/v0", "API base path")
	cmd.Flags().String("jwt-secret", "", "HS256 secret for bearer tokens (env DRAWLINE_JWT_SECRET)")
	cmd.Flags().BoolVar(&devLogin, "dev-login", false, "expose POST /auth/dev/login")
	cmd.Flags().BoolVar(&legacyHeader, "legacy-header", false, "accept unauthenticated X-Participant-Id headers")
	cmd.Flags().BoolVar(&noMetrics, "no-metrics", false, "do not serve /metrics")
	cmd.Flags().DurationVar(&tokenTTL, "token-ttl", 12*time.Hour, "lifetime of dev login tokens")
	_ = viper.BindPFlag("jwt-secret", cmd.Flags().Lookup("jwt-secret"))
	return cmd
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
