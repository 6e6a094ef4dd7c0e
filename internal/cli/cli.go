// Package cli implements pmctl, the operator command line for procmine.
//
//	pmctl migrate
//	pmctl users create --username ana --plan premium [--expires 2025-12-31]
//	pmctl keys create --user ana --name laptop
//	pmctl mine --file log.csv --method heuristics [--clean] --out ./out
//
// Commands that touch the database read DATABASE_URL unless --database-url
// is given.
package cli

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/araddon/dateparse"
	"github.com/kiranshivaraju/procmine/internal/apikey"
	"github.com/kiranshivaraju/procmine/internal/config"
	"github.com/kiranshivaraju/procmine/internal/discovery"
	"github.com/kiranshivaraju/procmine/internal/eventlog"
	"github.com/kiranshivaraju/procmine/internal/pipeline"
	"github.com/kiranshivaraju/procmine/internal/render"
	"github.com/kiranshivaraju/procmine/internal/store"
	"github.com/spf13/cobra"
)

// StoreOpener connects to the job store. The returned func releases it.
type StoreOpener func(ctx context.Context, databaseURL string) (store.Store, func(), error)

type options struct {
	databaseURL   string
	migrationsDir string
	plansFile     string
}

// backends are the external pieces a command may need. A nil renderer
// means Graphviz.
type backends struct {
	open     StoreOpener
	migrate  func(databaseURL, dir string) error
	renderer render.Renderer
}

// BuildCLI returns the pmctl root command backed by Postgres.
func BuildCLI() *cobra.Command {
	return newRoot(backends{open: openPostgres, migrate: store.RunMigrations})
}

func newRoot(b backends) *cobra.Command {
	opts := &options{}
	rootCmd := &cobra.Command{
		Use:           "pmctl",
		Short:         "Operate a procmine deployment",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.PersistentFlags().StringVar(&opts.databaseURL, "database-url", os.Getenv("DATABASE_URL"), "Postgres connection URL")
	rootCmd.PersistentFlags().StringVar(&opts.migrationsDir, "migrations", envOr("MIGRATIONS_DIR", "migrations"), "migrations directory")
	rootCmd.PersistentFlags().StringVar(&opts.plansFile, "plans", os.Getenv("PLANS_FILE"), "YAML file with plan defaults")

	rootCmd.AddCommand(buildMigrateCommand(opts, b.migrate))
	rootCmd.AddCommand(buildUsersCommand(opts, b.open))
	rootCmd.AddCommand(buildKeysCommand(opts, b.open))
	rootCmd.AddCommand(buildMineCommand(b.renderer))

	return rootCmd
}

func buildMigrateCommand(opts *options, migrate func(databaseURL, dir string) error) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply pending database migrations",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if opts.databaseURL == "" {
				return errors.New("database URL is required")
			}
			if err := migrate(opts.databaseURL, opts.migrationsDir); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "migrations applied")
			return nil
		},
	}
}

func buildUsersCommand(opts *options, open StoreOpener) *cobra.Command {
	usersCmd := &cobra.Command{Use: "users", Short: "Manage users"}

	var username, plan, expires string
	createCmd := &cobra.Command{
		Use:   "create",
		Short: "Create a user on a plan",
		RunE: func(cmd *cobra.Command, _ []string) error {
			plans, err := config.LoadPlans(opts.plansFile)
			if err != nil {
				return err
			}
			var expiresAt *time.Time
			if expires != "" {
				t, err := dateparse.ParseIn(expires, time.UTC)
				if err != nil {
					return fmt.Errorf("parse --expires: %w", err)
				}
				t = t.UTC()
				expiresAt = &t
			}
			user, err := plans.NewUser(username, plan, expiresAt)
			if err != nil {
				return err
			}

			st, release, err := open(cmd.Context(), opts.databaseURL)
			if err != nil {
				return err
			}
			defer release()
			if err := st.CreateUser(cmd.Context(), user); err != nil {
				return fmt.Errorf("create user: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "created user %s (%s) id=%s\n", user.Username, user.LicenseType, user.ID)
			return nil
		},
	}
	createCmd.Flags().StringVar(&username, "username", "", "unique username")
	createCmd.Flags().StringVar(&plan, "plan", "free", "license type: free or premium")
	createCmd.Flags().StringVar(&expires, "expires", "", "license expiry date (premium only)")
	_ = createCmd.MarkFlagRequired("username")

	usersCmd.AddCommand(createCmd)
	return usersCmd
}

func buildKeysCommand(opts *options, open StoreOpener) *cobra.Command {
	keysCmd := &cobra.Command{Use: "keys", Short: "Manage API keys"}

	var username, name string
	createCmd := &cobra.Command{
		Use:   "create",
		Short: "Issue an API key for a user",
		RunE: func(cmd *cobra.Command, _ []string) error {
			st, release, err := open(cmd.Context(), opts.databaseURL)
			if err != nil {
				return err
			}
			defer release()

			user, err := st.GetUserByUsername(cmd.Context(), username)
			if err != nil {
				return fmt.Errorf("look up user %q: %w", username, err)
			}
			raw, key, err := apikey.Issue(cmd.Context(), st, user.ID, name)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "key id:  %s\n", key.ID)
			fmt.Fprintf(out, "api key: %s\n", raw)
			fmt.Fprintln(out, "The key is shown once. Store it now.")
			return nil
		},
	}
	createCmd.Flags().StringVar(&username, "user", "", "username that owns the key")
	createCmd.Flags().StringVar(&name, "name", "", "label for the key")
	_ = createCmd.MarkFlagRequired("user")
	_ = createCmd.MarkFlagRequired("name")

	keysCmd.AddCommand(createCmd)
	return keysCmd
}

func buildMineCommand(renderer render.Renderer) *cobra.Command {
	var (
		file, method, outDir, format, dot string
		cleanLog                          bool
	)
	cmd := &cobra.Command{
		Use:   "mine",
		Short: "Mine a process model from a local log file",
		RunE: func(cmd *cobra.Command, _ []string) error {
			logFormat, ok := eventlog.FormatFromFilename(file)
			if !ok {
				return fmt.Errorf("unsupported file type %q: use .csv or .xes", filepath.Ext(file))
			}
			m, ok := discovery.ParseMethod(method)
			if !ok {
				return fmt.Errorf("unknown method %q: use one of %s", method, strings.Join(discovery.MethodNames(), ", "))
			}
			imgFormat, ok := render.ParseFormat(format)
			if !ok {
				return fmt.Errorf("unknown image format %q", format)
			}
			data, err := os.ReadFile(file)
			if err != nil {
				return err
			}
			if renderer == nil {
				renderer = render.NewGraphvizRenderer(dot)
			}

			stages := pipeline.NewStages(discovery.DefaultHeuristicsOptions(), renderer, imgFormat, nil)
			report := func(_ context.Context, progress int, message string) error {
				fmt.Fprintf(cmd.ErrOrStderr(), "[%3d%%] %s\n", progress, message)
				return nil
			}
			out, err := stages.Execute(cmd.Context(), pipeline.BytesInput(data, filepath.Base(file), logFormat, m, cleanLog), report)
			if err != nil {
				return err
			}

			if err := os.MkdirAll(outDir, 0o755); err != nil {
				return err
			}
			base := strings.TrimSuffix(filepath.Base(file), filepath.Ext(file)) + "_" + string(m)
			modelPath := filepath.Join(outDir, base+".pnml")
			if err := os.WriteFile(modelPath, out.PNML, 0o644); err != nil {
				return err
			}
			w := cmd.OutOrStdout()
			fmt.Fprintf(w, "events=%d cases=%d activities=%d\n", out.Stats.NumEvents, out.Stats.NumCases, out.Stats.NumActivities)
			fmt.Fprintf(w, "model: %s\n", modelPath)
			if out.Image == nil {
				fmt.Fprintf(w, "image: not rendered (%v)\n", out.RenderErr)
				return nil
			}
			imagePath := filepath.Join(outDir, base+"."+string(out.ImageFormat))
			if err := os.WriteFile(imagePath, out.Image, 0o644); err != nil {
				return err
			}
			fmt.Fprintf(w, "image: %s\n", imagePath)
			return nil
		},
	}
	cmd.Flags().StringVarP(&file, "file", "f", "", "CSV or XES event log")
	cmd.Flags().StringVarP(&method, "method", "m", string(discovery.MethodAlpha), "discovery method")
	cmd.Flags().BoolVar(&cleanLog, "clean", false, "clean the log before mining")
	cmd.Flags().StringVarP(&outDir, "out", "o", ".", "output directory")
	cmd.Flags().StringVar(&format, "format", "svg", "image format: svg or png")
	cmd.Flags().StringVar(&dot, "dot", "dot", "Graphviz dot binary")
	_ = cmd.MarkFlagRequired("file")
	return cmd
}

func openPostgres(ctx context.Context, databaseURL string) (store.Store, func(), error) {
	if databaseURL == "" {
		return nil, nil, errors.New("database URL is required")
	}
	pool, err := store.Connect(ctx, config.DatabaseConfig{
		URL:             databaseURL,
		MaxOpenConns:    4,
		MaxIdleConns:    1,
		ConnMaxLifetime: 5 * time.Minute,
		ConnectRetries:  3,
	})
	if err != nil {
		return nil, nil, err
	}
	return store.NewPostgresStore(pool), pool.Close, nil
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}
