// Command rdbrestore restores a table dump directory into a ReQL database server.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/ryabkov82/rdbrestore/internal/config"
	"github.com/ryabkov82/rdbrestore/internal/httpapi"
	"github.com/ryabkov82/rdbrestore/internal/logging"
	"github.com/ryabkov82/rdbrestore/internal/rdb"
	"github.com/ryabkov82/rdbrestore/internal/restore"
	"github.com/ryabkov82/rdbrestore/internal/unit"
	"github.com/ryabkov82/rdbrestore/internal/version"
)

// dialFunc builds the dialer used by the session pool.
type dialFunc func(rdb.ConnectOptions) rdb.Dialer

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	code := run(ctx, os.Args[1:], os.Stdout, os.Stderr, rdb.Dial)
	stop()
	os.Exit(code)
}

func run(ctx context.Context, args []string, stdout, stderr io.Writer, dial dialFunc) int {
	code := restore.ExitOK
	cmd := newRootCommand(dial, &code)
	cmd.SetArgs(args)
	cmd.SetOut(stdout)
	cmd.SetErr(stderr)
	if err := cmd.ExecuteContext(ctx); err != nil {
		return restore.ExitFatal
	}
	return code
}

// flagKeys maps command-line flags to configuration keys.
var flagKeys = map[string]string{
	"host":               "db.host",
	"port":               "db.port",
	"user":               "db.user",
	"password":           "db.password",
	"batch-size":         "restore.batch_size",
	"pool-size":          "restore.pool_size",
	"max-parallel-files": "restore.max_parallel_files",
	"decode-errors":      "restore.decode_errors",
	"drop-existing":      "restore.drop_existing",
	"log-level":          "log.level",
	"log-format":         "log.format",
	"status-addr":        "status.addr",
}

func newRootCommand(dial dialFunc, code *int) *cobra.Command {
	v := config.New()
	var (
		configPath  string
		showVersion bool
	)

	cmd := &cobra.Command{
		Use:   "rdbrestore [flags] DUMP_DIR",
		Short: "Restore a table dump into a ReQL database server",
		Long: `Restore a dump directory: one subdirectory per database holding a
<table>.info metadata file and a <table>.json or <table>.jsongz data file
per table. Schema is created first, then every data file is loaded
concurrently over a bounded pool of server connections.

Exit status is 0 when everything was restored, 2 when some tables or
schema operations failed, and 1 when the restore could not run.`,
		SilenceUsage: true,
		Args: func(cmd *cobra.Command, args []string) error {
			if showVersion {
				return nil
			}
			return cobra.ExactArgs(1)(cmd, args)
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			if showVersion {
				fmt.Fprintln(cmd.OutOrStdout(), version.String())
				return nil
			}
			c, err := execute(cmd.Context(), v, configPath, args[0], cmd.ErrOrStderr(), dial)
			*code = c
			return err
		},
	}

	flags := cmd.Flags()
	// -h is the host, as in the other tools talking to this server.
	flags.Bool("help", false, "help for rdbrestore")
	flags.StringP("host", "h", "localhost", "server host")
	flags.IntP("port", "p", 28015, "server driver port")
	flags.String("user", "admin", "user name")
	flags.String("password", "", "password")
	flags.StringVar(&configPath, "config", "", "YAML configuration file")
	flags.Int("batch-size", restore.DefaultBatchSize, "records per insert request")
	flags.Int("pool-size", 20, "maximum concurrent server connections")
	flags.Int("max-parallel-files", 0, "maximum data files loaded at once (0 = all)")
	flags.String("decode-errors", string(restore.DecodeTruncate), "on malformed data: truncate (keep what was read) or fail")
	flags.Bool("drop-existing", false, "drop each table before creating it")
	flags.String("log-level", "info", "log level (debug, info, warn, error)")
	flags.String("log-format", "text", "log format (text, json)")
	flags.String("status-addr", "", "serve restore progress over HTTP on this address")
	flags.BoolVar(&showVersion, "version", false, "print version and exit")

	if err := bindFlags(v, flags); err != nil {
		panic(err)
	}
	return cmd
}

func bindFlags(v *viper.Viper, flags *pflag.FlagSet) error {
	for name, key := range flagKeys {
		f := flags.Lookup(name)
		if f == nil {
			return fmt.Errorf("flag --%s is not defined", name)
		}
		if err := v.BindPFlag(key, f); err != nil {
			return fmt.Errorf("bind --%s: %w", name, err)
		}
	}
	return nil
}

// execute runs a restore and returns the process exit code.
func execute(ctx context.Context, v *viper.Viper, configPath, root string, logOut io.Writer, dial dialFunc) (int, error) {
	cfg, err := config.Load(v, configPath)
	if err != nil {
		return restore.ExitFatal, err
	}
	logger, err := logging.New(cfg.Log.Level, cfg.Log.Format, logOut)
	if err != nil {
		return restore.ExitFatal, err
	}
	pool := rdb.NewPool(dial(rdb.ConnectOptions{
		Address:  cfg.Address(),
		Username: cfg.DB.User,
		Password: cfg.DB.Password,
		Timeout:  cfg.Timeout(),
	}), rdb.PoolConfig{
		Size:         cfg.Restore.PoolSize,
		DialRetries:  cfg.DB.DialRetries,
		BackoffMs:    cfg.DB.BackoffMs,
		BackoffMaxMs: cfg.DB.BackoffMaxMs,
	}, logger)
	logger.Info("starting restore", "version", version.Version, "server", cfg.Address(),
		"root", root, "pool_size", pool.Size())
	defer func() {
		if err := pool.Close(); err != nil {
			logger.Warn("close session pool", "error", err)
		}
	}()

	store := unit.NewStore()
	if cfg.Status.Addr != "" {
		stopStatus := serveStatus(cfg.Status.Addr, cfg.Status.APIKey, store, logger)
		defer stopStatus()
	}

	restorer := restore.NewRestorer(pool, store, restore.Options{
		BatchSize:        cfg.Restore.BatchSize,
		DecodeErrors:     cfg.DecodePolicy(),
		MaxParallelFiles: cfg.Restore.MaxParallelFiles,
		DropExisting:     cfg.Restore.DropExisting,
	}, logger)

	report, err := restorer.Run(ctx, root)
	if err != nil {
		return restore.ExitFatal, fmt.Errorf("restore %s: %w", root, err)
	}
	logger.Info("timings", "summary", restorer.Timings().String())

	if ctx.Err() != nil {
		logger.Warn("restore interrupted", "succeeded", report.Summary.Succeeded, "units", report.Summary.Total)
		return restore.ExitFatal, ctx.Err()
	}
	for _, err := range report.Failures {
		logger.Error("table not restored", "kind", restore.KindOf(err), "error", err)
	}
	if report.Failed() {
		logger.Warn("restore finished with failures",
			"schema_failures", len(report.Schema.Failures), "unit_failures", len(report.Failures))
	}
	return report.ExitCode(), nil
}

// serveStatus starts the status API and returns a function that shuts it down.
func serveStatus(addr, apiKey string, store *unit.Store, logger *slog.Logger) func() {
	handler := httpapi.NewHandler(store, logger)
	server := &http.Server{
		Addr:              addr,
		Handler:           httpapi.SetupRouter(handler, apiKey),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		logger.Info("status server starting", "addr", addr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("status server error", "error", err)
		}
	}()

	return func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			logger.Warn("status server shutdown error", "error", err)
		}
	}
}
