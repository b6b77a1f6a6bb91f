package main

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"lpvalidation/services/analytics/internal/config"
	"lpvalidation/services/analytics/internal/logging"
	"lpvalidation/services/analytics/internal/reports"
	"lpvalidation/services/analytics/internal/store"
)

// app carries what every subcommand needs once the root has loaded config.
type app struct {
	getenv     func(string) string
	configPath string
	verbose    bool

	cfg    config.Config
	logger *zap.Logger
	db     *store.SQLite
}

func newRootCmd(getenv func(string) string) *cobra.Command {
	a := &app{getenv: getenv, logger: zap.NewNop()}

	root := &cobra.Command{
		Use:           "lpctl",
		Short:         "Generate LP validation reports and open rollout pull requests",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return a.load()
		},
		PersistentPostRunE: func(cmd *cobra.Command, _ []string) error {
			return a.close()
		},
	}
	root.PersistentFlags().StringVar(&a.configPath, "config", "", "config file (default ~/.config/lpctl/config.toml)")
	root.PersistentFlags().BoolVarP(&a.verbose, "verbose", "v", false, "log to stderr")

	root.AddCommand(
		newReportCmd(a),
		newRolloutCmd(a),
		newSchedulesCmd(a),
		newMetricsCmd(a),
	)
	return root
}

func (a *app) load() error {
	a.cfg = config.Load()

	path := a.configPath
	if path == "" {
		path = defaultConfigPath(a.getenv)
	}
	if err := a.cfg.ApplyFile(path); err != nil {
		return err
	}

	if a.verbose {
		logger, err := logging.New("lpctl", "console")
		if err != nil {
			return err
		}
		a.logger = logger
	}
	return nil
}

func (a *app) close() error {
	_ = a.logger.Sync()
	if a.db != nil {
		err := a.db.Close()
		a.db = nil
		return err
	}
	return nil
}

// store opens the local SQLite database on first use.
func (a *app) store() (*store.SQLite, error) {
	if a.db != nil {
		return a.db, nil
	}
	path := a.cfg.SQLitePath
	if strings.TrimSpace(path) == "" {
		path = filepath.Join(configDir(a.getenv), "lpctl.db")
	}
	db, err := store.OpenSQLite(path)
	if err != nil {
		return nil, err
	}
	a.db = db
	return db, nil
}

func (a *app) reportService() (*reports.Service, error) {
	db, err := a.store()
	if err != nil {
		return nil, err
	}
	return reports.NewService(db, db,
		reports.WithRenderer(reports.Renderer{FontPath: a.cfg.ReportPDFFont}),
		reports.WithLogger(a.logger),
	), nil
}

func configDir(getenv func(string) string) string {
	if dir := getenv("XDG_CONFIG_HOME"); dir != "" {
		return filepath.Join(dir, "lpctl")
	}
	if home := getenv("HOME"); home != "" {
		return filepath.Join(home, ".config", "lpctl")
	}
	if home, err := os.UserHomeDir(); err == nil {
		return filepath.Join(home, ".config", "lpctl")
	}
	return "."
}

func defaultConfigPath(getenv func(string) string) string {
	return filepath.Join(configDir(getenv), "config.toml")
}

func writeOutput(cmd *cobra.Command, path string, data []byte) error {
	if path == "" || path == "-" {
		_, err := cmd.OutOrStdout().Write(data)
		return err
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("write %s: %w", path, err)
	}
	fmt.Fprintf(cmd.ErrOrStderr(), "wrote %s (%d bytes)\n", path, len(data))
	return nil
}
