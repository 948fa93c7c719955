package main

import (
	"os"
	"strings"

	"github.com/joho/godotenv"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/vladislavdragonenkov/oms-bulkjobs/internal/app"
	"github.com/vladislavdragonenkov/oms-bulkjobs/internal/version"
)

// globalFlags: общие для всех подкоманд настройки хранилища.
type globalFlags struct {
	storage   string
	dsn       string
	badgerDir string
	logLevel  string
}

func main() {
	_ = godotenv.Load()

	cfg, err := app.ConfigFromEnv(os.LookupEnv)
	if err != nil {
		// флаги ещё могут исправить конфигурацию, проверка повторится в config()
		cfg = app.DefaultConfig()
	}

	if err := newRootCmd(cfg).Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd(base app.Config) *cobra.Command {
	flags := &globalFlags{}

	rootCmd := &cobra.Command{
		Use:           "jobctl",
		Short:         "Bulk job operations tool",
		Version:       version.String(),
		SilenceUsage:  true,
		SilenceErrors: false,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			level, err := log.ParseLevel(flags.logLevel)
			if err != nil {
				return err
			}
			log.SetFormatter(&log.TextFormatter{FullTimestamp: true})
			log.SetOutput(cmd.ErrOrStderr())
			log.SetLevel(level)
			return nil
		},
	}

	rootCmd.PersistentFlags().StringVar(&flags.storage, "storage", base.StorageDriver, "Storage driver (memory|postgres|badger)")
	rootCmd.PersistentFlags().StringVar(&flags.dsn, "dsn", base.PostgresDSN, "PostgreSQL DSN")
	rootCmd.PersistentFlags().StringVar(&flags.badgerDir, "badger-dir", base.BadgerDir, "Badger data directory")
	rootCmd.PersistentFlags().StringVar(&flags.logLevel, "log-level", "warning", "Log level")

	config := func() (app.Config, error) {
		cfg := base
		cfg.StorageDriver = strings.ToLower(strings.TrimSpace(flags.storage))
		cfg.PostgresDSN = strings.TrimSpace(flags.dsn)
		cfg.BadgerDir = strings.TrimSpace(flags.badgerDir)
		return cfg, cfg.Validate()
	}

	rootCmd.AddCommand(migrateCmd(config))
	rootCmd.AddCommand(statusCmd(config))
	rootCmd.AddCommand(listCmd(config))
	rootCmd.AddCommand(shipCmd(config))
	return rootCmd
}
