package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/GriffinCanCode/vizflow/internal/infrastructure/config"
	"github.com/GriffinCanCode/vizflow/internal/infrastructure/logging"
	"github.com/GriffinCanCode/vizflow/internal/shm"
)

var versionString = "dev"

// options shared by every subcommand
type rootOptions struct {
	configPath string
	logLevel   string
	dev        bool
}

// NewRootCmd builds the command tree.
func NewRootCmd() *cobra.Command {
	opts := &rootOptions{}
	cmd := &cobra.Command{
		Use:   "vizflow",
		Short: "vizflow - in-situ coupling between simulations and visualization modules",
		Long: `vizflow connects a running simulation to a visualization module over
shared memory. Objects are built once in a shared arena and handed across
processes by name, while control traffic travels over bounded message
channels.`,
		Version: versionString,
		RunE: func(cmd *cobra.Command, args []string) error {
			return cmd.Help()
		},
		SilenceErrors: true,
		SilenceUsage:  true,
	}

	flags := cmd.PersistentFlags()
	flags.StringVarP(&opts.configPath, "config", "c", "", "YAML or TOML config file layered over the environment")
	flags.StringVar(&opts.logLevel, "log-level", "", "override the configured log level")
	flags.BoolVar(&opts.dev, "dev", false, "human readable console logs")

	cmd.AddCommand(newCoupleCmd(opts), newCleanupCmd(opts), newInspectCmd(opts))
	return cmd
}

// Execute runs the command tree against os.Args.
func Execute() error {
	return NewRootCmd().Execute()
}

// SetVersionInfo sets the version information for the CLI
func SetVersionInfo(v, c, d string) {
	versionString = fmt.Sprintf("%s (commit: %s, built: %s)", v, c, d)
}

func (o *rootOptions) load() (*config.Config, error) {
	cfg, err := config.LoadFile(o.configPath)
	if err != nil {
		return nil, err
	}
	if o.logLevel != "" {
		cfg.Logging.Level = o.logLevel
	}
	if o.dev {
		cfg.Logging.Development = true
	}
	return cfg, nil
}

func newLogger(cfg *config.Config) (*logging.Logger, error) {
	lc := logging.DefaultConfig()
	if cfg.Logging.Development {
		lc = logging.DevelopmentConfig()
	}
	lc.Level = cfg.Logging.Level
	return logging.New(lc)
}

// newBackend returns the configured segment backend. File segments are
// recorded in the name log so cleanup can find them after a crash.
func newBackend(cfg *config.Config) shm.Backend {
	if cfg.Shm.Backend == "heap" {
		return shm.NewHeapBackend()
	}
	return shm.Track(shm.NewFileBackend(cfg.Shm.Dir), shm.NewNameLog(cfg.Shm.NameLog))
}
