// Package commands implements the benchctl subcommands.
package commands

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"bench-history/internal/config"
	"bench-history/internal/logging"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

const (
	envPrefix = "BENCHCTL"

	keyConfig   = "config"
	keyEngine   = "storage.engine"
	keyDataPath = "storage.data_path"
	keyFilePath = "storage.file.path"
	keyServer   = "server"
	keyToken    = "token"
	keyOutput   = "output"
	keyNoColor  = "no_color"
	keyVerbose  = "verbose"
)

// Output formats for reports and listings
const (
	OutputTable    = "table"
	OutputJSON     = "json"
	OutputMarkdown = "markdown"
)

// ErrRegression is returned when --fail-on-regression is set and a run regressed
var ErrRegression = errors.New("regression detected")

// App carries state shared by every subcommand
type App struct {
	v      *viper.Viper
	out    io.Writer
	errOut io.Writer
}

// NewApp creates an App writing to out and errOut
func NewApp(out, errOut io.Writer) *App {
	v := viper.New()
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	v.SetDefault(keyOutput, OutputTable)

	return &App{v: v, out: out, errOut: errOut}
}

// NewRootCommand builds the benchctl command tree
func NewRootCommand(app *App) *cobra.Command {
	root := &cobra.Command{
		Use:   "benchctl",
		Short: "Benchmark history store and regression detector",
		Long: `benchctl records benchmark runs per suite, compares every metric with
a robust baseline of its recent history, and reports regressions.

Runs are stored locally (badger, data.js file or redis) or sent to a
bench-history server with --server.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	flags := root.PersistentFlags()
	flags.String("config", "", "YAML configuration file")
	flags.String("engine", "", "storage engine: badger, file or redis")
	flags.String("data-path", "", "badger data directory")
	flags.String("file", "", "data.js path for the file engine")
	flags.String("server", "", "gRPC address of a bench-history server; local storage is used when empty")
	flags.String("token", "", "bearer token for writes to --server")
	flags.StringP("output", "o", OutputTable, "output format: table, json or markdown")
	flags.Bool("no-color", false, "disable coloured output")
	flags.BoolP("verbose", "v", false, "verbose logging to stderr")

	bindings := map[string]string{
		keyConfig:   "config",
		keyEngine:   "engine",
		keyDataPath: "data-path",
		keyFilePath: "file",
		keyServer:   "server",
		keyToken:    "token",
		keyOutput:   "output",
		keyNoColor:  "no-color",
		keyVerbose:  "verbose",
	}
	for key, flag := range bindings {
		if err := app.v.BindPFlag(key, flags.Lookup(flag)); err != nil {
			panic(fmt.Sprintf("bind flag %s: %v", flag, err))
		}
	}

	root.SetOut(app.out)
	root.SetErr(app.errOut)

	root.AddCommand(
		newAppendCommand(app),
		newCheckCommand(app),
		newLatestCommand(app),
		newSuitesCommand(app),
		newWindowCommand(app),
		newExportCommand(app),
		newImportCommand(app),
		newBackupCommand(app),
		newRestoreCommand(app),
		newVersionCommand(app),
	)
	return root
}

// Config loads the YAML file and BH_* environment, then applies flag overrides
func (a *App) Config() (*config.Config, error) {
	cfg, err := config.Load(a.v.GetString(keyConfig))
	if err != nil {
		return nil, err
	}

	if engine := a.v.GetString(keyEngine); engine != "" {
		cfg.Storage.Engine = engine
	}
	if path := a.v.GetString(keyDataPath); path != "" {
		cfg.Storage.DataPath = path
	}
	if path := a.v.GetString(keyFilePath); path != "" {
		cfg.Storage.File.Path = path
	}

	// The CLI talks to a terminal; keep logs off stdout
	cfg.Logging.Output = "stderr"
	cfg.Logging.Format = "text"
	cfg.Logging.EnableStorageLogging = false
	if a.v.GetBool(keyVerbose) {
		cfg.Logging.Level = "debug"
		cfg.Logging.EnableStorageLogging = true
	} else {
		cfg.Logging.Level = "warn"
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	return cfg, nil
}

func (a *App) logger(cfg *config.Config) *logging.Logger {
	return logging.NewLoggerWithWriter(&cfg.Logging, a.errOut)
}

func (a *App) outputFormat() (string, error) {
	switch format := strings.ToLower(a.v.GetString(keyOutput)); format {
	case OutputTable, OutputJSON, OutputMarkdown:
		return format, nil
	default:
		return "", fmt.Errorf("unknown output format %q", format)
	}
}

// colored reports whether ANSI colours should be used for table output
func (a *App) colored() bool {
	if a.v.GetBool(keyNoColor) || a.out != os.Stdout {
		return false
	}
	return !color.NoColor
}
