package cli

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/alecthomas/kong"
	"github.com/charmbracelet/log"
	"github.com/cruciblehq/cruxpy/internal"
	"github.com/cruciblehq/cruxpy/internal/config"
	"github.com/cruciblehq/cruxpy/internal/recipe"
)

// Represents the root command.
var RootCmd struct {
	Quiet   bool   `short:"q" help:"Suppress informational output."`
	Verbose bool   `short:"v" help:"Enable verbose output."`
	Debug   bool   `short:"d" help:"Enable debug output."`
	Config  string `help:"Settings file. Defaults to cruxpy.yaml in the working or config directory." placeholder:"PATH" type:"path"`

	Build      BuildCmd      `cmd:"" help:"Build the application image."`
	Dockerfile DockerfileCmd `cmd:"" help:"Render the recipe as a Dockerfile."`
	Validate   ValidateCmd   `cmd:"" help:"Check a recipe without building it."`
	Serve      ServeCmd      `cmd:"" help:"Run the worker supervisor in the foreground."`
	Probe      ProbeCmd      `cmd:"" help:"Check the application's health endpoint once."`
	Run        RunCmd        `cmd:"" help:"Run a built image and monitor its health."`
	Ctl        CtlCmd        `cmd:"" help:"Control a running supervisor."`
	Version    VersionCmd    `cmd:"" help:"Show version information."`
}

// Parses arguments, configures logging, and runs the selected subcommand.
func Execute() error {

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	kongCtx := kong.Parse(&RootCmd,
		kong.Name(internal.Name),
		kong.Description("Builds and serves Python WSGI applications.\n\nBuilds a hardened multi-stage image and supervises its workers."),
		kong.UsageOnError(),
		kong.Vars{
			"version": internal.VersionString(),
			"python":  recipe.DefaultPythonVersion,
		},
		kong.BindTo(ctx, (*context.Context)(nil)),
	)

	configureLogger()

	return kongCtx.Run()
}

// Configures the global logger based on CLI flags.
func configureLogger() {
	logger, ok := slog.Default().Handler().(*log.Logger)
	if !ok {
		return // Not a charm logger, nothing to configure
	}

	if RootCmd.Debug {
		internal.SetDebug(true)
	}
	if RootCmd.Quiet {
		internal.SetQuiet(true)
	}
	if RootCmd.Verbose {
		internal.SetVerbose(true)
	}

	switch {
	case internal.IsDebug():
		logger.SetLevel(log.DebugLevel)
	case internal.IsQuiet():
		logger.SetLevel(log.WarnLevel)
	default:
		logger.SetLevel(log.InfoLevel)
	}

	logger.SetReportTimestamp(internal.IsVerbose() || internal.IsDebug())
	logger.SetReportCaller(internal.IsDebug())
	if !isatty(os.Stderr) {
		logger.SetFormatter(log.LogfmtFormatter)
	}
}

// Loads settings from the file named by --config, or the default locations.
func loadSettings() (*config.Settings, error) {
	settings, path, err := config.Load(RootCmd.Config)
	if err != nil {
		return nil, err
	}
	if path != "" {
		slog.Debug("settings loaded", "path", path)
	}
	return settings, nil
}

// Whether the given file is an interactive terminal.
func isatty(f *os.File) bool {
	info, err := f.Stat()
	if err != nil {
		return false
	}
	return (info.Mode() & os.ModeCharDevice) != 0
}
