// Command acphast runs the ACP proxy: a JSON-RPC front door that dispatches
// LLM traffic through a user-editable node graph to heterogeneous backends.
//
// Usage:
//
//	acphast serve --graph graph.json --transport http
//	acphast serve --config acphast.yaml
//	acphast validate graph.json
package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/alecthomas/kong"

	"github.com/acphast/acphast/pkg/config"
	"github.com/acphast/acphast/pkg/logger"
)

// CLI defines the command-line interface.
type CLI struct {
	Version  VersionCmd  `cmd:"" help:"Show version information."`
	Serve    ServeCmd    `cmd:"" help:"Start the proxy."`
	Validate ValidateCmd `cmd:"" help:"Validate a graph file."`

	Config    string `short:"c" help:"Path to config file." type:"path"`
	LogLevel  string `help:"Log level (debug, info, warn, error)." default:"info"`
	LogFile   string `help:"Log file path (empty = stderr)."`
	LogFormat string `help:"Log format (text or json)." default:"text"`
}

func main() {
	_ = config.LoadEnvFiles()

	cli := CLI{}
	ctx := kong.Parse(&cli,
		kong.Name("acphast"),
		kong.Description("acphast - graph-routed ACP proxy for LLM backends"),
		kong.UsageOnError(),
	)

	cleanup, err := initLogger(&cli)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	if cleanup != nil {
		defer cleanup()
	}

	err = ctx.Run(&cli)
	ctx.FatalIfErrorf(err)
}

// initLogger configures the process logger from CLI flags. Diagnostics must
// never reach stdout: with the stdio framing stdout is the protocol stream.
func initLogger(cli *CLI) (func(), error) {
	level, err := logger.ParseLevel(cli.LogLevel)
	if err != nil {
		return nil, err
	}

	out := os.Stderr
	var cleanup func()
	if cli.LogFile != "" {
		f, closeFn, err := logger.OpenLogFile(cli.LogFile)
		if err != nil {
			return nil, err
		}
		out = f
		cleanup = closeFn
	}

	logger.Init(level, out, cli.LogFormat)
	slog.SetDefault(logger.GetLogger())
	return cleanup, nil
}
