// Package cli is the chord terminal client: a thin cobra front-end over the
// realtime session and the channel controller.
package cli

import (
	"context"
	"strings"

	"chord/cmd/internal/app"

	"github.com/spf13/cobra"
)

// Version is stamped at build time with -ldflags "-X chord/cmd/internal/cli.Version=...".
var Version = "dev"

// Builder constructs a wired App from an env file and flag overrides.
type Builder func(envFile string, override func(*app.Config)) (*app.App, error)

type globalFlags struct {
	envFile   string
	apiBase   string
	token     string
	logLevel  string
	logFormat string
	diagAddr  string
}

func (g *globalFlags) apply(cfg *app.Config) {
	set := func(dst *string, v string) {
		if v = strings.TrimSpace(v); v != "" {
			*dst = v
		}
	}
	set(&cfg.APIBase, g.apiBase)
	set(&cfg.Token, g.token)
	set(&cfg.LogLevel, g.logLevel)
	set(&cfg.LogFormat, g.logFormat)
	set(&cfg.DiagAddr, g.diagAddr)
}

// NewRootCommand builds the command tree. A nil build uses app.Bootstrap.
func NewRootCommand(build Builder) *cobra.Command {
	if build == nil {
		build = app.Bootstrap
	}

	flags := &globalFlags{}
	open := func() (*app.App, error) { return build(flags.envFile, flags.apply) }

	root := &cobra.Command{
		Use:          "chord",
		Short:        "Terminal client for chord chat channels",
		SilenceUsage: true,
	}

	pf := root.PersistentFlags()
	pf.StringVar(&flags.envFile, "env-file", ".env", "dotenv file read before the environment")
	pf.StringVar(&flags.apiBase, "api-base", "", "API base URL (overrides CHORD_API_BASE)")
	pf.StringVar(&flags.token, "token", "", "access token (overrides CHORD_TOKEN)")
	pf.StringVar(&flags.logLevel, "log-level", "", "debug, info, warn or error (overrides CHORD_LOG_LEVEL)")
	pf.StringVar(&flags.logFormat, "log-format", "", "json or pretty (overrides CHORD_LOG_FORMAT)")
	pf.StringVar(&flags.diagAddr, "diag-addr", "", "diagnostics listen address (overrides CHORD_DIAG_ADDR)")

	root.AddCommand(
		newWatchCommand(open),
		newSendCommand(open),
		newHistoryCommand(open),
		newVersionCommand(),
	)
	return root
}

// Execute runs the root command until ctx is done.
func Execute(ctx context.Context) error {
	return NewRootCommand(nil).ExecuteContext(ctx)
}
