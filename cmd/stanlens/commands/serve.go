package commands

import (
	"github.com/spf13/cobra"

	"github.com/Sumatoshi-tech/stanlens/internal/observability"
	"github.com/Sumatoshi-tech/stanlens/pkg/lsp"
	"github.com/Sumatoshi-tech/stanlens/pkg/mcp"
	"github.com/Sumatoshi-tech/stanlens/pkg/version"
)

func newLSPCommand(root *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "lsp",
		Short: "Start the language server (stdio)",
		Long: `Start a Language Server Protocol server on stdio.

The workspace root comes from the client's initialize request. Saved or
changed source files trigger a debounced analysis; the command
stanlens.analyze runs one on demand. Findings are published as diagnostics.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			env, err := newEnvironment(root, observability.ModeLSP)
			if err != nil {
				return err
			}
			defer env.close()

			s := env.newSession("")
			defer s.Close()

			srv := lsp.NewServer(cmd.Context(), s, lsp.Options{
				Logger:     env.logger,
				Metrics:    env.runMetrics,
				Version:    version.Version,
				Language:   env.cfg.Trigger.Language,
				Debounce:   env.cfg.Trigger.Debounce,
				InitialRun: env.cfg.Trigger.InitialRun,
			})

			return srv.Run()
		},
	}
}

func newMCPCommand(root *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "mcp [path]",
		Short: "Start MCP server for AI agent integration",
		Long: `Start a Model Context Protocol (MCP) server on stdio transport.

Tools:
  - stanlens_analyze: run the analyzer and return every finding
  - stanlens_diagnostics: findings of the latest run, optionally for one file
  - stanlens_status: idle/running/failed, last message and issue count`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			projectPath, err := projectRoot(args)
			if err != nil {
				return err
			}

			env, err := newEnvironment(root, observability.ModeMCP)
			if err != nil {
				return err
			}
			defer env.close()

			red, err := observability.NewREDMetrics(env.providers.Meter)
			if err != nil {
				return err
			}

			s := env.newSession(projectPath)
			defer s.Close()

			srv := mcp.NewServer(mcp.ServerDeps{
				Session: s,
				Logger:  env.logger,
				Metrics: red,
				Tracer:  env.providers.Tracer,
				Version: version.Version,
			})

			return srv.Run(cmd.Context())
		},
	}
}
