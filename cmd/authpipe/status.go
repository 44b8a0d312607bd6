package main

import (
	"fmt"

	"github.com/spf13/cobra"

	promexport "github.com/MrEthical07/authpipe/metrics/export/prometheus"
)

func statusCmd(g *globalFlags) *cobra.Command {
	var (
		refresh bool
		metrics bool
		otel    bool
	)

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show the stored session and two-factor status",
		Long: `Show the session held in the credential store. Requires --redis,
since an in-memory store does not outlive the process.

Examples:
  authpipe status --redis 127.0.0.1:6379
  authpipe status --redis 127.0.0.1:6379 --refresh --metrics
  authpipe status --redis 127.0.0.1:6379 --otel`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			p, release, err := g.open(ctx)
			if err != nil {
				return err
			}
			defer release()

			ok, err := p.Resume(ctx)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if !ok {
				fmt.Fprintln(out, "signed out")
				return nil
			}
			if refresh {
				if err := p.Refresh(ctx); err != nil {
					return err
				}
			}
			if err := printSession(ctx, out, p); err != nil {
				return err
			}

			state, err := p.StepUp().Sync(ctx)
			if err != nil {
				return err
			}
			fmt.Fprintf(out, "  two-factor:  %s\n", state)

			if metrics {
				fmt.Fprint(out, promexport.NewExporter(p).Render())
			}
			if otel {
				return printOTel(ctx, out, p)
			}
			return nil
		},
	}

	cmd.Flags().BoolVar(&refresh, "refresh", false, "Refresh the access token first")
	cmd.Flags().BoolVar(&metrics, "metrics", false, "Print pipeline counters in Prometheus format")
	cmd.Flags().BoolVar(&otel, "otel", false, "Print pipeline counters as collected by an OpenTelemetry reader")
	return cmd
}

func logoutCmd(g *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "logout",
		Short: "Clear the stored session",
		RunE: func(cmd *cobra.Command, args []string) error {
			p, release, err := g.open(cmd.Context())
			if err != nil {
				return err
			}
			defer release()
			if err := p.Logout(cmd.Context()); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "signed out")
			return nil
		},
	}
}
