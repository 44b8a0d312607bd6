package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/MrEthical07/authpipe"
	"github.com/MrEthical07/authpipe/tenant"
)

func loginCmd(g *globalFlags) *cobra.Command {
	var (
		email    string
		password string
		code     string
		backup   bool
		origin   string
		fetch    string
	)

	cmd := &cobra.Command{
		Use:   "login",
		Short: "Sign in and store the session",
		Long: `Sign in with email and password. When the account has two-factor
enabled the command asks for a code unless --code is given.

With --redis the session is kept for later "status" and "logout" calls.
--fetch sends one GET through the gateway after signing in.

Examples:
  authpipe login --email agent@example.com --password correct-horse-battery
  authpipe login --email agent@example.com --password ... --code 123456
  authpipe login ... --backup --code ABCDE-FGHJK
  authpipe login ... --origin https://globetrek.example.com --fetch /api/catalog`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			if origin != "" {
				ctx = tenant.WithOrigin(ctx, origin)
			}

			p, release, err := g.open(ctx)
			if err != nil {
				return err
			}
			defer release()

			out, err := p.Login(ctx, email, password)
			if err != nil {
				return err
			}
			if out.StepUpRequired {
				if code == "" {
					if code, err = prompt(cmd.InOrStdin(), cmd.OutOrStdout(), "Two-factor code: "); err != nil {
						return err
					}
				}
				if _, err := p.CompleteStepUp(ctx, code, backup); err != nil {
					return err
				}
			}

			if err := printSession(ctx, cmd.OutOrStdout(), p); err != nil {
				return err
			}
			if fetch != "" {
				return fetchPath(ctx, cmd.OutOrStdout(), p, fetch)
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&email, "email", "", "Account email")
	cmd.Flags().StringVar(&password, "password", "", "Account password")
	cmd.Flags().StringVar(&code, "code", "", "TOTP or backup code for step-up")
	cmd.Flags().BoolVar(&backup, "backup", false, "Treat --code as a backup code")
	cmd.Flags().StringVar(&origin, "origin", "", "Calling origin used to resolve the tenant")
	cmd.Flags().StringVar(&fetch, "fetch", "", "Path to GET through the gateway after login")
	_ = cmd.MarkFlagRequired("email")
	_ = cmd.MarkFlagRequired("password")

	return cmd
}

func prompt(in io.Reader, out io.Writer, label string) (string, error) {
	fmt.Fprint(out, label)
	line, err := bufio.NewReader(in).ReadString('\n')
	if err != nil && line == "" {
		return "", err
	}
	return strings.TrimSpace(line), nil
}

func printSession(ctx context.Context, w io.Writer, p *authpipe.Pipeline) error {
	s, err := p.Session(ctx)
	if err != nil {
		return err
	}
	if !s.Authenticated() {
		fmt.Fprintln(w, "signed out")
		return nil
	}
	fmt.Fprintf(w, "signed in as %s (%s)\n", s.User.Email, s.User.ID)
	if s.User.Role != "" {
		fmt.Fprintf(w, "  role:        %s\n", s.User.Role)
	}
	if len(s.User.Permissions) > 0 {
		fmt.Fprintf(w, "  permissions: %s\n", strings.Join(s.User.Permissions, ", "))
	}
	if s.TenantID != "" {
		fmt.Fprintf(w, "  tenant:      %s\n", s.TenantID)
	}
	if !s.ExpiresAt.IsZero() {
		fmt.Fprintf(w, "  expires:     %s (in %s)\n", s.ExpiresAt.Format(time.RFC3339), time.Until(s.ExpiresAt).Round(time.Second))
	}
	return nil
}

func fetchPath(ctx context.Context, w io.Writer, p *authpipe.Pipeline, path string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.API().URL(path), nil)
	if err != nil {
		return err
	}
	resp, err := p.Send(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	fmt.Fprintf(w, "GET %s -> %s\n", path, resp.Status)
	if _, err := io.Copy(w, io.LimitReader(resp.Body, 64<<10)); err != nil {
		return err
	}
	fmt.Fprintln(w)
	return nil
}
