package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"

	"github.com/iliyamo/training-portal/internal/authz"
	"github.com/iliyamo/training-portal/internal/backend"
	"github.com/iliyamo/training-portal/internal/config"
	"github.com/iliyamo/training-portal/internal/session"
)

// localProfile is the Token Store slot used by the terminal client.
const localProfile = "local"

// localSession opens the terminal client's manager.  The caller must call
// the returned close function.
func localSession(ctx context.Context, cfg config.Config) (*session.Manager, func(), error) {
	logger := newLogger("portal", cfg.LogLevel)
	if cfg.Token.Backend == "redis" {
		return nil, nil, errors.New("the terminal client does not support TOKEN_BACKEND=redis")
	}
	tb, closeTokens, err := tokenBackend(ctx, cfg, nil)
	if err != nil {
		return nil, nil, err
	}
	factory, err := managerFactory(cfg, tb, logger)
	if err != nil {
		closeTokens()
		return nil, nil, err
	}
	m, err := factory(ctx, localProfile)
	if err != nil {
		closeTokens()
		return nil, nil, err
	}
	return m, closeTokens, nil
}

// readLine returns the next trimmed line of r.
func readLine(r *bufio.Reader, prompt string, w io.Writer) (string, error) {
	fmt.Fprint(w, prompt)
	line, err := r.ReadString('\n')
	if err != nil && !(errors.Is(err, io.EOF) && line != "") {
		return "", err
	}
	return strings.TrimRight(line, "\r\n"), nil
}

type field struct {
	label string
	value *string
}

// prompt fills every empty value from stdin, in order.
func prompt(cmd *cobra.Command, fields ...field) error {
	in := bufio.NewReader(cmd.InOrStdin())
	for _, f := range fields {
		if *f.value != "" {
			continue
		}
		v, err := readLine(in, f.label+": ", cmd.ErrOrStderr())
		if err != nil {
			return fmt.Errorf("read %s: %w", strings.ToLower(f.label), err)
		}
		*f.value = v
	}
	return nil
}

func loginCmd(cfg *config.Config) *cobra.Command {
	var email, password string
	cmd := &cobra.Command{
		Use:   "login",
		Short: "Sign in and remember the credential",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if err := prompt(cmd, field{"Email", &email}, field{"Password", &password}); err != nil {
				return err
			}
			m, done, err := localSession(cmd.Context(), *cfg)
			if err != nil {
				return err
			}
			defer done()

			if err := m.Login(cmd.Context(), email, password); err != nil {
				if errors.Is(err, session.ErrInvalidCredentials) || errors.Is(err, session.ErrMissingField) {
					return errors.New("invalid credentials")
				}
				return err
			}
			return printUser(cmd.OutOrStdout(), m.Snapshot())
		},
	}
	cmd.Flags().StringVarP(&email, "email", "e", "", "account email")
	cmd.Flags().StringVarP(&password, "password", "p", "", "account password (prompted when empty)")
	return cmd
}

func registerCmd(cfg *config.Config) *cobra.Command {
	var in session.RegisterInput
	cmd := &cobra.Command{
		Use:   "register",
		Short: "Create an account and sign in",
		RunE: func(cmd *cobra.Command, _ []string) error {
			err := prompt(cmd,
				field{"Name", &in.Name},
				field{"Email", &in.Email},
				field{"Password", &in.Password},
				field{"Confirm password", &in.PasswordConfirmation},
			)
			if err != nil {
				return err
			}
			m, done, err := localSession(cmd.Context(), *cfg)
			if err != nil {
				return err
			}
			defer done()

			if err := m.Register(cmd.Context(), in); err != nil {
				var apiErr *backend.APIError
				switch {
				case errors.Is(err, session.ErrPasswordMismatch):
					return errors.New("passwords do not match")
				case errors.As(err, &apiErr) && len(apiErr.Errors) > 0:
					for f, msgs := range apiErr.Errors {
						fmt.Fprintf(cmd.ErrOrStderr(), "  %s: %s\n", f, strings.Join(msgs, "; "))
					}
					return errors.New("registration failed")
				}
				return err
			}
			return printUser(cmd.OutOrStdout(), m.Snapshot())
		},
	}
	cmd.Flags().StringVar(&in.Name, "name", "", "display name")
	cmd.Flags().StringVarP(&in.Email, "email", "e", "", "account email")
	cmd.Flags().StringVarP(&in.Password, "password", "p", "", "password (prompted when empty)")
	cmd.Flags().StringVar(&in.PasswordConfirmation, "password-confirmation", "", "password again (prompted when empty)")
	cmd.Flags().StringVar(&in.Role, "role", "student", "student or admin")
	return cmd
}

func whoamiCmd(cfg *config.Config) *cobra.Command {
	return &cobra.Command{
		Use:   "whoami",
		Short: "Resolve and print the signed-in user",
		RunE: func(cmd *cobra.Command, _ []string) error {
			m, done, err := localSession(cmd.Context(), *cfg)
			if err != nil {
				return err
			}
			defer done()

			if err := m.Restore(cmd.Context()); err != nil {
				if backend.IsUnauthorized(err) {
					return errors.New("session expired; run portal login")
				}
				return err
			}
			return printUser(cmd.OutOrStdout(), m.Snapshot())
		},
	}
}

func logoutCmd(cfg *config.Config) *cobra.Command {
	return &cobra.Command{
		Use:   "logout",
		Short: "Sign out and forget the credential",
		RunE: func(cmd *cobra.Command, _ []string) error {
			m, done, err := localSession(cmd.Context(), *cfg)
			if err != nil {
				return err
			}
			defer done()

			if err := m.Logout(cmd.Context()); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "signed out")
			return nil
		},
	}
}

func printUser(w io.Writer, s session.Snapshot) error {
	if !s.IsAuthenticated() {
		_, err := fmt.Fprintln(w, "not signed in")
		return err
	}
	caps := authz.CapabilitiesFor(s.User)
	fmt.Fprintf(w, "%s <%s> (%s)\n", s.User.Name, s.User.Email, s.User.Role)
	for _, it := range caps.NavItems() {
		fmt.Fprintf(w, "  %-20s %s\n", it.Label, it.Path)
	}
	return nil
}
