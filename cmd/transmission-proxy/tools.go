package main

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/alexjbarnes/transmission-proxy/internal/auth"
	"github.com/alexjbarnes/transmission-proxy/internal/config"
	"github.com/spf13/cobra"
	"golang.org/x/crypto/bcrypt"
)

func newHashPasswordCmd() *cobra.Command {
	var cost int

	cmd := &cobra.Command{
		Use:   "hash-password",
		Short: "Read a password from stdin and print its bcrypt hash",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			fmt.Fprint(cmd.ErrOrStderr(), "Enter password: ")
			scanner := bufio.NewScanner(cmd.InOrStdin())
			if !scanner.Scan() {
				return errors.New("no input")
			}
			password := scanner.Text()
			if password == "" {
				return errors.New("empty password")
			}

			hash, err := bcrypt.GenerateFromPassword([]byte(password), cost)
			if err != nil {
				return fmt.Errorf("hashing password: %w", err)
			}
			fmt.Fprintln(cmd.OutOrStdout(), string(hash))
			return nil
		},
	}
	cmd.Flags().IntVar(&cost, "cost", bcrypt.DefaultCost, "bcrypt cost")

	return cmd
}

func newCheckConfigCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "check-config [path]",
		Short: "Validate a policy file without starting the server",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path := os.Getenv("CONFIG_PATH")
			if len(args) == 1 {
				path = args[0]
			}
			if path == "" {
				path = "transmission-proxy.yaml"
			}

			policy, err := config.LoadPolicy(path)
			if err != nil {
				return err
			}

			logins := auth.NewLoginStore()
			defer logins.Stop()

			snap, err := policy.Build(config.BuildOptions{
				PublicURL: "http://localhost",
				Logins:    logins,
				Logger:    slog.New(slog.NewTextHandler(io.Discard, nil)),
			})
			if err != nil {
				return err
			}

			fmt.Fprintf(cmd.OutOrStdout(), "%s: ok (%d rules, %d visible providers)\n",
				path, snap.Engine.Len(), len(snap.Providers.Visible()))
			return nil
		},
	}
}
