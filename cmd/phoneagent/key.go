package main

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/szaher/phoneagent/internal/secrets"
)

func newKeyCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "key",
		Short: "Manage the API key handed to agents",
	}
	cmd.AddCommand(newKeySetCmd())
	cmd.AddCommand(newKeyShowCmd())
	cmd.AddCommand(newKeyClearCmd())
	return cmd
}

func credentialFile() (*secrets.FileStore, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	path, err := cfg.CredentialsPath()
	if err != nil {
		return nil, err
	}
	return secrets.NewFileStore(path), nil
}

func newKeySetCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "set [key]",
		Short: "Store the API key, prompting when it is not given",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := credentialFile()
			if err != nil {
				return err
			}
			var key string
			if len(args) == 1 {
				key = args[0]
			} else {
				key, err = readKey(cmd.InOrStdin(), cmd.ErrOrStderr())
				if err != nil {
					return err
				}
			}
			key = strings.TrimSpace(key)
			if key == "" {
				return errors.New("key must not be empty; use 'phoneagent key clear' to remove it")
			}
			if err := store.Set(cmd.Context(), key); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Stored API key %s in %s\n", secrets.Mask(key), store.Path)
			return nil
		},
	}
}

// readKey reads one line, without echo when stdin is a terminal.
func readKey(in io.Reader, prompt io.Writer) (string, error) {
	if f, ok := in.(*os.File); ok && term.IsTerminal(int(f.Fd())) {
		fmt.Fprint(prompt, "API key: ")
		data, err := term.ReadPassword(int(f.Fd()))
		fmt.Fprintln(prompt)
		if err != nil {
			return "", fmt.Errorf("read key: %w", err)
		}
		return string(data), nil
	}
	line, err := bufio.NewReader(in).ReadString('\n')
	if err != nil && !errors.Is(err, io.EOF) {
		return "", fmt.Errorf("read key: %w", err)
	}
	return line, nil
}

func newKeyShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show",
		Short: "Show the masked API key and where it comes from",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			path, err := cfg.CredentialsPath()
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			env := secrets.NewEnvStore(cfg.Credentials.EnvVar)
			if key, err := env.Get(cmd.Context()); err == nil {
				fmt.Fprintf(out, "%s (from $%s)\n", secrets.Mask(key), env.Var)
				return nil
			}
			key, err := secrets.NewFileStore(path).Get(cmd.Context())
			switch {
			case errors.Is(err, secrets.ErrNoKey):
				fmt.Fprintln(out, "No API key configured; agents start with an empty key.")
				return nil
			case err != nil:
				return err
			}
			fmt.Fprintf(out, "%s (from %s)\n", secrets.Mask(key), path)
			return nil
		},
	}
}

func newKeyClearCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "clear",
		Short: "Remove the stored API key",
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := credentialFile()
			if err != nil {
				return err
			}
			if err := store.Set(cmd.Context(), ""); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Cleared API key in %s\n", store.Path)
			return nil
		},
	}
}
