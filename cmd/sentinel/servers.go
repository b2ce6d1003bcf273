package main

import (
	"fmt"
	"os"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/rcourtman/pulse-sentinel/internal/servers"
)

var readPassword = term.ReadPassword

// withStores loads the configuration, opens the database and runs fn.
func withStores(fn func(a *app) error) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	a, err := openStores(cfg)
	if err != nil {
		return err
	}
	defer a.Close()
	return fn(a)
}

func newServersCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "servers",
		Short: "Manage the SSH server inventory",
	}
	cmd.AddCommand(newServersListCmd())
	cmd.AddCommand(newServersAddCmd())
	cmd.AddCommand(newServersRemoveCmd())
	cmd.AddCommand(newServersImportCmd())
	return cmd
}

func newServersListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list [pattern]",
		Short: "List registered servers, optionally filtered by a wildcard pattern",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStores(func(a *app) error {
				list, err := a.servers.List(cmd.Context())
				if err != nil {
					return err
				}
				if len(args) == 1 {
					list = servers.Filter(list, args[0])
				}
				out := cmd.OutOrStdout()
				if len(list) == 0 {
					fmt.Fprintln(out, "No servers registered.")
					return nil
				}
				w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
				fmt.Fprintln(w, "ALIAS\tADDRESS\tUSER\tAUTH")
				for _, s := range list {
					fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", s.Alias, s.Addr(), s.User, authKind(s))
				}
				return w.Flush()
			})
		},
	}
}

func authKind(s servers.Server) string {
	switch {
	case s.KeyPath != "":
		return "key"
	case s.Password != "":
		return "password"
	}
	return "agent/default key"
}

func newServersAddCmd() *cobra.Command {
	var (
		port        int
		keyPath     string
		askPassword bool
	)
	cmd := &cobra.Command{
		Use:   "add <alias> <host> <user>",
		Short: "Register a server",
		Args:  cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			s := servers.Server{
				Alias:   args[0],
				Host:    args[1],
				User:    args[2],
				Port:    port,
				KeyPath: keyPath,
			}
			if askPassword {
				fmt.Fprint(cmd.OutOrStdout(), "SSH password: ")
				pw, err := readPassword(int(os.Stdin.Fd()))
				fmt.Fprintln(cmd.OutOrStdout())
				if err != nil {
					return fmt.Errorf("failed to read password: %w", err)
				}
				s.Password = string(pw)
			}
			if err := s.Validate(); err != nil {
				return err
			}
			return withStores(func(a *app) error {
				if err := a.servers.Add(cmd.Context(), s); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Added %s\n", s)
				return nil
			})
		},
	}
	cmd.Flags().IntVar(&port, "port", servers.DefaultPort, "SSH port")
	cmd.Flags().StringVar(&keyPath, "key", "", "private key file (defaults to the agent or SENTINEL_SSH_KEY)")
	cmd.Flags().BoolVar(&askPassword, "password", false, "prompt for an SSH password")
	return cmd
}

func newServersRemoveCmd() *cobra.Command {
	return &cobra.Command{
		Use:     "remove <alias>",
		Aliases: []string{"rm"},
		Short:   "Remove a server",
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStores(func(a *app) error {
				if err := a.servers.Remove(cmd.Context(), args[0]); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Removed %s\n", args[0])
				return nil
			})
		},
	}
}

func newServersImportCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "import <inventory.yaml>",
		Short: "Add every server of a YAML inventory, skipping existing aliases",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			list, err := servers.LoadInventory(args[0])
			if err != nil {
				return err
			}
			return withStores(func(a *app) error {
				res, err := servers.Import(cmd.Context(), a.servers, list)
				out := cmd.OutOrStdout()
				if len(res.Added) > 0 {
					fmt.Fprintf(out, "Added: %s\n", strings.Join(res.Added, ", "))
				}
				if len(res.Skipped) > 0 {
					fmt.Fprintf(out, "Skipped (already registered): %s\n", strings.Join(res.Skipped, ", "))
				}
				return err
			})
		},
	}
}
