// File: cmd/profile.go
// Description: The `profile` command group: manage the local store the agent
// draws credentials and preferences from.
package cmd

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/arvyn-ai/arvyn/internal/profile"
)

func newProfileCmd() *cobra.Command {
	profileCmd := &cobra.Command{
		Use:   "profile",
		Short: "Manages the local profile and credential store",
	}

	var provider string
	var secret bool

	setCmd := &cobra.Command{
		Use:   "set <key> <value>",
		Short: "Stores a profile field (personal info, or provider-scoped with --provider)",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := profile.NewStore(loadedCfg.Profile.DBPath)
			if err != nil {
				return err
			}
			defer store.Close()

			key, value := args[0], args[1]
			if secret {
				if provider == "" {
					return fmt.Errorf("--secret requires --provider: credentials are always provider-scoped")
				}
				if err := store.SetSecret(cmd.Context(), provider, key, value); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Stored secret %q for %s.\n", key, provider)
				return nil
			}
			if err := store.UpdateField(cmd.Context(), provider, key, value); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Stored %q.\n", key)
			return nil
		},
	}
	setCmd.Flags().StringVar(&provider, "provider", "", "provider the field belongs to (empty = personal info)")
	setCmd.Flags().BoolVar(&secret, "secret", false, "mark the field as credential material")

	gapCmd := &cobra.Command{
		Use:   "gaps <provider> <field>...",
		Short: "Shows which of the required fields are missing from the store",
		Args:  cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := profile.NewStore(loadedCfg.Profile.DBPath)
			if err != nil {
				return err
			}
			defer store.Close()

			missing, err := store.MissingFields(cmd.Context(), args[0], args[1:])
			if err != nil {
				return err
			}
			if len(missing) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "No gaps: every required field is stored.")
				return nil
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Missing for %s: %s\n", args[0], strings.Join(missing, ", "))
			return nil
		},
	}

	profileCmd.AddCommand(setCmd, gapCmd)
	return profileCmd
}

func init() {
	rootCmd.AddCommand(newProfileCmd())
}
