package cli

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/tOgg1/chatsync/internal/cache"
	"github.com/tOgg1/chatsync/internal/logging"
	"github.com/tOgg1/chatsync/internal/models"
)

var profileName string

func init() {
	rootCmd.AddCommand(profileCmd)
	profileCmd.AddCommand(profileShowCmd, profileUseCmd, profileClearCmd)
	profileUseCmd.Flags().StringVar(&profileName, "name", "", "display name for the identity")
}

var profileCmd = &cobra.Command{
	Use:   "profile",
	Short: "Manage the active identity",
	Long:  "Show or change which identity chatsync acts as.",
}

// profileView is the JSON form of the resolved profile.
type profileView struct {
	Identity    *models.Identity `json:"identity,omitempty"`
	DisplayName string           `json:"displayName,omitempty"`
	Source      string           `json:"source"`
	Path        string           `json:"path"`
}

var profileShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show the active identity",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		store := profileStore()
		profile, err := store.Load()
		if err != nil {
			return err
		}

		view := profileView{Path: store.Path(), Source: "none"}
		switch {
		case identityFlag != "":
			identity, err := parseIdentity(identityFlag)
			if err != nil {
				return err
			}
			view.Identity, view.Source = &identity, "flag"
		case !profile.IsEmpty():
			identity, err := profile.Identity()
			if err != nil {
				return err
			}
			view.Identity, view.Source, view.DisplayName = &identity, "profile", profile.DisplayName
		default:
			identity, err := GetConfig().ActiveIdentity()
			if err != nil {
				return err
			}
			if !identity.IsZero() {
				view.Identity, view.Source = &identity, "config"
			}
		}

		out := cmd.OutOrStdout()
		if IsJSONOutput() || IsJSONLOutput() {
			return WriteOutput(out, view)
		}
		if view.Identity == nil {
			fmt.Fprintln(out, "No active identity.")
			PrintNextSteps(out, HintContext{Action: "profile_use"})
			return nil
		}
		rows := [][]string{
			{"Identity", view.Identity.String()},
			{"Name", orDash(view.DisplayName)},
			{"Source", view.Source},
			{"Profile", view.Path},
		}
		return writeTable(out, nil, rows)
	},
}

var profileUseCmd = &cobra.Command{
	Use:   "use <kind:id>",
	Short: "Select the identity to act as",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		identity, err := parseIdentity(args[0])
		if err != nil {
			return err
		}
		store := profileStore()
		profile, err := store.Load()
		if err != nil {
			return err
		}
		profile.SetIdentity(identity, profileName)
		if err := store.Save(profile); err != nil {
			return err
		}

		out := cmd.OutOrStdout()
		if IsJSONOutput() || IsJSONLOutput() {
			return WriteOutput(out, profileView{Identity: &identity, DisplayName: profileName, Source: "profile", Path: store.Path()})
		}
		fmt.Fprintf(out, "Now acting as %s\n", profile)
		PrintNextSteps(out, HintContext{Action: "profile_use", Identity: identity.String()})
		return nil
	},
}

var profileClearCmd = &cobra.Command{
	Use:   "clear",
	Short: "Forget the saved identity",
	Long:  "Forget the saved identity and drop its cached conversations.",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		store := profileStore()
		profile, err := store.Load()
		if err != nil {
			return err
		}
		if !profile.IsEmpty() {
			identity, err := profile.Identity()
			if err != nil {
				return err
			}
			if err := purgeCache(cmd.Context(), identity); err != nil {
				return err
			}
		}
		if err := store.Clear(); err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), "Profile cleared.")
		return nil
	},
}

// purgeCache drops cached state of identity when the cache is enabled.
func purgeCache(ctx context.Context, identity models.Identity) error {
	cfg := GetConfig()
	if cfg == nil || !cfg.Cache.Enabled {
		return nil
	}
	if err := cfg.EnsureDirectories(); err != nil {
		return err
	}
	store, err := cache.Open(cfg.CachePath())
	if err != nil {
		return fmt.Errorf("open cache: %w", err)
	}
	defer store.Close()
	if err := store.Purge(ctx, identity.ID); err != nil {
		return err
	}
	logging.Debug().Str("identity_id", identity.ID).Msg("cache purged")
	return nil
}

func orDash(value string) string {
	if value == "" {
		return "-"
	}
	return value
}
