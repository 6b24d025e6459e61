package cmd

import (
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"

	"github.com/oshokin/layer-builder/internal/config"
)

// profilesCmd lists the available build profiles.
var profilesCmd = &cobra.Command{
	Use:   "profiles",
	Short: "List build profiles",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		cfg, err := config.Load(configPath)
		if err != nil {
			return err
		}

		return renderProfiles(cmd.OutOrStdout(), cfg)
	},
}

// renderProfiles writes cfg's profiles as a table, sorted by name.
func renderProfiles(w io.Writer, cfg *config.Config) error {
	data := [][]string{{"NAME", "MANIFEST", "OUTPUT", "TARGET", "PRUNE"}}

	for _, name := range cfg.ProfileNames() {
		profile := cfg.Profiles[name]

		pruneRules := "-"
		if rules := profile.EffectivePruneRules(); len(rules) > 0 {
			names := make([]string, 0, len(rules))
			for _, rule := range rules {
				names = append(names, rule.String())
			}

			pruneRules = strconv.Itoa(len(rules)) + " rules (" + strings.Join(names, ", ") + ")"
		}

		data = append(data, []string{
			name,
			profile.Manifest,
			profile.Output,
			profile.Target().String(),
			pruneRules,
		})
	}

	output, err := pterm.DefaultTable.WithHasHeader().WithData(data).WithSeparator("  ").Srender()
	if err != nil {
		return fmt.Errorf("rendering table: %w", err)
	}

	if _, err = fmt.Fprintln(w, output); err != nil {
		return fmt.Errorf("printing table: %w", err)
	}

	return nil
}

//nolint:gochecknoinits // Tables are written to pipes and files as often as to terminals.
func init() {
	pterm.DisableColor()
}
