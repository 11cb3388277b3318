package main

import (
	"fmt"
	"io"
	"path/filepath"
	"sort"
	"strings"

	"github.com/spf13/cobra"

	"github.com/ShayCichocki/colony/internal/config"
)

var configInitForce bool

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Show or initialize configuration",
	Long: `View or create colony configuration.

Configuration is stored at ~/.config/colony/config.yaml.
Project-specific overrides can be placed in .colony.yaml, and any key
can be overridden with COLONY_<SECTION>_<KEY> environment variables.`,
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Print the effective configuration",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, root, err := loadConfig()
		if err != nil {
			return err
		}
		out := cmd.OutOrStdout()
		fmt.Fprintf(out, "# project root: %s\n", root)
		if path := config.GetProjectConfigPath(root); path != "" {
			fmt.Fprintf(out, "# project config: %s\n", path)
		}
		fmt.Fprintf(out, "# user config: %s\n", config.GetUserConfigPath())
		displayAllConfig(out, cfg)
		return nil
	},
}

var configInitCmd = &cobra.Command{
	Use:   "init",
	Short: "Write a project .colony.yaml with default values",
	RunE: func(cmd *cobra.Command, args []string) error {
		dir := rootDir
		if dir == "" {
			dir = "."
		}
		path := filepath.Join(dir, config.ProjectConfigName)
		if err := config.Write(config.Default(), path, configInitForce); err != nil {
			return fmt.Errorf("write %s: %w", path, err)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Created %s\n", path)
		return nil
	},
}

func init() {
	configInitCmd.Flags().BoolVarP(&configInitForce, "force", "f", false, "Overwrite an existing file")
	configCmd.AddCommand(configShowCmd)
	configCmd.AddCommand(configInitCmd)
}

// displayAllConfig prints every key in sorted order. Secret-looking agent
// environment values are masked.
func displayAllConfig(w io.Writer, cfg *config.Config) {
	settings := config.Settings(cfg)
	keys := make([]string, 0, len(settings))
	for k := range settings {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	for _, k := range keys {
		switch v := settings[k].(type) {
		case map[string]string:
			env := config.DisplayEnv(v)
			if len(env) == 0 {
				fmt.Fprintf(w, "%s: {}\n", k)
				continue
			}
			fmt.Fprintf(w, "%s:\n", k)
			for _, kv := range env {
				fmt.Fprintf(w, "  %s\n", kv)
			}
		case []string:
			fmt.Fprintf(w, "%s: [%s]\n", k, strings.Join(v, ", "))
		default:
			fmt.Fprintf(w, "%s: %v\n", k, v)
		}
	}
}
