package cmd

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

var configForce bool

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Show or create the mpuctl configuration",
}

var configViewCmd = &cobra.Command{
	Use:   "view",
	Short: "Print the effective configuration as YAML",
	Long:  `Print the configuration merged from the config file, MPUCTL_* environment variables, flags and defaults.`,
	Args:  cobra.NoArgs,
	RunE:  runConfigView,
}

var configInitCmd = &cobra.Command{
	Use:   "init",
	Short: "Write a config file with the default values",
	Args:  cobra.NoArgs,
	RunE:  runConfigInit,
}

func init() {
	rootCmd.AddCommand(configCmd)
	configCmd.AddCommand(configViewCmd, configInitCmd)
	configInitCmd.Flags().BoolVar(&configForce, "force", false, "overwrite an existing config file")
}

func runConfigView(cmd *cobra.Command, args []string) error {
	if used := viper.ConfigFileUsed(); used != "" {
		fmt.Printf("# %s\n", used)
	}
	data, err := yaml.Marshal(viper.AllSettings())
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}
	fmt.Print(string(data))
	return nil
}

func runConfigInit(cmd *cobra.Command, args []string) error {
	path := cfgFile
	if path == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return err
		}
		path = filepath.Join(home, ".mpuctl.yaml")
	}
	if _, err := os.Stat(path); err == nil && !configForce {
		return fmt.Errorf("configuration file already exists: %s (use --force to overwrite)", path)
	}

	data, err := yaml.Marshal(defaultConfig())
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	fmt.Printf("Configuration file created: %s\n", path)
	return nil
}

// defaultConfig is the config file written by config init.
func defaultConfig() map[string]any {
	return map[string]any{
		"layout": map[string]any{
			"ld": "",
		},
		"telemetry": map[string]any{
			"mqtt":  "",
			"queue": viper.GetInt("telemetry.queue"),
		},
		"shell": map[string]any{
			"policy":  "halt",
			"regions": 8,
		},
		"probe": map[string]any{
			"vid":   viper.GetUint("probe.vid"),
			"pid":   viper.GetUint("probe.pid"),
			"clock": defaultClock,
		},
	}
}
