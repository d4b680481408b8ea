package cmd

import (
	"flag"
	"fmt"
	"os"
	"strings"

	"github.com/golang/glog"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/OpenTraceLab/OpenTraceMPU/pkg/dap"
	"github.com/OpenTraceLab/OpenTraceMPU/pkg/memmap"
	"github.com/OpenTraceLab/OpenTraceMPU/pkg/telemetry"
)

var (
	// Global flags
	cfgFile  string
	ldScript string
)

var rootCmd = &cobra.Command{
	Use:   "mpuctl",
	Short: "Cortex-M MPU execute-never control",
	Long: `Program the ARMv7-M MPU, real or simulated, so that RAM is never
executable and flash is never writable, except inside explicit locks.

Settings come from flags, MPUCTL_* environment variables and the config file
($HOME/.mpuctl.yaml or ./.mpuctl.yaml), in that order of precedence.

Examples:
  mpuctl regions --ld firmware.ld          # Show the region plan for a linker script
  mpuctl run testdata/*.scn                # Run lock scenarios on a simulated core
  mpuctl shell --policy continue           # Interactive simulated board
  mpuctl probe apply --ld firmware.ld      # Program a real target over CMSIS-DAP`,
	Version: "0.3.0",
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		// glog reads its flags from the standard flag set.
		flag.CommandLine.Parse(nil)
	},
}

// Execute runs the root command
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is $HOME/.mpuctl.yaml)")
	rootCmd.PersistentFlags().StringVar(&ldScript, "ld", "", "GNU ld script with a MEMORY command (default: 512K flash, 128K SRAM)")
	rootCmd.PersistentFlags().AddGoFlagSet(flag.CommandLine)

	bindFlagOrPanic(rootCmd.PersistentFlags().Lookup("ld"), "layout.ld")
}

func bindFlagOrPanic(f *pflag.Flag, configKey string) {
	if err := viper.BindPFlag(configKey, f); err != nil {
		panic(fmt.Sprintf("failed to bind %s flag: %v", f.Name, err))
	}
}

func initConfig() {
	setDefaults()

	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		if home, err := os.UserHomeDir(); err == nil {
			viper.AddConfigPath(home)
		}
		viper.AddConfigPath(".")
		viper.SetConfigType("yaml")
		viper.SetConfigName(".mpuctl")
	}

	viper.SetEnvPrefix("MPUCTL")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			fmt.Fprintf(os.Stderr, "Error reading config file: %v\n", err)
		}
		return
	}
	glog.V(1).Infof("mpuctl: using config file %s", viper.ConfigFileUsed())
}

func setDefaults() {
	viper.SetDefault("layout.ld", "")
	viper.SetDefault("telemetry.mqtt", "")
	viper.SetDefault("telemetry.queue", telemetry.DefaultQueueDepth)
	viper.SetDefault("shell.policy", "halt")
	viper.SetDefault("shell.regions", 8)
	viper.SetDefault("probe.vid", dap.VendorIDRaspberryPi)
	viper.SetDefault("probe.pid", dap.ProductIDCMSISDAP)
	viper.SetDefault("probe.clock", defaultClock)
}

// loadLayout returns the memory layout selected by --ld or layout.ld.
func loadLayout() (memmap.Map, error) {
	path := viper.GetString("layout.ld")
	if path == "" {
		return memmap.Default(), nil
	}
	m, err := memmap.Load(path)
	if err != nil {
		return memmap.Map{}, fmt.Errorf("failed to load %s: %w", path, err)
	}
	return m, nil
}

func regionKind(r memmap.Region) string {
	if r.Writable() {
		return "RAM"
	}
	return "ROM"
}
