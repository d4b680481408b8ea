package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/OpenTraceLab/OpenTraceMPU/pkg/armv7m"
)

var (
	unitRegions int
	showRaw     bool
)

var regionsCmd = &cobra.Command{
	Use:   "regions",
	Short: "Show the memory layout and its MPU region plan",
	Long: `Classify the memory regions of the layout as RAM or ROM and print the
MPU regions that make RAM execute-never and ROM write-never.

Examples:
  mpuctl regions
  mpuctl regions --ld firmware.ld --raw
  mpuctl regions --ld firmware.ld --unit-regions 16`,
	Args: cobra.NoArgs,
	RunE: runRegions,
}

func init() {
	rootCmd.AddCommand(regionsCmd)
	regionsCmd.Flags().IntVar(&unitRegions, "unit-regions", 8, "number of regions the target MPU implements")
	regionsCmd.Flags().BoolVar(&showRaw, "raw", false, "also print MPU_RBAR/MPU_RASR values")
}

func runRegions(cmd *cobra.Command, args []string) error {
	layout, err := loadLayout()
	if err != nil {
		return err
	}

	fmt.Println("Memory regions:")
	for _, r := range layout.Regions {
		fmt.Printf("  %-3s  %s\n", regionKind(r), r)
	}

	plan, err := armv7m.Plan(layout)
	if err != nil {
		return err
	}
	fmt.Printf("\nMPU regions (%d of %d):\n", len(plan), unitRegions)
	for _, rc := range plan {
		fmt.Printf("  %s\n", rc)
		if showRaw {
			fmt.Printf("      RBAR=0x%08X RASR=0x%08X\n", rc.RBAR(), rc.RASR(true))
		}
	}

	if len(plan) > unitRegions {
		return fmt.Errorf("layout needs %d regions, unit has %d", len(plan), unitRegions)
	}
	return nil
}
