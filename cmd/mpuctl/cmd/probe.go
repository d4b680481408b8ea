package cmd

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/OpenTraceLab/OpenTraceMPU/pkg/armv7m"
	"github.com/OpenTraceLab/OpenTraceMPU/pkg/dap"
	"github.com/OpenTraceLab/OpenTraceMPU/pkg/memmap"
	"github.com/OpenTraceLab/OpenTraceMPU/pkg/mpu"
	"github.com/OpenTraceLab/OpenTraceMPU/pkg/mpulock"
)

const defaultClock = 1000000

var (
	probeVID   uint16
	probePID   uint16
	probeClock uint32
	probeReset bool
)

var probeCmd = &cobra.Command{
	Use:   "probe",
	Short: "Program the MPU of a real target over CMSIS-DAP",
	Long: `Talk to a Cortex-M target through a CMSIS-DAP v2 probe over SWD.

Examples:
  mpuctl probe list
  mpuctl probe apply --ld firmware.ld
  mpuctl probe status
  mpuctl probe free --vid 0x2e8a --pid 0x000c`,
}

var probeListCmd = &cobra.Command{
	Use:   "list",
	Short: "List connected CMSIS-DAP probes",
	Args:  cobra.NoArgs,
	RunE:  runProbeList,
}

var probeApplyCmd = &cobra.Command{
	Use:   "apply",
	Short: "Program the region plan and arm both guards",
	Args:  cobra.NoArgs,
	RunE:  runProbeApply,
}

var probeStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Read back the MPU registers and any latched fault",
	Args:  cobra.NoArgs,
	RunE:  runProbeStatus,
}

var probeFreeCmd = &cobra.Command{
	Use:   "free",
	Short: "Turn the target MPU off",
	Args:  cobra.NoArgs,
	RunE:  runProbeFree,
}

func init() {
	rootCmd.AddCommand(probeCmd)
	probeCmd.AddCommand(probeListCmd, probeApplyCmd, probeStatusCmd, probeFreeCmd)

	probeCmd.PersistentFlags().Uint16Var(&probeVID, "vid", dap.VendorIDRaspberryPi, "probe USB vendor ID")
	probeCmd.PersistentFlags().Uint16Var(&probePID, "pid", dap.ProductIDCMSISDAP, "probe USB product ID")
	probeCmd.PersistentFlags().Uint32Var(&probeClock, "clock", defaultClock, "SWD clock in Hz")
	probeApplyCmd.Flags().BoolVar(&probeReset, "reset", false, "reset the target before programming")

	bindFlagOrPanic(probeCmd.PersistentFlags().Lookup("vid"), "probe.vid")
	bindFlagOrPanic(probeCmd.PersistentFlags().Lookup("pid"), "probe.pid")
	bindFlagOrPanic(probeCmd.PersistentFlags().Lookup("clock"), "probe.clock")
}

func runProbeList(cmd *cobra.Command, args []string) error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	devices, err := dap.Discover(ctx)
	if err != nil {
		return fmt.Errorf("failed to enumerate probes: %w", err)
	}
	if len(devices) == 0 {
		fmt.Println("No CMSIS-DAP probes found.")
		return nil
	}
	fmt.Println("CMSIS-DAP probes:")
	for _, d := range devices {
		fmt.Printf("  %s\n", d.Label())
	}
	return nil
}

func openProbe() (*dap.Probe, error) {
	vid := uint16(viper.GetUint("probe.vid"))
	pid := uint16(viper.GetUint("probe.pid"))
	p, err := dap.Open(vid, pid, dap.WithClock(viper.GetUint32("probe.clock")))
	if err != nil {
		return nil, fmt.Errorf("failed to open probe %04X:%04X: %w", vid, pid, err)
	}
	info := p.Info()
	fmt.Printf("Probe:  %s %s (serial %s, firmware %s)\n", info.Vendor, info.Product, info.Serial, info.Firmware)
	fmt.Printf("Target: %s\n", dap.ParseDebugPortID(p.IDCode()))
	return p, nil
}

func runProbeApply(cmd *cobra.Command, args []string) error {
	layout, err := loadLayout()
	if err != nil {
		return err
	}
	p, err := openProbe()
	if err != nil {
		return err
	}
	defer p.Close()

	if probeReset {
		if err := p.ResetTarget(); err != nil {
			return err
		}
	}

	unit := armv7m.New(p)
	info, err := unit.Info()
	if err != nil {
		return err
	}
	if info.Regions == 0 {
		return armv7m.ErrNoMPU
	}
	if _, err := bindTarget(unit, layout); err != nil {
		return err
	}
	if err := mpulock.Init(); err != nil {
		return err
	}

	fmt.Printf("\nProgrammed %d of %d regions:\n", len(unit.Plan()), info.Regions)
	for _, rc := range unit.Plan() {
		fmt.Printf("  %s\n", rc)
	}
	return nil
}

func runProbeStatus(cmd *cobra.Command, args []string) error {
	p, err := openProbe()
	if err != nil {
		return err
	}
	defer p.Close()

	unit := armv7m.New(p)
	info, err := unit.Info()
	if err != nil {
		return err
	}
	ctrl, regions, err := unit.Dump()
	if err != nil {
		return err
	}
	fmt.Printf("\nMPU: %d regions, MPU_CTRL 0x%08X\n", info.Regions, ctrl)
	for _, r := range regions {
		fmt.Printf("  region %d: 0x%08X %s\n", r.Number, r.Base, r.Attrs)
	}

	st, err := unit.ReadFault()
	if err != nil {
		return err
	}
	if !st.Valid() {
		fmt.Println("No MemManage fault latched.")
		return nil
	}
	kind := "write"
	if st.Execute {
		kind = "execute"
	}
	if st.AddrValid {
		fmt.Printf("Latched %s fault at 0x%08X (cleared)\n", kind, st.Addr)
	} else {
		fmt.Printf("Latched %s fault (cleared)\n", kind)
	}
	return nil
}

func runProbeFree(cmd *cobra.Command, args []string) error {
	p, err := openProbe()
	if err != nil {
		return err
	}
	defer p.Close()

	if _, err := bindTarget(armv7m.New(p), memmap.Map{}); err != nil {
		return err
	}
	if err := mpulock.Deinit(); err != nil {
		return err
	}
	fmt.Println("MPU disabled.")
	return nil
}

// bindTarget attaches a driver for unit to the process-wide lock manager.
// The target has one MPU, so everything in this process that suspends
// protection goes through mpulock's package-level functions.
func bindTarget(unit mpu.Unit, layout memmap.Map) (*mpu.Driver, error) {
	drv := mpu.New(unit, layout)
	if d := mpulock.Depth() + mpulock.ROMWriteDepth(); d != 0 {
		return nil, fmt.Errorf("cannot rebind target with %d locks outstanding", d)
	}
	mpulock.Bind(drv)
	return drv, nil
}
