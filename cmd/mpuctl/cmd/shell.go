package cmd

import (
	"errors"
	"fmt"
	"strings"

	"github.com/abiosoft/ishell"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/OpenTraceLab/OpenTraceMPU/pkg/memmap"
	"github.com/OpenTraceLab/OpenTraceMPU/pkg/mpu"
	"github.com/OpenTraceLab/OpenTraceMPU/pkg/mpulock"
	"github.com/OpenTraceLab/OpenTraceMPU/pkg/sim"
)

var (
	shellPolicy  string
	shellRegions int
)

var shellCmd = &cobra.Command{
	Use:   "shell [command]...",
	Short: "Drive a simulated board interactively",
	Long: `Start an interactive shell on a simulated Cortex-M core with the MPU
driver and lock manager. Each argument, if any, is run as one shell command
and the shell exits afterwards.

Examples:
  mpuctl shell
  mpuctl shell --policy continue
  mpuctl shell init "exec heap" lock "exec heap" unlock status`,
	RunE: runShell,
}

func init() {
	rootCmd.AddCommand(shellCmd)
	shellCmd.Flags().StringVar(&shellPolicy, "policy", "halt", "fault policy: halt or continue")
	shellCmd.Flags().IntVar(&shellRegions, "regions", 8, "MPU regions implemented by the simulated core")

	bindFlagOrPanic(shellCmd.Flags().Lookup("policy"), "shell.policy")
	bindFlagOrPanic(shellCmd.Flags().Lookup("regions"), "shell.regions")
}

func runShell(cmd *cobra.Command, args []string) error {
	layout, err := loadLayout()
	if err != nil {
		return err
	}
	policy, err := mpu.ParsePolicy(viper.GetString("shell.policy"))
	if err != nil {
		return err
	}
	s, err := newSession(layout, policy, viper.GetInt("shell.regions"))
	if err != nil {
		return err
	}

	sh := ishell.New()
	sh.SetPrompt("mpu > ")
	for _, c := range s.commands() {
		sh.AddCmd(c)
	}

	if len(args) > 0 {
		for _, line := range args {
			if err := sh.Process(strings.Fields(line)...); err != nil {
				return err
			}
		}
		return nil
	}
	sh.Println("Simulated board ready. Type help for commands.")
	sh.Run()
	return nil
}

// session is one simulated board and the lock manager bound to it.
type session struct {
	board *sim.Board
	mgr   *mpulock.Manager
	last  mpu.Fault
}

func newSession(layout memmap.Map, policy mpu.Policy, regions int) (*session, error) {
	s := &session{}
	b, err := sim.NewBoard(layout,
		sim.WithRegions(regions),
		sim.WithDriverOptions(
			mpu.WithPolicy(policy),
			mpu.WithObserver(mpu.ObserverFunc(func(f mpu.Fault) { s.last = f })),
		))
	if err != nil {
		return nil, err
	}
	s.board = b
	s.mgr = mpulock.New(b.Driver)
	return s, nil
}

// access runs or writes into sec and describes what happened.
func (s *session) access(sec sim.Section, store bool) (string, error) {
	verb := "exec"
	before := s.board.Driver.FaultCount()
	var err error
	if store {
		verb = "store"
		err = s.board.StoreTo(sec, 0xA5A5A5A5)
	} else {
		err = s.board.Exec(sec)
	}
	switch {
	case errors.Is(err, sim.ErrHalted):
		if s.board.Driver.FaultCount() > before {
			return fmt.Sprintf("%s %s: trapped, core halted (%s)", verb, sec, s.last), nil
		}
		return fmt.Sprintf("%s %s: core is halted, reset first", verb, sec), nil
	case err != nil:
		return "", err
	case s.board.Driver.FaultCount() > before:
		return fmt.Sprintf("%s %s: trapped (%s)", verb, sec, s.last), nil
	}
	return fmt.Sprintf("%s %s: ok", verb, sec), nil
}

func (s *session) status() string {
	drv := s.board.Driver
	var b strings.Builder
	fmt.Fprintf(&b, "state:     %s\n", drv.State())
	fmt.Fprintf(&b, "policy:    %s\n", drv.Policy())
	fmt.Fprintf(&b, "ram locks: %d\n", s.mgr.Depth())
	fmt.Fprintf(&b, "rom locks: %d\n", s.mgr.ROMWriteDepth())
	fmt.Fprintf(&b, "rom-wn:    %v\n", drv.ROMWriteNever())
	fmt.Fprintf(&b, "faults:    %d\n", drv.FaultCount())
	fmt.Fprintf(&b, "halted:    %v", s.board.Core.Halted())
	return b.String()
}

func (s *session) dump() (string, error) {
	ctrl, regions, err := s.board.Unit.Dump()
	if err != nil {
		return "", err
	}
	var b strings.Builder
	fmt.Fprintf(&b, "MPU_CTRL: 0x%08X", ctrl)
	for _, r := range regions {
		fmt.Fprintf(&b, "\n  region %d: 0x%08X %s", r.Number, r.Base, r.Attrs)
	}
	return b.String(), nil
}

// reset restarts the core: the MPU comes up off and the fault counter is
// cleared. Locks held by the manager are kept.
func (s *session) reset() string {
	s.board.Core.Reset()
	s.board.Driver.ResetFaultCount()
	return "core reset, run init to re-arm the MPU"
}

// call runs fn, turning a lock-contract panic into an error.
func call(fn func() (string, error)) (out string, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%v", r)
		}
	}()
	return fn()
}

func run(fn func() (string, error)) func(c *ishell.Context) {
	return func(c *ishell.Context) {
		out, err := call(fn)
		if err != nil {
			c.Err(err)
			return
		}
		if out != "" {
			c.Println(out)
		}
	}
}

func ok(fn func()) func() (string, error) {
	return func() (string, error) {
		fn()
		return "OK", nil
	}
}

func okErr(fn func() error) func() (string, error) {
	return func() (string, error) {
		if err := fn(); err != nil {
			return "", err
		}
		return "OK", nil
	}
}

func parseOnOff(arg string) (bool, error) {
	switch arg {
	case "on", "true", "1":
		return true, nil
	case "off", "false", "0":
		return false, nil
	}
	return false, fmt.Errorf("expected on or off, got %q", arg)
}

func (s *session) commands() []*ishell.Cmd {
	sectionCmd := func(name string, store bool) *ishell.Cmd {
		return &ishell.Cmd{
			Name: name,
			Help: "SECTION (text, data, bss, heap, stack)",
			Func: func(c *ishell.Context) {
				run(func() (string, error) {
					if len(c.Args) != 1 {
						return "", fmt.Errorf("usage: %s SECTION", name)
					}
					sec, err := sim.ParseSection(c.Args[0])
					if err != nil {
						return "", err
					}
					return s.access(sec, store)
				})(c)
			},
		}
	}
	guardCmd := func(name string, set func(bool)) *ishell.Cmd {
		return &ishell.Cmd{
			Name: name,
			Help: "on|off",
			Func: func(c *ishell.Context) {
				run(func() (string, error) {
					if len(c.Args) != 1 {
						return "", fmt.Errorf("usage: %s on|off", name)
					}
					on, err := parseOnOff(c.Args[0])
					if err != nil {
						return "", err
					}
					set(on)
					if err := s.board.Driver.Err(); err != nil {
						return "", err
					}
					return "OK", nil
				})(c)
			},
		}
	}

	return []*ishell.Cmd{
		{Name: "init", Help: "program the MPU and arm the guards", Func: run(okErr(s.mgr.Init))},
		{Name: "free", Help: "turn the MPU off", Func: run(okErr(s.mgr.Deinit))},
		{Name: "lock", Aliases: []string{"l"}, Help: "allow RAM execution until unlock", Func: run(ok(s.mgr.Lock))},
		{Name: "unlock", Aliases: []string{"u"}, Help: "release one RAM execution lock", Func: run(ok(s.mgr.Unlock))},
		{Name: "lock-rom", Help: "allow flash writes until unlock-rom", Func: run(ok(s.mgr.LockROMWrite))},
		{Name: "unlock-rom", Help: "release one flash write lock", Func: run(ok(s.mgr.UnlockROMWrite))},
		guardCmd("xn", s.board.Driver.EnableRAMXN),
		guardCmd("wn", s.board.Driver.EnableROMWN),
		sectionCmd("exec", false),
		sectionCmd("store", true),
		{Name: "status", Aliases: []string{"st"}, Help: "show driver and lock state", Func: run(func() (string, error) { return s.status(), nil })},
		{Name: "mpu", Help: "dump the MPU registers", Func: run(s.dump)},
		{Name: "reset", Help: "reset the core", Func: run(func() (string, error) { return s.reset(), nil })},
	}
}
