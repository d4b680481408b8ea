package scenario

import (
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/OpenTraceLab/OpenTraceMPU/pkg/memmap"
	"github.com/OpenTraceLab/OpenTraceMPU/pkg/mpu"
	"github.com/OpenTraceLab/OpenTraceMPU/pkg/sim"
)

func TestParseSexp(t *testing.T) {
	nodes, err := ParseSexp(strings.NewReader(`
; comment
(a "b \"c\"" (d 1)) # trailing
x`))
	require.NoError(t, err)
	require.Len(t, nodes, 2)

	l := nodes[0].(*List)
	require.Equal(t, "a", l.Head())
	require.Equal(t, 3, l.Line())
	require.Equal(t, `(a "b \"c\"" (d 1))`, l.String())
	require.True(t, l.Items[1].(*Atom).Quoted)
	require.Equal(t, `b "c"`, l.Items[1].(*Atom).Value)
	require.Equal(t, 4, nodes[1].Line())

	for _, bad := range []string{"(a", ")", `("open`} {
		_, err := ParseSexp(strings.NewReader(bad))
		require.Error(t, err, bad)
	}
}

func TestParseScenario(t *testing.T) {
	scs, err := ParseString(`
(scenario "demo"
  (policy continue)
  (regions 4)
  (init)
  (ram-xn off)
  (exec heap)
  (store text)
  (expect-state Enabled)
  (expect-halted))`)
	require.NoError(t, err)
	require.Len(t, scs, 1)

	sc := scs[0]
	require.Equal(t, "demo", sc.Name)
	require.NotNil(t, sc.Policy)
	require.Equal(t, mpu.PolicyDisableAndContinue, *sc.Policy)
	require.Equal(t, 4, sc.Regions)
	require.Len(t, sc.Steps, 6)
	require.Equal(t, Step{Op: OpRAMXN, Line: 6, Text: "(ram-xn off)"}, sc.Steps[1])
	require.Equal(t, sim.SectionHeap, sc.Steps[2].Section)
	require.Equal(t, sim.SectionText, sc.Steps[3].Section)
	require.Equal(t, mpu.StateEnabled, sc.Steps[4].State)
	require.True(t, sc.Steps[5].Bool)
}

func TestParseScenarioErrors(t *testing.T) {
	cases := map[string]string{
		"not a scenario": `(test "x")`,
		"no name":        `(scenario)`,
		"unknown step":   `(scenario "x" (jump))`,
		"extra argument": `(scenario "x" (lock now))`,
		"bad bool":       `(scenario "x" (ram-xn maybe))`,
		"bad count":      `(scenario "x" (expect-faults -1))`,
		"bad section":    `(scenario "x" (exec rodata))`,
		"bad state":      `(scenario "x" (expect-state armed))`,
		"bad policy":     `(scenario "x" (policy reboot))`,
		"bad regions":    `(scenario "x" (regions 0))`,
		"bare atom":      `(scenario "x" init)`,
	}
	for name, input := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := ParseString(input)
			require.Error(t, err)
		})
	}
}

func TestTestdataScenariosPass(t *testing.T) {
	files, err := filepath.Glob("testdata/*.scn")
	require.NoError(t, err)
	require.NotEmpty(t, files)

	var all []*Scenario
	for _, f := range files {
		scs, err := ParseFile(f)
		require.NoError(t, err)
		all = append(all, scs...)
	}

	results := NewRunner(memmap.Default()).RunAll(all)
	require.Len(t, results, len(all))
	for i, res := range results {
		require.Equal(t, all[i].Name, res.Name)
		require.True(t, res.OK(), "%s: %v", res.Name, res.Failures)
		require.Equal(t, len(all[i].Steps), res.Steps)
	}
}

func TestFailuresAreReported(t *testing.T) {
	scs, err := ParseString(`
(scenario "wrong"
  (init)
  (unlock)
  (exec heap)
  (expect-faults 2)
  (expect-depth 1))`)
	require.NoError(t, err)

	res := NewRunner(memmap.Default()).Run(scs[0])
	require.False(t, res.OK())
	require.Len(t, res.Failures, 3)
	require.Contains(t, res.Failures[0].Msg, "panic: mpulock: unlock of unlocked")
	require.Equal(t, 4, res.Failures[0].Line)
	require.Equal(t, "fault count 1, want 2", res.Failures[1].Msg)
	require.Equal(t, "lock depth 0, want 1", res.Failures[2].Msg)
	require.Equal(t, uint64(1), res.Faults)
	require.Len(t, res.Recorded, 1)
	require.Equal(t, mpu.FaultExecute, res.Recorded[0].Kind)
}

func TestRunnerObserversAndBadLayout(t *testing.T) {
	var seen []mpu.Fault
	r := NewRunner(memmap.Default(), mpu.ObserverFunc(func(f mpu.Fault) { seen = append(seen, f) }))
	scs, err := ParseString(`(scenario "obs" (init) (exec bss) (store text))`)
	require.NoError(t, err)
	res := r.Run(scs[0])
	require.True(t, res.OK())
	require.Len(t, seen, 2)
	require.Equal(t, mpu.FaultWrite, seen[1].Kind)

	bad := NewRunner(memmap.Map{})
	res = bad.Run(scs[0])
	require.Error(t, res.Err)
	require.False(t, res.OK())
}

func TestTooFewRegionsFailsInit(t *testing.T) {
	scs, err := ParseString(`(scenario "small" (regions 1) (init))`)
	require.NoError(t, err)
	res := NewRunner(memmap.Default()).Run(scs[0])
	require.Len(t, res.Failures, 1)
	require.Contains(t, res.Failures[0].Msg, "needs 2 regions")
}
