// Package scenario runs fault-injection scenarios against a simulated board.
//
// A scenario file holds one or more forms like
//
//	(scenario "nested-locks"
//	  (init)
//	  (lock) (lock)
//	  (exec heap) (expect-faults 0)
//	  (unlock) (exec stack) (expect-faults 0)
//	  (unlock) (exec data) (expect-faults 1))
//
// By default faults are caught by a recording handler that disarms the
// trapping guard and resumes, the way a unit test would. A (policy halt) or
// (policy continue) option hands faults to the driver's policy instead.
package scenario

import (
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"github.com/OpenTraceLab/OpenTraceMPU/pkg/mpu"
	"github.com/OpenTraceLab/OpenTraceMPU/pkg/sim"
)

// Op is a scenario step.
type Op string

const (
	OpInit         Op = "init"
	OpFree         Op = "free"
	OpLock         Op = "lock"
	OpUnlock       Op = "unlock"
	OpLockROM      Op = "lock-rom"
	OpUnlockROM    Op = "unlock-rom"
	OpRAMXN        Op = "ram-xn"
	OpROMWN        Op = "rom-wn"
	OpExec         Op = "exec"
	OpStore        Op = "store"
	OpExpectFaults Op = "expect-faults"
	OpResetFaults  Op = "reset-faults"
	OpExpectState  Op = "expect-state"
	OpExpectDepth  Op = "expect-depth"
	OpExpectHalted Op = "expect-halted"
)

type argKind uint8

const (
	argNone argKind = iota
	argBool
	argInt
	argSection
	argState
)

var opArgs = map[Op]argKind{
	OpInit:         argNone,
	OpFree:         argNone,
	OpLock:         argNone,
	OpUnlock:       argNone,
	OpLockROM:      argNone,
	OpUnlockROM:    argNone,
	OpRAMXN:        argBool,
	OpROMWN:        argBool,
	OpExec:         argSection,
	OpStore:        argSection,
	OpExpectFaults: argInt,
	OpResetFaults:  argNone,
	OpExpectState:  argState,
	OpExpectDepth:  argInt,
	OpExpectHalted: argBool,
}

// Step is one parsed scenario step.
type Step struct {
	Op      Op
	Bool    bool
	Int     int
	Section sim.Section
	State   mpu.State
	Line    int
	Text    string
}

func (s Step) String() string {
	return s.Text
}

// Scenario is a named sequence of steps with its board options.
type Scenario struct {
	Name    string
	Policy  *mpu.Policy // nil: recording handler
	Regions int         // 0: board default
	Steps   []Step
}

// Parse reads every scenario form from r.
func Parse(r io.Reader) ([]*Scenario, error) {
	nodes, err := ParseSexp(r)
	if err != nil {
		return nil, fmt.Errorf("scenario: %w", err)
	}
	var out []*Scenario
	for _, n := range nodes {
		l, ok := n.(*List)
		if !ok || l.Head() != "scenario" {
			return nil, fmt.Errorf("scenario: line %d: expected (scenario ...), got %s", n.Line(), n)
		}
		sc, err := parseScenario(l)
		if err != nil {
			return nil, fmt.Errorf("scenario: %w", err)
		}
		out = append(out, sc)
	}
	return out, nil
}

// ParseString is Parse for a string.
func ParseString(s string) ([]*Scenario, error) {
	return Parse(strings.NewReader(s))
}

// ParseFile parses the scenarios in filename.
func ParseFile(filename string) ([]*Scenario, error) {
	f, err := os.Open(filename)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	scs, err := Parse(f)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", filename, err)
	}
	return scs, nil
}

func parseScenario(l *List) (*Scenario, error) {
	if len(l.Items) < 2 {
		return nil, fmt.Errorf("line %d: scenario needs a name", l.Line())
	}
	name, ok := l.Items[1].(*Atom)
	if !ok {
		return nil, fmt.Errorf("line %d: scenario name must be an atom", l.Line())
	}
	sc := &Scenario{Name: name.Value}

	for _, n := range l.Items[2:] {
		form, ok := n.(*List)
		if !ok {
			return nil, fmt.Errorf("line %d: unexpected %s in scenario %q", n.Line(), n, sc.Name)
		}
		switch form.Head() {
		case "policy":
			arg, err := singleArg(form)
			if err != nil {
				return nil, err
			}
			p, err := mpu.ParsePolicy(arg)
			if err != nil {
				return nil, fmt.Errorf("line %d: %w", form.Line(), err)
			}
			sc.Policy = &p
			continue
		case "regions":
			arg, err := singleArg(form)
			if err != nil {
				return nil, err
			}
			if sc.Regions, err = strconv.Atoi(arg); err != nil || sc.Regions <= 0 {
				return nil, fmt.Errorf("line %d: bad region count %q", form.Line(), arg)
			}
			continue
		}
		step, err := parseStep(form)
		if err != nil {
			return nil, err
		}
		sc.Steps = append(sc.Steps, step)
	}
	return sc, nil
}

func parseStep(form *List) (Step, error) {
	op := Op(form.Head())
	kind, ok := opArgs[op]
	if !ok {
		return Step{}, fmt.Errorf("line %d: unknown step %s", form.Line(), form)
	}
	step := Step{Op: op, Line: form.Line(), Text: form.String()}

	if kind == argNone {
		if len(form.Items) != 1 {
			return Step{}, fmt.Errorf("line %d: %s takes no argument", form.Line(), op)
		}
		return step, nil
	}
	if op == OpExpectHalted && len(form.Items) == 1 {
		step.Bool = true
		return step, nil
	}

	arg, err := singleArg(form)
	if err != nil {
		return Step{}, err
	}
	switch kind {
	case argBool:
		switch arg {
		case "on", "true", "yes":
			step.Bool = true
		case "off", "false", "no":
		default:
			return Step{}, fmt.Errorf("line %d: %s wants on or off, got %q", form.Line(), op, arg)
		}
	case argInt:
		n, err := strconv.Atoi(arg)
		if err != nil || n < 0 {
			return Step{}, fmt.Errorf("line %d: %s wants a count, got %q", form.Line(), op, arg)
		}
		step.Int = n
	case argSection:
		s, err := sim.ParseSection(arg)
		if err != nil {
			return Step{}, fmt.Errorf("line %d: %w", form.Line(), err)
		}
		step.Section = s
	case argState:
		s, err := mpu.ParseState(arg)
		if err != nil {
			return Step{}, fmt.Errorf("line %d: %w", form.Line(), err)
		}
		step.State = s
	}
	return step, nil
}

func singleArg(form *List) (string, error) {
	if len(form.Items) != 2 {
		return "", fmt.Errorf("line %d: %s takes one argument", form.Line(), form.Head())
	}
	a, ok := form.Items[1].(*Atom)
	if !ok {
		return "", fmt.Errorf("line %d: %s argument must be an atom", form.Line(), form.Head())
	}
	return a.Value, nil
}
