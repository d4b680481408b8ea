package cmd

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
)

// TestCommandsE2E runs the commands that need no hardware end-to-end.
func TestCommandsE2E(t *testing.T) {
	tests := []struct {
		name        string
		args        []string
		wantErr     bool
		wantContain []string
	}{
		{
			name: "regions default layout",
			args: []string{"regions"},
			wantContain: []string{
				"ROM  FLASH (rx) 0x08000000-0x0807FFFF",
				"RAM  RAM (rwx) 0x20000000-0x2001FFFF",
				"MPU regions (2 of 8)",
				"region 0: 0x00000000",
				"guard=rom-wn (code)",
				"guard=ram-xn",
			},
		},
		{
			name: "regions from linker script",
			args: []string{"regions", "--ld", "../testdata/stm32f407.ld", "--raw"},
			wantContain: []string{
				"CCMRAM (rw) 0x10000000-0x1000FFFF",
				"MPU regions (3 of 8)",
				"(CCMRAM)",
				"RBAR=0x00000010",
			},
		},
		{
			name:    "regions exceed unit",
			args:    []string{"regions", "--ld", "../testdata/stm32f407.ld", "--unit-regions", "2"},
			wantErr: true,
		},
		{
			name:    "missing linker script",
			args:    []string{"regions", "--ld", "../testdata/nope.ld"},
			wantErr: true,
		},
		{
			name: "run passing scenarios",
			args: []string{"run", "../testdata/locks.scn"},
			wantContain: []string{
				"PASS  lock-allows-ram-exec",
				"PASS  rom-lock",
				"2 scenarios, 0 failed",
			},
		},
		{
			name:    "run failing scenario",
			args:    []string{"run", "../testdata/broken.scn"},
			wantErr: true,
		},
		{
			name:    "run needs a file",
			args:    []string{"run"},
			wantErr: true,
		},
		{
			name:        "version command",
			args:        []string{"version"},
			wantContain: []string{"mpuctl 0.3.0 (go"},
		},
		{
			name:        "version flag",
			args:        []string{"--version"},
			wantContain: []string{"mpuctl version 0.3.0"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			output, err := execute(tt.args...)

			if tt.wantErr {
				if err == nil {
					t.Errorf("Expected error but got none\nOutput: %s", output)
				}
				return
			}
			if err != nil {
				t.Errorf("Unexpected error: %v\nOutput: %s", err, output)
				return
			}
			for _, want := range tt.wantContain {
				if !strings.Contains(output, want) {
					t.Errorf("Output missing expected string: %q\nGot:\n%s", want, output)
				}
			}
		})
	}
}

// TestConfigE2E writes a config file and reads settings back through it.
func TestConfigE2E(t *testing.T) {
	path := filepath.Join(t.TempDir(), "mpuctl.yaml")

	output, err := execute("config", "init", "--config", path)
	if err != nil {
		t.Fatalf("config init: %v\nOutput: %s", err, output)
	}
	if !strings.Contains(output, "Configuration file created: "+path) {
		t.Errorf("unexpected output: %s", output)
	}
	if _, err := execute("config", "init", "--config", path); err == nil {
		t.Errorf("Expected config init to refuse an existing file")
	}

	cfg := "layout:\n  ld: ../testdata/stm32f407.ld\nshell:\n  policy: continue\n"
	if err := os.WriteFile(path, []byte(cfg), 0o644); err != nil {
		t.Fatal(err)
	}
	output, err = execute("config", "view", "--config", path)
	if err != nil {
		t.Fatalf("config view: %v", err)
	}
	for _, want := range []string{"# " + path, "policy: continue", "stm32f407.ld"} {
		if !strings.Contains(output, want) {
			t.Errorf("Output missing expected string: %q\nGot:\n%s", want, output)
		}
	}

	// layout.ld from the file selects the linker script.
	output, err = execute("regions", "--config", path)
	if err != nil {
		t.Fatalf("regions: %v", err)
	}
	if !strings.Contains(output, "CCMRAM") {
		t.Errorf("config layout not used:\n%s", output)
	}
}

// execute runs the root command with args and returns what it printed.
func execute(args ...string) (string, error) {
	// Capture stdout
	old := os.Stdout
	r, w, _ := os.Pipe()
	os.Stdout = w

	var buf bytes.Buffer
	done := make(chan struct{})
	go func() {
		buf.ReadFrom(r)
		close(done)
	}()

	// Reset flags to prevent accumulation between tests
	resetFlags(rootCmd)

	rootCmd.SetOut(w)
	rootCmd.SetArgs(args)
	err := rootCmd.Execute()

	w.Close()
	os.Stdout = old
	<-done
	return buf.String(), err
}

// resetFlags restores every flag to its default and clears Changed, so a
// value bound through viper falls back to the config file again.
func resetFlags(c *cobra.Command) {
	reset := func(f *pflag.Flag) {
		f.Value.Set(f.DefValue)
		f.Changed = false
	}
	c.Flags().VisitAll(reset)
	c.PersistentFlags().VisitAll(reset)
	for _, sub := range c.Commands() {
		resetFlags(sub)
	}
}
