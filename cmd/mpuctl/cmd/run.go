package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/OpenTraceLab/OpenTraceMPU/pkg/mpu"
	"github.com/OpenTraceLab/OpenTraceMPU/pkg/scenario"
	"github.com/OpenTraceLab/OpenTraceMPU/pkg/telemetry"
)

var (
	mqttURL    string
	queueDepth int
)

var runCmd = &cobra.Command{
	Use:   "run <file.scn>...",
	Short: "Run lock scenarios on simulated cores",
	Long: `Run every scenario in the given files, each on its own simulated
Cortex-M core with the MPU driver and lock manager wired in. Scenarios run
concurrently. The command fails if any scenario fails.

With --mqtt every trapped fault is also published as JSON to
<prefix>/<machine-id>/fault on the broker.

Examples:
  mpuctl run testdata/locks.scn
  mpuctl run --ld firmware.ld scenarios/*.scn
  mpuctl run --mqtt mqtt://broker.local:1883/lab scenarios/*.scn`,
	Args: cobra.MinimumNArgs(1),
	RunE: runScenarios,
}

func init() {
	rootCmd.AddCommand(runCmd)
	runCmd.Flags().StringVar(&mqttURL, "mqtt", "", "publish faults to this MQTT broker URL")
	runCmd.Flags().IntVar(&queueDepth, "queue", telemetry.DefaultQueueDepth, "fault events buffered for publishing")

	bindFlagOrPanic(runCmd.Flags().Lookup("mqtt"), "telemetry.mqtt")
	bindFlagOrPanic(runCmd.Flags().Lookup("queue"), "telemetry.queue")
}

func runScenarios(cmd *cobra.Command, args []string) error {
	layout, err := loadLayout()
	if err != nil {
		return err
	}

	var scs []*scenario.Scenario
	for _, path := range args {
		parsed, err := scenario.ParseFile(path)
		if err != nil {
			return err
		}
		scs = append(scs, parsed...)
	}

	var observers []mpu.Observer
	if url := viper.GetString("telemetry.mqtt"); url != "" {
		pub, topic, err := telemetry.NewMQTTPublisher(url)
		if err != nil {
			return err
		}
		rep := telemetry.NewReporter(pub, topic, viper.GetInt("telemetry.queue"))
		defer func() {
			rep.Close()
			published, dropped, failed := rep.Stats()
			fmt.Printf("Telemetry: %d published, %d dropped, %d failed (%s)\n", published, dropped, failed, topic)
		}()
		observers = append(observers, rep)
	}

	results := scenario.NewRunner(layout, observers...).RunAll(scs)

	failed := 0
	for _, res := range results {
		switch {
		case res.Err != nil:
			failed++
			fmt.Printf("ERROR %s: %v\n", res.Name, res.Err)
		case res.OK():
			fmt.Printf("PASS  %s (%d steps, %d faults)\n", res.Name, res.Steps, res.Faults)
		default:
			failed++
			fmt.Printf("FAIL  %s\n", res.Name)
			for _, f := range res.Failures {
				fmt.Printf("      %s\n", f)
			}
		}
	}
	fmt.Printf("\n%d scenarios, %d failed\n", len(results), failed)

	if failed > 0 {
		return fmt.Errorf("%d of %d scenarios failed", failed, len(results))
	}
	return nil
}
