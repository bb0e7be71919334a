// AIVory Go Agent Test Application
//
// Generates various panic types to exercise exception capture and
// local variable extraction end to end against a running collector.
//
// Usage:
//
//	AIVORY_API_KEY=test-key-123 AIVORY_BACKEND_URL=ws://localhost:19999/ws/monitor/agent go run ./cmd/testapp run
package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/aivorynet/agent-go/pkg/agent"
	"github.com/aivorynet/agent-go/pkg/capture"
)

var buildVersion = "dev"

// userContext is a helper struct to exercise struct-field capture.
type userContext struct {
	UserID string
	Email  string
	Active bool
}

func main() {
	rootCmd := &cobra.Command{
		Use:   "testapp",
		Short: "AIVory Go agent exercise driver",
	}

	rootCmd.AddCommand(runCmd(), versionCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the test driver's version",
		RunE: func(cmd *cobra.Command, args []string) error {
			fmt.Println(buildVersion)
			return nil
		},
	}
}

func runCmd() *cobra.Command {
	var (
		iterations int
		debug      bool
		settleWait time.Duration
	)

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Initialize the agent and trigger a sequence of panics and a manual error",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runExercise(iterations, debug, settleWait)
		},
	}

	cmd.Flags().IntVarP(&iterations, "iterations", "n", 3, "number of panic cases to trigger")
	cmd.Flags().BoolVar(&debug, "debug", true, "enable verbose agent logging")
	cmd.Flags().DurationVar(&settleWait, "settle", 3*time.Second, "delay between cases to let captures flush")

	return cmd
}

func runExercise(iterations int, debug bool, settleWait time.Duration) error {
	fmt.Println("===========================================")
	fmt.Println("AIVory Go Agent Test Application")
	fmt.Println("===========================================")

	agent.Init(agent.WithDebug(debug))
	defer agent.Shutdown()

	agent.SetUser("test-user-001", "tester@example.com", "tester")

	fmt.Println("Waiting for agent to connect...")
	time.Sleep(settleWait)
	fmt.Println("Starting panic tests...")
	fmt.Println()

	ctx := context.Background()

	for i := 0; i < iterations; i++ {
		fmt.Printf("--- Test %d ---\n", i+1)

		func() {
			defer func() {
				if r := recover(); r != nil {
					fmt.Printf("Recovered from panic: %v\n", r)
				}
			}()
			// CapturePanic must be deferred directly, after the outer
			// recover, since defers run LIFO: CapturePanic runs first,
			// captures, then re-panics for the outer recover to catch.
			defer agent.CapturePanic(ctx)
			triggerPanic(i)
		}()

		fmt.Println()
		time.Sleep(settleWait)
	}

	fmt.Println("--- Manual Error Capture Test ---")
	err := fmt.Errorf("manually triggered test error")
	agent.CaptureError(ctx, err, map[string]interface{}{
		"test_type": "manual",
		"iteration": 99,
	})
	fmt.Printf("Captured error: %v\n", err)

	fmt.Println("--- Manual Message Capture Test ---")
	agent.CaptureMessage(ctx, "manually triggered test message", capture.SeverityWarning, nil)

	fmt.Println()
	fmt.Println("===========================================")
	fmt.Println("Test complete. Check the collector for exceptions.")
	fmt.Println("===========================================")

	time.Sleep(settleWait - time.Second)
	return nil
}

func triggerPanic(iteration int) {
	testVar := fmt.Sprintf("test-value-%d", iteration)
	count := iteration * 10
	items := []string{"apple", "banana", "cherry"}
	metadata := map[string]interface{}{
		"iteration": iteration,
		"nested":    map[string]interface{}{"key": "value", "count": count},
	}
	user := userContext{
		UserID: fmt.Sprintf("user-%d", iteration),
		Email:  "test@example.com",
		Active: true,
	}

	fmt.Printf("Variables: testVar=%s, count=%d, items=%v, user=%v, metadata=%v\n", testVar, count, items, user, metadata)

	switch iteration % 3 {
	case 0:
		fmt.Println("Triggering index out of range panic...")
		var nilSlice []int
		_ = nilSlice[0] // panic: index out of range

	case 1:
		fmt.Println("Triggering explicit panic...")
		panic("Test panic error")

	case 2:
		fmt.Println("Triggering nil map panic...")
		var m map[string]int
		m["key"] = 1 // panic: assignment to entry in nil map
	}
}
