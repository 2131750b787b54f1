package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/funcx-faas/funcx-endpoint-go/pkg/interchange"
	"github.com/funcx-faas/funcx-endpoint-go/pkg/lock"
	"github.com/funcx-faas/funcx-endpoint-go/pkg/log"
	"github.com/funcx-faas/funcx-endpoint-go/pkg/registration"
)

// Version is set via ldflags at build time; it doubles as the version this
// binary reports to the control plane during registration.
var Version = "dev"

// Exit codes. 0 and 1 are Go/cobra's own conventions; the rest are spelled
// out here so an operator's process supervisor can distinguish a
// configuration problem from a registration problem from lock contention.
const (
	exitOK             = 0
	exitUnhandled      = 1
	exitConfigError    = 2
	exitRegistration   = 3
	exitLockContention = 4
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(exitCodeFor(err))
	}
}

func exitCodeFor(err error) int {
	switch {
	case err == nil:
		return exitOK
	case isConfigError(err):
		return exitConfigError
	case isRegistrationError(err):
		return exitRegistration
	case isLockContention(err):
		return exitLockContention
	default:
		return exitUnhandled
	}
}

func isRegistrationError(err error) bool {
	return errors.Is(err, interchange.ErrRegistrationFailed) || errors.Is(err, registration.ErrVersionMismatch)
}

func isLockContention(err error) bool {
	return errors.Is(err, interchange.ErrLockHeld) || errors.Is(err, lock.ErrHeld)
}

var rootCmd = &cobra.Command{
	Use:   "funcx-endpoint",
	Short: "funcX endpoint interchange daemon",
	Long: `funcx-endpoint is the interchange daemon that sits between a funcX
endpoint's local compute and the funcX control plane: it registers with
the control plane, consumes tasks from its AMQP queue, dispatches them to
a pool of worker blocks, and publishes results back with crash-safe,
at-least-once delivery.`,
	Version: Version,
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf("funcx-endpoint version %s\n", Version))

	rootCmd.PersistentFlags().String("log-level", "info", "Log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().Bool("log-json", false, "Output logs in JSON format")
	rootCmd.PersistentFlags().String("dir", ".", "Endpoint directory (config.yaml, endpoint.json, unacked_results/, lock files)")

	cobra.OnInitialize(initLogging)

	rootCmd.AddCommand(startCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(registerCmd)
}

func initLogging() {
	logLevel, _ := rootCmd.PersistentFlags().GetString("log-level")
	logJSON, _ := rootCmd.PersistentFlags().GetBool("log-json")

	log.Init(log.Config{
		Level:      log.Level(logLevel),
		JSONOutput: logJSON,
	})
}
