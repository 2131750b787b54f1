package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/funcx-faas/funcx-endpoint-go/pkg/interchange"
	"github.com/funcx-faas/funcx-endpoint-go/pkg/registration"
)

var registerCmd = &cobra.Command{
	Use:   "register",
	Short: "Perform the registration handshake and print the resulting queue coordinates, without starting the interchange",
	RunE:  runRegister,
}

func init() {
	registerCmd.Flags().String("endpoint-id", "", "Endpoint UUID (generated if omitted)")
	registerCmd.Flags().String("name", "", "Human-readable endpoint name")
	registerCmd.Flags().String("control-plane-url", "", "Base URL of the funcX control plane (required)")
	_ = registerCmd.MarkFlagRequired("control-plane-url")
}

func runRegister(cmd *cobra.Command, args []string) error {
	controlPlaneURL, _ := cmd.Flags().GetString("control-plane-url")
	name, _ := cmd.Flags().GetString("name")
	endpointIDFlag, _ := cmd.Flags().GetString("endpoint-id")

	endpointID, err := resolveEndpointID(endpointIDFlag)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrConfigError, err)
	}
	if name == "" {
		name = endpointID.String()
	}

	client := registration.NewClient(controlPlaneURL, Version)
	reg, err := client.Register(cmd.Context(), endpointID, name, map[string]string{"hostname": hostname()})
	if err != nil {
		return fmt.Errorf("%w: %w", interchange.ErrRegistrationFailed, err)
	}

	fmt.Printf("endpoint_id: %s\n", reg.EndpointID)
	fmt.Printf("task_queue:  %s (exchange=%s routing_key=%s)\n", reg.TaskQueue.Queue, reg.TaskQueue.Exchange, reg.TaskQueue.RoutingKey)
	fmt.Printf("result_queue: %s (exchange=%s routing_key=%s)\n", reg.ResultQueue.Queue, reg.ResultQueue.Exchange, reg.ResultQueue.RoutingKey)
	return nil
}
