package main

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/funcx-faas/funcx-endpoint-go/pkg/lock"
	"github.com/funcx-faas/funcx-endpoint-go/pkg/types"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Report the last-known registration and spool state for this endpoint directory",
	RunE:  runStatus,
}

func runStatus(cmd *cobra.Command, args []string) error {
	dir, _ := cmd.Flags().GetString("dir")

	reg, err := readRegistration(dir)
	if err != nil {
		fmt.Println("registration: none on disk (never registered, or endpoint.json was removed)")
	} else {
		fmt.Printf("registration: endpoint_id=%s issued_at=%s task_queue=%s result_queue=%s\n",
			reg.EndpointID, reg.IssuedAt.Format("2006-01-02T15:04:05Z07:00"), reg.TaskQueue.Queue, reg.ResultQueue.Queue)
	}

	pending, err := countSpoolEntries(dir)
	if err != nil {
		fmt.Printf("spool: unreadable: %v\n", err)
	} else {
		fmt.Printf("spool: %d entries pending publish\n", pending)
	}

	if owner, alive := lock.Owner(dir); alive {
		fmt.Printf("lock: held by pid %d\n", owner)
	} else {
		fmt.Println("lock: not held")
	}

	return nil
}

func readRegistration(dir string) (types.Registration, error) {
	var reg types.Registration
	data, err := os.ReadFile(filepath.Join(dir, "endpoint.json"))
	if err != nil {
		return reg, err
	}
	if err := json.Unmarshal(data, &reg); err != nil {
		return reg, err
	}
	return reg, nil
}

func countSpoolEntries(dir string) (int, error) {
	entries, err := os.ReadDir(filepath.Join(dir, "unacked_results"))
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, err
	}
	return len(entries), nil
}
