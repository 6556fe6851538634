package main

import (
	"encoding/json"
	"fmt"
	"net/http"
	"text/tabwriter"
	"os"
	"time"

	"github.com/spf13/cobra"
)

type workerStatusResponse struct {
	Workers []struct {
		ID         int       `json:"id"`
		Pid        int       `json:"pid"`
		Online     bool      `json:"online"`
		Routers    int       `json:"routers"`
		Transports int       `json:"transports"`
		CPUPercent float64   `json:"cpuPercent"`
		Score      float64   `json:"score"`
		LastSample time.Time `json:"lastSample"`
	} `json:"workers"`
}

// newWorkerStatusCommand polls a running instance's own introspection
// endpoint rather than reconstructing worker state locally, so the CLI
// always reports what the live process actually sees.
func newWorkerStatusCommand() *cobra.Command {
	var httpAddr string

	cmd := &cobra.Command{
		Use:   "worker-status",
		Short: "Print the media worker pool's current load from a running instance",
		RunE: func(cmd *cobra.Command, args []string) error {
			client := &http.Client{Timeout: 5 * time.Second}
			resp, err := client.Get(fmt.Sprintf("http://%s/api/v1/workers", httpAddr))
			if err != nil {
				return fmt.Errorf("reach %s: %w", httpAddr, err)
			}
			defer resp.Body.Close()

			if resp.StatusCode != http.StatusOK {
				return fmt.Errorf("unexpected status %d from %s", resp.StatusCode, httpAddr)
			}

			var body workerStatusResponse
			if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
				return fmt.Errorf("decode response: %w", err)
			}

			w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "PID\tONLINE\tROUTERS\tTRANSPORTS\tCPU%\tSCORE\tLAST SAMPLE")
			for _, rec := range body.Workers {
				fmt.Fprintf(w, "%d\t%v\t%d\t%d\t%.1f\t%.1f\t%s\n",
					rec.Pid, rec.Online, rec.Routers, rec.Transports, rec.CPUPercent, rec.Score, rec.LastSample.Format(time.RFC3339))
			}
			return w.Flush()
		},
	}
	cmd.Flags().StringVar(&httpAddr, "http-address", "localhost:8082", "host:port of the running instance's operator HTTP surface")
	return cmd
}
