package cli

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/spf13/cobra"
)

// serverURL is the base address of a running `conveyor serve` instance.
var serverURL string

var releaseCmd = &cobra.Command{
	Use:   "release <run-id> <job>",
	Short: "Release a manual-gated job in a running pipeline",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		path := fmt.Sprintf("/api/runs/%s/jobs/%s/release", url.PathEscape(args[0]), url.PathEscape(args[1]))
		if err := postControl(path, nil); err != nil {
			return err
		}
		cmd.Printf("Released %s in run %s.\n", args[1], args[0])
		return nil
	},
}

var cancelCmd = &cobra.Command{
	Use:   "cancel <run-id>",
	Short: "Cancel a running pipeline",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		path := fmt.Sprintf("/api/runs/%s/cancel", url.PathEscape(args[0]))
		if err := postControl(path, nil); err != nil {
			return err
		}
		cmd.Printf("Cancellation requested for run %s.\n", args[0])
		return nil
	},
}

var supersedeCmd = &cobra.Command{
	Use:   "supersede <ref>",
	Short: "Preempt interruptible jobs of active runs on a ref",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		body := map[string]string{"ref": args[0]}
		if err := postControl("/api/supersede", body); err != nil {
			return err
		}
		cmd.Printf("Superseded runs on %s.\n", args[0])
		return nil
	},
}

func postControl(path string, body any) error {
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
	}

	client := &http.Client{Timeout: 15 * time.Second}
	resp, err := client.Post(serverURL+path, "application/json", &buf)
	if err != nil {
		return fmt.Errorf("post %s: %w", path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("%s: status %d: %s", path, resp.StatusCode, bytes.TrimSpace(msg))
	}
	return nil
}

func init() {
	for _, c := range []*cobra.Command{releaseCmd, cancelCmd, supersedeCmd} {
		c.Flags().StringVar(&serverURL, "server", "http://localhost:8080", "base URL of the running conveyor server")
	}
}
