// cmd/pipectl/main.go
//
// pipectl is a small operator CLI for the pipeline orchestrator API.
package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
)

var serverURL string

type jobOptions struct {
	NoiseReduce bool   `json:"noise_reduce,omitempty"`
	Language    string `json:"language,omitempty"`
	SampleRate  int    `json:"sample_rate,omitempty"`
}

type submitRequest struct {
	MediaURL string     `json:"media_url"`
	Options  jobOptions `json:"options"`
}

type stageResult struct {
	Stage       string    `json:"stage"`
	StageJobID  string    `json:"stage_job_id"`
	Error       string    `json:"error,omitempty"`
	CompletedAt time.Time `json:"completed_at"`
}

type jobError struct {
	Kind    string `json:"kind"`
	Message string `json:"message"`
}

type jobView struct {
	ID           string        `json:"id"`
	Status       string        `json:"status"`
	StageResults []stageResult `json:"stage_results"`
	Error        *jobError     `json:"error,omitempty"`
	CreatedAt    time.Time     `json:"created_at"`
	UpdatedAt    time.Time     `json:"updated_at"`
}

func main() {
	rootCmd := &cobra.Command{
		Use:   "pipectl",
		Short: "Operator CLI for the media pipeline orchestrator",
	}
	rootCmd.PersistentFlags().StringVar(&serverURL, "server", "http://localhost:8080", "orchestrator base URL")

	rootCmd.AddCommand(newSubmitCmd())
	rootCmd.AddCommand(newStatusCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

func newSubmitCmd() *cobra.Command {
	var opts jobOptions

	cmd := &cobra.Command{
		Use:   "submit <media-url>",
		Short: "Submit a media URL for processing",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			body, err := json.Marshal(submitRequest{MediaURL: args[0], Options: opts})
			if err != nil {
				return err
			}

			resp, err := http.Post(serverURL+"/jobs", "application/json", bytes.NewReader(body))
			if err != nil {
				return fmt.Errorf("submit request failed: %w", err)
			}
			defer resp.Body.Close()

			if resp.StatusCode != http.StatusAccepted {
				return decodeAPIError(resp)
			}

			var job jobView
			if err := json.NewDecoder(resp.Body).Decode(&job); err != nil {
				return fmt.Errorf("failed to decode response: %w", err)
			}
			fmt.Printf("Job accepted: %s (status: %s)\n", job.ID, job.Status)
			return nil
		},
	}

	cmd.Flags().BoolVar(&opts.NoiseReduce, "noise-reduce", false, "apply noise reduction during the transform stage")
	cmd.Flags().StringVar(&opts.Language, "language", "", "language hint for the extract stage (BCP 47 tag)")
	cmd.Flags().IntVar(&opts.SampleRate, "sample-rate", 0, "target sample rate for the transform stage")
	return cmd
}

func newStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status <job-id>",
		Short: "Show the status of a pipeline job",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			resp, err := http.Get(serverURL + "/jobs/" + args[0])
			if err != nil {
				return fmt.Errorf("status request failed: %w", err)
			}
			defer resp.Body.Close()

			if resp.StatusCode == http.StatusNotFound {
				return fmt.Errorf("job %s not found", args[0])
			}
			if resp.StatusCode != http.StatusOK {
				return decodeAPIError(resp)
			}

			var job jobView
			if err := json.NewDecoder(resp.Body).Decode(&job); err != nil {
				return fmt.Errorf("failed to decode response: %w", err)
			}
			renderJob(job)
			return nil
		},
	}
}

func renderJob(job jobView) {
	fmt.Printf("Job:     %s\n", job.ID)
	fmt.Printf("Status:  %s\n", job.Status)
	fmt.Printf("Created: %s\n", job.CreatedAt.Format(time.RFC3339))
	fmt.Printf("Updated: %s\n", job.UpdatedAt.Format(time.RFC3339))
	if job.Error != nil {
		fmt.Printf("Error:   [%s] %s\n", job.Error.Kind, job.Error.Message)
	}
	if len(job.StageResults) == 0 {
		return
	}

	t := table.NewWriter()
	t.SetOutputMirror(os.Stdout)
	t.AppendHeader(table.Row{"Stage", "Stage Job ID", "Completed At", "Error"})
	for _, r := range job.StageResults {
		t.AppendRow(table.Row{r.Stage, r.StageJobID, r.CompletedAt.Format(time.RFC3339), r.Error})
	}
	t.SetStyle(table.StyleLight)
	t.Render()
}

func decodeAPIError(resp *http.Response) error {
	var payload struct {
		Error json.RawMessage `json:"error"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil || len(payload.Error) == 0 {
		return fmt.Errorf("server returned %s", resp.Status)
	}
	var tagged jobError
	if err := json.Unmarshal(payload.Error, &tagged); err == nil && tagged.Message != "" {
		return fmt.Errorf("server returned %s: [%s] %s", resp.Status, tagged.Kind, tagged.Message)
	}
	return fmt.Errorf("server returned %s: %s", resp.Status, string(payload.Error))
}
