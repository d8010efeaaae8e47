// Package main implements the storyctl CLI for manual operations
// against the storyd HTTP server.
package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"
)

var (
	// serverURL is the base URL for the storyd HTTP server
	serverURL string
	// version information
	version = "dev"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "storyctl",
	Short: "CLI for storyd HTTP server operations",
	Long: `storyctl is a command-line interface for interacting with the storyd HTTP server.
It provides commands for enqueueing stories, inspecting the backlog, and
resolving escalations.`,
	Version: version,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&serverURL, "server", "http://localhost:9090", "storyd server URL")
	rootCmd.AddCommand(enqueueCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(queueCmd)
	rootCmd.AddCommand(nextCmd)
	rootCmd.AddCommand(decideCmd)
	rootCmd.AddCommand(eventsCmd)
	rootCmd.AddCommand(healthCmd)
}

var (
	enqueuePriority string
	enqueueFeature  string
	enqueueDeps     []string
)

// enqueueCmd admits a story to the backlog
var enqueueCmd = &cobra.Command{
	Use:   "enqueue <story-id>",
	Short: "Enqueue a story",
	Long: `Enqueue a story into the storyd backlog.

Examples:
  # Enqueue a P1 story
  storyctl enqueue story-101 --feature user-login --priority P1

  # Enqueue with dependencies
  storyctl enqueue story-102 --feature user-login --priority P0 --deps story-101`,
	Args: cobra.ExactArgs(1),
	RunE: runEnqueue,
}

// statusCmd shows one story
var statusCmd = &cobra.Command{
	Use:   "status <story-id>",
	Short: "Show a story's current stage and status",
	Args:  cobra.ExactArgs(1),
	RunE:  runStatus,
}

// queueCmd summarizes the backlog
var queueCmd = &cobra.Command{
	Use:   "queue",
	Short: "Summarize the backlog by status and priority",
	RunE:  runQueue,
}

var nextAgent string

// nextCmd dispatches the next eligible story
var nextCmd = &cobra.Command{
	Use:   "next",
	Short: "Dispatch the next eligible assignment",
	Long: `Dispatch the next eligible assignment, optionally filtered by agent type.

Examples:
  # Any agent
  storyctl next

  # Only design work
  storyctl next --agent designer`,
	RunE: runNext,
}

var decideTarget string

// decideCmd resolves an escalation
var decideCmd = &cobra.Command{
	Use:   "decide <story-id> <resume|reject>",
	Short: "Apply a decision to an escalated story",
	Long: `Apply an external decision to an escalated story.

Examples:
  # Re-inject at the implementation stage
  storyctl decide story-101 resume --target implementation

  # Abandon the story
  storyctl decide story-101 reject`,
	Args: cobra.ExactArgs(2),
	RunE: runDecide,
}

// eventsCmd prints a story's event history
var eventsCmd = &cobra.Command{
	Use:   "events <story-id>",
	Short: "Print a story's event history",
	Args:  cobra.ExactArgs(1),
	RunE:  runEvents,
}

// healthCmd checks server health
var healthCmd = &cobra.Command{
	Use:   "health",
	Short: "Check storyd server health",
	RunE:  runHealth,
}

func init() {
	enqueueCmd.Flags().StringVar(&enqueuePriority, "priority", "P2", "priority tier (P0..P3)")
	enqueueCmd.Flags().StringVar(&enqueueFeature, "feature", "", "parent feature name")
	enqueueCmd.Flags().StringSliceVar(&enqueueDeps, "deps", nil, "story IDs this story depends on")
	nextCmd.Flags().StringVar(&nextAgent, "agent", "", "agent type to dispatch for")
	decideCmd.Flags().StringVar(&decideTarget, "target", "", "stage to resume at (required for resume)")
}

// postJSON sends a JSON request and returns the decoded response body.
func postJSON(path string, body any) (map[string]any, error) {
	reqJSON, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	url := serverURL + path
	req, err := http.NewRequest("POST", url, bytes.NewReader(reqJSON))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	client := &http.Client{Timeout: 30 * time.Second}
	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to send request to %s: %w", url, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNoContent {
		return nil, nil
	}
	if resp.StatusCode >= 300 {
		body, readErr := io.ReadAll(resp.Body)
		if readErr != nil {
			return nil, fmt.Errorf("server returned status %d (failed to read response body: %w)", resp.StatusCode, readErr)
		}
		return nil, fmt.Errorf("server returned status %d: %s", resp.StatusCode, string(body))
	}

	var out map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("failed to decode response: %w", err)
	}
	return out, nil
}

// getJSON fetches a path and decodes the response into out.
func getJSON(path string, out any) error {
	url := serverURL + path
	client := &http.Client{Timeout: 10 * time.Second}
	resp, err := client.Get(url)
	if err != nil {
		return fmt.Errorf("failed to connect to %s: %w", url, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, readErr := io.ReadAll(resp.Body)
		if readErr != nil {
			return fmt.Errorf("server returned status %d (failed to read response body: %w)", resp.StatusCode, readErr)
		}
		return fmt.Errorf("server returned status %d: %s", resp.StatusCode, string(body))
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func runEnqueue(cmd *cobra.Command, args []string) error {
	resp, err := postJSON("/v1/stories", map[string]any{
		"id":             args[0],
		"parent_feature": enqueueFeature,
		"priority":       strings.ToUpper(enqueuePriority),
		"dependencies":   enqueueDeps,
	})
	if err != nil {
		return err
	}
	fmt.Fprintf(os.Stderr, "[storyctl] enqueued %s\n", args[0])
	return printJSON(resp)
}

func runStatus(cmd *cobra.Command, args []string) error {
	var story map[string]any
	if err := getJSON("/v1/stories/"+args[0], &story); err != nil {
		return err
	}
	return printJSON(story)
}

func runQueue(cmd *cobra.Command, args []string) error {
	var status map[string]any
	if err := getJSON("/v1/queue", &status); err != nil {
		return err
	}
	return printJSON(status)
}

func runNext(cmd *cobra.Command, args []string) error {
	resp, err := postJSON("/v1/next", map[string]any{"agent_type": nextAgent})
	if err != nil {
		return err
	}
	if resp == nil {
		fmt.Fprintln(os.Stderr, "[storyctl] nothing eligible")
		return nil
	}
	return printJSON(resp)
}

func runDecide(cmd *cobra.Command, args []string) error {
	decision := strings.ToLower(args[1])
	if decision == "resume" && decideTarget == "" {
		return fmt.Errorf("--target is required for resume")
	}
	resp, err := postJSON("/v1/decisions", map[string]any{
		"story_id":     args[0],
		"decision":     decision,
		"target_stage": decideTarget,
	})
	if err != nil {
		return err
	}
	return printJSON(resp)
}

func runEvents(cmd *cobra.Command, args []string) error {
	var events []map[string]any
	if err := getJSON("/v1/stories/"+args[0]+"/events", &events); err != nil {
		return err
	}
	return printJSON(events)
}

// HealthResponse matches pkg/server HealthResponse
type HealthResponse struct {
	Status string `json:"status"`
}

func runHealth(cmd *cobra.Command, args []string) error {
	var health HealthResponse
	if err := getJSON("/health", &health); err != nil {
		return err
	}
	fmt.Printf("Server Status: %s\n", health.Status)
	return nil
}
