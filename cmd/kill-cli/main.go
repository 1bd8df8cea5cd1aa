// kill-cli is a command-line client for the jobs-service kill endpoints.
package main

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"
)

func main() {
	if err := buildCLI().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func buildCLI() *cobra.Command {
	var baseURL string
	var apiKey string

	rootCmd := &cobra.Command{
		Use:   "kill-cli",
		Short: "Submit and track instance kill requests against a jobs-service",
		Long: `kill-cli talks to a running jobs-service's /v1/instances/kill
endpoints to submit termination batches and poll their completion.`,
		Version: "1.0.0",
	}

	rootCmd.PersistentFlags().StringVar(&baseURL, "url", "http://localhost:8080", "jobs-service base URL")
	rootCmd.PersistentFlags().StringVar(&apiKey, "api-key", "", "API key, if the service requires auth")

	rootCmd.AddCommand(buildKillCommand(&baseURL, &apiKey))
	rootCmd.AddCommand(buildStatusCommand(&baseURL, &apiKey))

	return rootCmd
}

func buildKillCommand(baseURL, apiKey *string) *cobra.Command {
	var unreachable bool

	cmd := &cobra.Command{
		Use:   "kill [instanceId...]",
		Short: "Submit instances for termination",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return submitKill(*baseURL, *apiKey, args, unreachable)
		},
	}

	cmd.Flags().BoolVar(&unreachable, "unreachable", false, "mark the submitted instances as unreachable (forces expunge)")

	return cmd
}

func buildStatusCommand(baseURL, apiKey *string) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "status <token>",
		Short: "Check whether a submitted kill batch has completed",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return pollStatus(*baseURL, *apiKey, args[0])
		},
	}
	return cmd
}

func newRequest(method, url, apiKey string, body io.Reader) (*http.Request, error) {
	req, err := http.NewRequest(method, url, body)
	if err != nil {
		return nil, err
	}
	if apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+apiKey)
	}
	req.Header.Set("Content-Type", "application/json")
	return req, nil
}

func submitKill(baseURL, apiKey string, instanceIds []string, unreachable bool) error {
	payload, err := json.Marshal(map[string]any{
		"instanceIds": instanceIds,
		"unreachable": unreachable,
	})
	if err != nil {
		return err
	}

	req, err := newRequest(http.MethodPost, strings.TrimRight(baseURL, "/")+"/v1/instances/kill", apiKey, strings.NewReader(string(payload)))
	if err != nil {
		return err
	}

	client := &http.Client{Timeout: 10 * time.Second}
	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	return printResponse(resp)
}

func pollStatus(baseURL, apiKey, token string) error {
	req, err := newRequest(http.MethodGet, strings.TrimRight(baseURL, "/")+"/v1/instances/kill/"+token, apiKey, nil)
	if err != nil {
		return err
	}

	client := &http.Client{Timeout: 10 * time.Second}
	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	return printResponse(resp)
}

func printResponse(resp *http.Response) error {
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}

	var pretty any
	if err := json.Unmarshal(body, &pretty); err == nil {
		encoded, _ := json.MarshalIndent(pretty, "", "  ")
		fmt.Println(string(encoded))
	} else {
		fmt.Println(string(body))
	}

	if resp.StatusCode >= 400 {
		return fmt.Errorf("request failed with status %d", resp.StatusCode)
	}
	return nil
}
