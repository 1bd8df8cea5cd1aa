package main

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestBuildCLI_HasExpectedSubcommandsAndFlags(t *testing.T) {
	cmd := buildCLI()

	if cmd.Use != "kill-cli" {
		t.Errorf("expected root command Use 'kill-cli', got %q", cmd.Use)
	}

	names := make(map[string]bool)
	for _, c := range cmd.Commands() {
		names[c.Name()] = true
	}
	if !names["kill"] {
		t.Error("expected a 'kill' subcommand")
	}
	if !names["status"] {
		t.Error("expected a 'status' subcommand")
	}

	if cmd.PersistentFlags().Lookup("url") == nil {
		t.Error("expected a --url persistent flag")
	}
	if cmd.PersistentFlags().Lookup("api-key") == nil {
		t.Error("expected an --api-key persistent flag")
	}
}

func TestBuildKillCommand_HasUnreachableFlagAndRequiresArgs(t *testing.T) {
	var url, apiKey string
	cmd := buildKillCommand(&url, &apiKey)

	if cmd.Flags().Lookup("unreachable") == nil {
		t.Error("expected an --unreachable flag")
	}
	if err := cmd.Args(cmd, []string{}); err == nil {
		t.Error("expected an error when no instance ids are given")
	}
	if err := cmd.Args(cmd, []string{"a"}); err != nil {
		t.Errorf("expected one instance id to be accepted, got error: %v", err)
	}
}

func TestBuildStatusCommand_RequiresExactlyOneArg(t *testing.T) {
	var url, apiKey string
	cmd := buildStatusCommand(&url, &apiKey)

	if err := cmd.Args(cmd, []string{}); err == nil {
		t.Error("expected an error with zero args")
	}
	if err := cmd.Args(cmd, []string{"tok1", "tok2"}); err == nil {
		t.Error("expected an error with more than one arg")
	}
	if err := cmd.Args(cmd, []string{"tok1"}); err != nil {
		t.Errorf("expected exactly one arg to be accepted, got error: %v", err)
	}
}

func TestSubmitKill_PostsExpectedBody(t *testing.T) {
	var gotMethod, gotPath, gotAuth string
	var gotBody map[string]any

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotMethod = r.Method
		gotPath = r.URL.Path
		gotAuth = r.Header.Get("Authorization")
		json.NewDecoder(r.Body).Decode(&gotBody)
		w.WriteHeader(http.StatusAccepted)
		json.NewEncoder(w).Encode(map[string]any{"token": "tok-1", "instanceIds": []string{"a", "b"}})
	}))
	defer server.Close()

	if err := submitKill(server.URL, "secret", []string{"a", "b"}, true); err != nil {
		t.Fatalf("submitKill failed: %v", err)
	}

	if gotMethod != http.MethodPost {
		t.Errorf("expected POST, got %s", gotMethod)
	}
	if gotPath != "/v1/instances/kill" {
		t.Errorf("expected path /v1/instances/kill, got %s", gotPath)
	}
	if gotAuth != "Bearer secret" {
		t.Errorf("expected Authorization header 'Bearer secret', got %q", gotAuth)
	}
	ids, _ := gotBody["instanceIds"].([]any)
	if len(ids) != 2 {
		t.Errorf("expected 2 instance ids in the request body, got %v", gotBody["instanceIds"])
	}
	if gotBody["unreachable"] != true {
		t.Errorf("expected unreachable=true in the request body, got %v", gotBody["unreachable"])
	}
}

func TestSubmitKill_NonSuccessStatusIsAnError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
		json.NewEncoder(w).Encode(map[string]string{"error": "no such instance"})
	}))
	defer server.Close()

	if err := submitKill(server.URL, "", []string{"missing"}, false); err == nil {
		t.Error("expected an error for a 404 response")
	}
}

func TestPollStatus_GetsExpectedPath(t *testing.T) {
	var gotPath string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		json.NewEncoder(w).Encode(map[string]string{"token": "tok-1", "status": "pending"})
	}))
	defer server.Close()

	if err := pollStatus(server.URL, "", "tok-1"); err != nil {
		t.Fatalf("pollStatus failed: %v", err)
	}
	if gotPath != "/v1/instances/kill/tok-1" {
		t.Errorf("expected path /v1/instances/kill/tok-1, got %s", gotPath)
	}
}
