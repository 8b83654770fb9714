package policy

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

const stagingRego = `# Approves staging deployments
# from protected branches.
package goalflow.approval.staging

import rego.v1

approve contains "protected branch" if input.change_event.branch == "main"
`

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatalf("Failed to create dir: %v", err)
	}
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("Failed to write test file: %v", err)
	}
}

func TestLoadFromFile_Rego(t *testing.T) {
	loader := NewLoader(zerolog.New(nil).Level(zerolog.Disabled))

	policyFile := filepath.Join(t.TempDir(), "staging-policy.rego")
	writeFile(t, policyFile, stagingRego)

	policy, err := loader.loadFromFile(policyFile)
	if err != nil {
		t.Fatalf("Failed to load policy: %v", err)
	}

	if policy.Name != "staging-policy" {
		t.Errorf("Expected name 'staging-policy', got '%s'", policy.Name)
	}
	if policy.Rego != stagingRego {
		t.Error("Rego content doesn't match")
	}
	if !policy.Enabled {
		t.Error("Policy should be enabled by default")
	}
	if policy.Description != "Approves staging deployments from protected branches." {
		t.Errorf("Unexpected description %q", policy.Description)
	}
	if policy.Source != policyFile {
		t.Errorf("Expected source %s, got %s", policyFile, policy.Source)
	}
}

func TestLoadFromFile_JSON(t *testing.T) {
	loader := NewLoader(zerolog.New(nil).Level(zerolog.Disabled))
	dir := t.TempDir()

	named := filepath.Join(dir, "named.json")
	writeFile(t, named, `{"name": "json-policy", "description": "from json", "rego": "package goalflow.approval.j\n", "builtin": true}`)
	policy, err := loader.loadFromFile(named)
	if err != nil {
		t.Fatalf("Failed to load policy: %v", err)
	}
	if policy.Name != "json-policy" || !policy.Enabled {
		t.Errorf("Unexpected policy %+v", policy)
	}
	if policy.Builtin {
		t.Error("Files cannot declare built-in policies")
	}

	disabled := filepath.Join(dir, "off.json")
	writeFile(t, disabled, `{"rego": "package goalflow.approval.off\n", "enabled": false}`)
	policy, err = loader.loadFromFile(disabled)
	if err != nil {
		t.Fatalf("Failed to load policy: %v", err)
	}
	if policy.Name != "off" {
		t.Errorf("Expected name from file, got %s", policy.Name)
	}
	if policy.Enabled {
		t.Error("Expected explicit enabled=false to be kept")
	}

	broken := filepath.Join(dir, "broken.json")
	writeFile(t, broken, `{not json`)
	if _, err := loader.loadFromFile(broken); err == nil {
		t.Error("Expected error for malformed JSON")
	}
}

func TestLoadFromPaths(t *testing.T) {
	loader := NewLoader(zerolog.New(nil).Level(zerolog.Disabled))
	dir := t.TempDir()

	writeFile(t, filepath.Join(dir, "a.rego"), stagingRego)
	writeFile(t, filepath.Join(dir, "nested", "b.rego"), "package goalflow.approval.b\n")
	writeFile(t, filepath.Join(dir, "README.md"), "ignored")
	writeFile(t, filepath.Join(dir, "bad.json"), "{")

	policies, err := loader.LoadFromPaths(context.Background(), []string{dir})
	if err != nil {
		t.Fatalf("LoadFromPaths failed: %v", err)
	}
	if len(policies) != 2 {
		t.Fatalf("Expected 2 policies, got %d", len(policies))
	}

	if _, err := loader.LoadFromPaths(context.Background(), []string{filepath.Join(dir, "missing")}); err == nil {
		t.Error("Expected error for missing path")
	}
}

func TestEngineLoadPolicies(t *testing.T) {
	eng := newTestEngine(t)
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "staging.rego"), stagingRego)

	if err := eng.LoadPolicies(context.Background(), []string{dir}); err != nil {
		t.Fatalf("LoadPolicies failed: %v", err)
	}

	verdict, err := eng.Evaluate(context.Background(), gate("approval", "deployToStaging", "staging", "main", nil))
	if err != nil {
		t.Fatalf("Evaluate failed: %v", err)
	}
	if verdict.Outcome != OutcomeApprove || verdict.Policy != "staging" {
		t.Errorf("Expected approve by staging, got %s by %s", verdict.Outcome, verdict.Policy)
	}
}

func TestWatch_Reloads(t *testing.T) {
	loader := NewLoader(zerolog.New(nil).Level(zerolog.Disabled))
	loader.delay = 20 * time.Millisecond
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "a.rego"), stagingRego)

	var mu sync.Mutex
	var loads [][]Policy
	reloaded := make(chan struct{}, 10)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	err := loader.Watch(ctx, []string{dir}, func(policies []Policy) error {
		mu.Lock()
		loads = append(loads, policies)
		mu.Unlock()
		reloaded <- struct{}{}
		return nil
	})
	if err != nil {
		t.Fatalf("Watch failed: %v", err)
	}
	defer loader.StopWatching()

	writeFile(t, filepath.Join(dir, "b.rego"), "package goalflow.approval.b\n")

	select {
	case <-reloaded:
	case <-time.After(5 * time.Second):
		t.Fatal("Timed out waiting for reload")
	}

	mu.Lock()
	last := loads[len(loads)-1]
	mu.Unlock()
	if len(last) != 2 {
		t.Errorf("Expected 2 policies after reload, got %d", len(last))
	}

	if err := os.Remove(filepath.Join(dir, "a.rego")); err != nil {
		t.Fatalf("Remove failed: %v", err)
	}

	deadline := time.After(5 * time.Second)
	for {
		select {
		case <-reloaded:
		case <-deadline:
			t.Fatal("Timed out waiting for reload after remove")
		}
		mu.Lock()
		n := len(loads[len(loads)-1])
		mu.Unlock()
		if n == 1 {
			return
		}
	}
}

func TestStopWatching_NotStarted(t *testing.T) {
	loader := NewLoader(zerolog.New(nil).Level(zerolog.Disabled))
	if err := loader.StopWatching(); err != nil {
		t.Errorf("StopWatching without Watch should be a no-op: %v", err)
	}
}
