package main

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

// isolate points the global config at an empty home so the user's own
// configuration never leaks into a test.
func isolate(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	t.Setenv("HOME", dir)
	t.Setenv("PIPELINE_WAREHOUSE_URL", "")
	return dir
}

func writeConfig(t *testing.T, dir, body string) string {
	t.Helper()
	path := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(path, []byte(body), 0644); err != nil {
		t.Fatal(err)
	}
	return path
}

func runCLI(args ...string) (code int, stdout, stderr string) {
	var out, errOut bytes.Buffer
	code = run(context.Background(), args, &out, &errOut)
	return code, out.String(), errOut.String()
}

func TestUnknownCommand(t *testing.T) {
	isolate(t)
	tests := [][]string{nil, {"deploy"}}
	for _, args := range tests {
		code, _, stderr := runCLI(args...)
		if code != exitConfig {
			t.Errorf("%v: exit %d, want %d", args, code, exitConfig)
		}
		if !strings.Contains(stderr, "usage:") {
			t.Errorf("%v: no usage in stderr: %q", args, stderr)
		}
	}
}

func TestGraphPrintsSparkifyBatches(t *testing.T) {
	dir := isolate(t)
	path := writeConfig(t, dir, "log:\n  level: warn\n")

	code, stdout, stderr := runCLI("graph", "-config", path)
	if code != exitOK {
		t.Fatalf("exit %d: %s", code, stderr)
	}
	for _, want := range []string{"udac_example_dag: 11 tasks", "Stage_events", "Run_data_quality_checks", "quality_check"} {
		if !strings.Contains(stdout, want) {
			t.Errorf("graph output missing %q:\n%s", want, stdout)
		}
	}
}

func TestGraphRejectsInvalidConfig(t *testing.T) {
	dir := isolate(t)
	path := writeConfig(t, dir, `
pipeline:
  tasks:
    - id: A
      kind: begin
      depends_on: [Missing]
`)
	code, _, stderr := runCLI("graph", "-config", path)
	if code != exitConfig {
		t.Errorf("exit %d, want %d", code, exitConfig)
	}
	if !strings.Contains(stderr, "Missing") {
		t.Errorf("stderr does not name the bad dependency: %q", stderr)
	}
}

func TestRunWithoutWarehouseIsConfigError(t *testing.T) {
	dir := isolate(t)
	path := writeConfig(t, dir, "history:\n  path: "+filepath.Join(dir, "history.db")+"\n")

	code, _, stderr := runCLI("run", "-config", path)
	if code != exitConfig {
		t.Errorf("exit %d, want %d", code, exitConfig)
	}
	if !strings.Contains(stderr, "warehouse url is required") {
		t.Errorf("stderr = %q", stderr)
	}
}

func TestRunRejectsMalformedAt(t *testing.T) {
	dir := isolate(t)
	path := writeConfig(t, dir, "warehouse:\n  url: postgres://localhost:1/dev\n")

	code, _, _ := runCLI("run", "-config", path, "-at", "tomorrow")
	if code != exitConfig {
		t.Errorf("exit %d, want %d", code, exitConfig)
	}
}

func TestHistoryEmpty(t *testing.T) {
	dir := isolate(t)
	path := writeConfig(t, dir, "history:\n  path: "+filepath.Join(dir, "history.db")+"\n")

	code, stdout, stderr := runCLI("history", "-config", path)
	if code != exitOK {
		t.Fatalf("exit %d: %s", code, stderr)
	}
	if !strings.Contains(stdout, "no runs recorded for udac_example_dag") {
		t.Errorf("stdout = %q", stdout)
	}
}

func TestInitConfig(t *testing.T) {
	dir := isolate(t)
	path := filepath.Join(dir, ".pipeline", "config.yaml")

	code, _, stderr := runCLI("init-config", "-path", path)
	if code != exitOK {
		t.Fatalf("exit %d: %s", code, stderr)
	}
	if _, err := os.Stat(path); err != nil {
		t.Fatalf("config not written: %v", err)
	}

	if code, _, _ := runCLI("init-config", "-path", path); code != exitConfig {
		t.Errorf("second write exit %d, want %d", code, exitConfig)
	}
	if code, _, _ := runCLI("init-config", "-path", path, "-force"); code != exitOK {
		t.Errorf("forced write exit %d, want %d", code, exitOK)
	}

	code, stdout, stderr := runCLI("graph", "-config", path)
	if code != exitOK {
		t.Fatalf("graph over written config: exit %d: %s", code, stderr)
	}
	if !strings.Contains(stdout, "Stop_execution") {
		t.Errorf("graph output missing Stop_execution")
	}
}
