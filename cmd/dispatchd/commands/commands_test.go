package commands

import (
	"bytes"
	"encoding/json"
	"path/filepath"
	"strings"
	"testing"

	"github.com/msageha/dispatchd/internal/status"
)

// execRoot runs the root command with args and returns stdout, stderr and
// the execution error.
func execRoot(t *testing.T, args ...string) (string, string, error) {
	t.Helper()
	var outBuf, errBuf bytes.Buffer
	cmd := NewRootCommand()
	cmd.SetOut(&outBuf)
	cmd.SetErr(&errBuf)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return outBuf.String(), errBuf.String(), err
}

func initFileStore(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	if _, _, err := execRoot(t, "init", dir, "--driver", "file"); err != nil {
		t.Fatalf("init: %v", err)
	}
	return dir
}

func queueCounts(t *testing.T, dir string) map[string]int {
	t.Helper()
	stdout, _, err := execRoot(t, "--dir", dir, "status", "--json")
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	var report status.Report
	if err := json.Unmarshal([]byte(stdout), &report); err != nil {
		t.Fatalf("decode status: %v\n%s", err, stdout)
	}
	counts := map[string]int{}
	for _, q := range report.Queue {
		counts[q.Status] = q.Count
	}
	return counts
}

func TestInit_WritesConfig(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "work")

	stdout, _, err := execRoot(t, "init", dir, "--targets", "local,docker")
	if err != nil {
		t.Fatalf("init: %v", err)
	}
	if !strings.Contains(stdout, "config.yaml") {
		t.Errorf("expected config path in output, got: %s", stdout)
	}

	_, _, err = execRoot(t, "init", dir)
	if err == nil || !strings.Contains(err.Error(), "already exists") {
		t.Errorf("second init: got %v, want already exists", err)
	}
}

func TestInit_UsesDirFlag(t *testing.T) {
	dir := t.TempDir()
	if _, _, err := execRoot(t, "--dir", dir, "init"); err != nil {
		t.Fatalf("init: %v", err)
	}
	if _, _, err := execRoot(t, "init", dir); err == nil {
		t.Error("expected config to exist under --dir")
	}
}

func TestEnqueue_ThenStatusAndPurge(t *testing.T) {
	dir := initFileStore(t)

	stdout, _, err := execRoot(t, "--dir", dir, "enqueue",
		"--task", "5", "--action", "submit", "--target", "local", "--action-info", dir)
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if !strings.Contains(stdout, "Queued SUBMIT for task 5") {
		t.Errorf("unexpected output: %s", stdout)
	}

	if got := queueCounts(t, dir)["QUEUED"]; got != 1 {
		t.Errorf("QUEUED: got %d, want 1", got)
	}

	if _, _, err := execRoot(t, "--dir", dir, "purge", "--task", "5"); err != nil {
		t.Fatalf("purge: %v", err)
	}
	if got := queueCounts(t, dir)["QUEUED"]; got != 0 {
		t.Errorf("QUEUED after purge: got %d, want 0", got)
	}
}

func TestEnqueue_RejectsBadInput(t *testing.T) {
	dir := initFileStore(t)

	_, _, err := execRoot(t, "--dir", dir, "enqueue", "--task", "1", "--action", "REBOOT", "--target", "local")
	if err == nil || !strings.Contains(err.Error(), "unknown action") {
		t.Errorf("unknown action: got %v", err)
	}

	_, _, err = execRoot(t, "--dir", dir, "enqueue", "--task", "0", "--action", "SUBMIT", "--target", "local")
	if err == nil || !strings.Contains(err.Error(), "--task") {
		t.Errorf("zero task: got %v", err)
	}

	_, _, err = execRoot(t, "--dir", dir, "enqueue", "--action", "SUBMIT")
	if err == nil {
		t.Error("missing required flags: expected error")
	}
}

func TestEnqueue_Duplicate(t *testing.T) {
	dir := initFileStore(t)
	args := []string{"--dir", dir, "enqueue", "--task", "9", "--action", "CANCEL", "--target", "local"}

	if _, _, err := execRoot(t, args...); err != nil {
		t.Fatalf("first enqueue: %v", err)
	}
	if _, _, err := execRoot(t, args...); err == nil {
		t.Error("second enqueue of the same action: expected error")
	}
}

func TestStatus_TextWithoutDaemon(t *testing.T) {
	dir := initFileStore(t)

	stdout, _, err := execRoot(t, "--dir", dir, "status")
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if !strings.Contains(stdout, "Daemon: stopped") {
		t.Errorf("expected stopped daemon, got: %s", stdout)
	}
}

func TestCtl_NoDaemon(t *testing.T) {
	dir := t.TempDir()

	_, _, err := execRoot(t, "--dir", dir, "ctl", "ping", "--timeout", "200ms")
	if err == nil || !strings.Contains(err.Error(), "ping") {
		t.Errorf("ping without daemon: got %v", err)
	}
}

func TestVersion(t *testing.T) {
	stdout, _, err := execRoot(t, "version")
	if err != nil {
		t.Fatalf("version: %v", err)
	}
	if !strings.HasPrefix(stdout, "dispatchd "+Version) {
		t.Errorf("unexpected output: %s", stdout)
	}
}
