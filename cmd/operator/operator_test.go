package main

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"testing"
	"time"

	"github.com/Chapsvision-dev/postgres-pitr-backup-restore/internal/cluster"
	"github.com/Chapsvision-dev/postgres-pitr-backup-restore/internal/config"
	"github.com/Chapsvision-dev/postgres-pitr-backup-restore/internal/status"
)

/* ----------------------------- test harness ----------------------------- */

type exitPanic struct{ code int }

func patchExit(t *testing.T) func() {
	t.Helper()
	prev := exit
	exit = func(code int) { panic(exitPanic{code}) }
	return func() { exit = prev }
}

func mustExitCode(t *testing.T, fn func()) (code int) {
	t.Helper()
	defer func() {
		r := recover()
		if r == nil {
			t.Fatalf("expected os.Exit interception, got no panic")
		}
		if ep, ok := r.(exitPanic); ok {
			code = ep.code
			return
		}
		t.Fatalf("unexpected panic: %#v", r)
	}()
	fn()
	return 0
}

func withArgs(t *testing.T, args []string) func() {
	t.Helper()
	prev := os.Args
	os.Args = append([]string{prev[0]}, args...)
	return func() { os.Args = prev }
}

func captureStdout(t *testing.T) func() string {
	t.Helper()
	old := os.Stdout
	var buf bytes.Buffer
	r, w, _ := os.Pipe()
	os.Stdout = w

	done := make(chan struct{})
	go func() {
		_, _ = buf.ReadFrom(r)
		close(done)
	}()

	return func() string {
		_ = w.Close()
		<-done
		os.Stdout = old
		return buf.String()
	}
}

func resetSeams() {
	loadConfig = config.Load
	newCluster = cluster.New
	exit = os.Exit
}

// memConfig is a hermetic config: in-memory engine and in-memory storage,
// with a path prefix unique to the calling test.
func memConfig(t *testing.T) config.Config {
	t.Helper()
	return config.Config{
		Provider:          "memory",
		Profile:           config.ProfileTesting,
		Storage:           config.StorageConfig{Path: fmt.Sprintf("/postgresql/%s-%d", t.Name(), time.Now().UnixNano())},
		WALSegmentRecords: 16,
	}
}

/* --------------------------------- tests -------------------------------- */

// 1) No args -> prints usage, exit code 2
func TestUsage_NoArgs(t *testing.T) {
	resetSeams()
	defer patchExit(t)()
	defer withArgs(t, []string{})()

	restoreOut := captureStdout(t)
	code := mustExitCode(t, func() { main() })
	out := restoreOut()

	if code != 2 {
		t.Fatalf("want exit 2, got %d", code)
	}
	if !strings.Contains(out, "Usage:") {
		t.Fatalf("expected usage on stdout, got: %q", out)
	}
}

// 2) version -> prints version string, exit 0
func TestVersion(t *testing.T) {
	resetSeams()
	defer patchExit(t)()
	defer withArgs(t, []string{"version"})()

	restoreOut := captureStdout(t)
	code := mustExitCode(t, func() { main() })
	out := restoreOut()

	if code != 0 {
		t.Fatalf("want exit 0, got %d", code)
	}
	if !strings.Contains(out, "postgres-pitr-operator") {
		t.Fatalf("expected version line, got: %q", out)
	}
}

// 3) config error -> exit 1
func TestConfigError(t *testing.T) {
	resetSeams()
	defer resetSeams()
	defer patchExit(t)()
	defer withArgs(t, []string{"backup"})()

	loadConfig = func() (config.Config, error) {
		return config.Config{}, errors.New("boom")
	}

	code := mustExitCode(t, func() { main() })
	if code != 1 {
		t.Fatalf("want exit 1, got %d", code)
	}
}

// 4) backup then list: the listing carries the id printed by the backup run.
// Two separate main() invocations share the storage backend, so the second
// cluster discovers the first one's manifests.
func TestBackupThenList(t *testing.T) {
	resetSeams()
	defer resetSeams()
	defer patchExit(t)()

	cfg := memConfig(t)
	loadConfig = func() (config.Config, error) { return cfg, nil }

	undo := withArgs(t, []string{"backup"})
	restoreOut := captureStdout(t)
	code := mustExitCode(t, func() { main() })
	backupOut := restoreOut()
	undo()

	if code != 0 {
		t.Fatalf("backup: want exit 0, got %d (out: %q)", code, backupOut)
	}
	if !strings.Contains(backupOut, "completed") {
		t.Fatalf("backup: expected completion message, got: %q", backupOut)
	}

	// "backup <id> completed"
	fields := strings.Fields(strings.TrimSpace(backupOut))
	if len(fields) < 3 {
		t.Fatalf("backup: unexpected output: %q", backupOut)
	}
	id := fields[1]

	undo = withArgs(t, []string{"list"})
	restoreOut = captureStdout(t)
	code = mustExitCode(t, func() { main() })
	listOut := restoreOut()
	undo()

	if code != 0 {
		t.Fatalf("list: want exit 0, got %d", code)
	}
	if !strings.Contains(listOut, id) {
		t.Fatalf("list: expected id %q in listing, got: %q", id, listOut)
	}
}

// 5) restore runs to completion before the process exits: the command only
// returns once the unit reports the terminal blocked message.
func TestRestore_WaitsForConvergence(t *testing.T) {
	resetSeams()
	defer resetSeams()
	defer patchExit(t)()

	cfg := memConfig(t)
	loadConfig = func() (config.Config, error) { return cfg, nil }

	undo := withArgs(t, []string{"backup"})
	restoreOut := captureStdout(t)
	code := mustExitCode(t, func() { main() })
	backupOut := restoreOut()
	undo()
	if code != 0 {
		t.Fatalf("backup: want exit 0, got %d (out: %q)", code, backupOut)
	}
	id := strings.Fields(strings.TrimSpace(backupOut))[1]

	undo = withArgs(t, []string{"restore", id})
	restoreOut = captureStdout(t)
	code = mustExitCode(t, func() { main() })
	out := restoreOut()
	undo()

	if code != 0 {
		t.Fatalf("restore: want exit 0, got %d (out: %q)", code, out)
	}
	if !strings.Contains(out, "restore started") {
		t.Fatalf("expected trigger status, got: %q", out)
	}
	if !strings.Contains(out, status.MoveRestoredCluster) {
		t.Fatalf("expected terminal status, got: %q", out)
	}
}

// 6) an unreachable restore-to-time surfaces the blocked diagnostic and a
// non-zero exit, instead of the process leaving while the unit is blocked.
func TestRestore_UnreachableTargetExitsNonZero(t *testing.T) {
	resetSeams()
	defer resetSeams()
	defer patchExit(t)()

	cfg := memConfig(t)
	loadConfig = func() (config.Config, error) { return cfg, nil }

	undo := withArgs(t, []string{"backup"})
	restoreOut := captureStdout(t)
	code := mustExitCode(t, func() { main() })
	backupOut := restoreOut()
	undo()
	if code != 0 {
		t.Fatalf("backup: want exit 0, got %d", code)
	}
	id := strings.Fields(strings.TrimSpace(backupOut))[1]

	undo = withArgs(t, []string{"restore", id, "2030-01-01 00:00:00+00"})
	restoreOut = captureStdout(t)
	code = mustExitCode(t, func() { main() })
	out := restoreOut()
	undo()

	if code != 1 {
		t.Fatalf("want exit 1, got %d (out: %q)", code, out)
	}
	if !strings.Contains(out, status.CannotRestorePITR) {
		t.Fatalf("expected blocked diagnostic, got: %q", out)
	}
}

// 7) restore with a malformed restore-to-time fails immediately, exit 1
func TestRestore_MalformedTarget(t *testing.T) {
	resetSeams()
	defer resetSeams()
	defer patchExit(t)()
	defer withArgs(t, []string{"restore", "20240101-000000F", "not-a-timestamp"})()

	cfg := memConfig(t)
	loadConfig = func() (config.Config, error) { return cfg, nil }

	restoreOut := captureStdout(t)
	code := mustExitCode(t, func() { main() })
	_ = restoreOut()

	if code != 1 {
		t.Fatalf("want exit 1, got %d", code)
	}
}

// 8) restore without backup-id -> usage, exit 2
func TestRestore_MissingID(t *testing.T) {
	resetSeams()
	defer resetSeams()
	defer patchExit(t)()
	defer withArgs(t, []string{"restore"})()

	cfg := memConfig(t)
	loadConfig = func() (config.Config, error) { return cfg, nil }

	restoreOut := captureStdout(t)
	code := mustExitCode(t, func() { main() })
	out := restoreOut()

	if code != 2 {
		t.Fatalf("want exit 2, got %d", code)
	}
	if !strings.Contains(out, "Usage:") {
		t.Fatalf("expected usage, got: %q", out)
	}
}

// 9) withSignals: cancels context on interrupt
func TestWithSignals_CancelsOnInterrupt(t *testing.T) {
	ctx := withSignals(context.Background())

	time.AfterFunc(100*time.Millisecond, func() {
		p, _ := os.FindProcess(os.Getpid())
		_ = p.Signal(os.Interrupt)
	})

	select {
	case <-ctx.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("context not canceled after os.Interrupt")
	}

	signal.Reset(os.Interrupt)
}
