package process

import (
	"bufio"
	"context"
	"errors"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"strings"
	"syscall"
	"testing"
	"time"
)

func requireUnix(t *testing.T) {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("tests require sh on Unix-like systems")
	}
}

// fakeCloudflared writes an executable shell script standing in for cloudflared.
func fakeCloudflared(t *testing.T, body string) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), "cloudflared")
	if err := os.WriteFile(p, []byte("#!/bin/sh\n"+body+"\n"), 0o755); err != nil {
		t.Fatalf("write fake cloudflared: %v", err)
	}
	return p
}

func waitDone(t *testing.T, h *Handle, d time.Duration) {
	t.Helper()
	select {
	case <-h.Done():
	case <-time.After(d):
		t.Fatalf("process %d did not exit within %v", h.PID(), d)
	}
}

func TestSpecArgs(t *testing.T) {
	s := Spec{Path: "/usr/bin/cloudflared", TargetURL: "http://localhost:8080"}
	got := strings.Join(s.Args(), " ")
	if got != "tunnel --url http://localhost:8080" {
		t.Fatalf("unexpected args: %q", got)
	}
	s.ExtraArgs = []string{"--no-autoupdate"}
	if got := strings.Join(s.Args(), " "); got != "tunnel --url http://localhost:8080 --no-autoupdate" {
		t.Fatalf("extra args not appended: %q", got)
	}
}

func TestEnsureStartedPassesTunnelArgs(t *testing.T) {
	requireUnix(t)
	path := fakeCloudflared(t, `echo "$@"`)
	sup := NewSupervisor()
	h, err := sup.EnsureStarted(Spec{Path: path, TargetURL: "http://localhost:9999"})
	if err != nil {
		t.Fatalf("EnsureStarted: %v", err)
	}
	b, err := io.ReadAll(h.Output())
	if err != nil {
		t.Fatalf("read output: %v", err)
	}
	if strings.TrimSpace(string(b)) != "tunnel --url http://localhost:9999" {
		t.Fatalf("unexpected argv: %q", string(b))
	}
	waitDone(t, h, 2*time.Second)
}

func TestEnsureStartedIdempotent(t *testing.T) {
	requireUnix(t)
	path := fakeCloudflared(t, "exec sleep 5")
	sup := NewSupervisor()
	spec := Spec{Path: path, TargetURL: "http://localhost:8080"}

	h1, err := sup.EnsureStarted(spec)
	if err != nil {
		t.Fatalf("first start: %v", err)
	}
	h2, err := sup.EnsureStarted(spec)
	if err != nil {
		t.Fatalf("second start: %v", err)
	}
	if h1 != h2 {
		t.Fatalf("expected same handle, got pids %d and %d", h1.PID(), h2.PID())
	}
	if sup.Starts() != 1 {
		t.Fatalf("expected 1 start, got %d", sup.Starts())
	}
	if !sup.IsAlive(h1) {
		t.Fatalf("expected handle alive")
	}
	out, err := sup.Stop(h1, 2*time.Second)
	if err != nil || out != StopGraceful {
		t.Fatalf("stop: outcome=%v err=%v", out, err)
	}
	if sup.Current() != nil {
		t.Fatalf("expected no current handle after stop")
	}
}

func TestEnsureStartedRespawnsAfterExit(t *testing.T) {
	requireUnix(t)
	path := fakeCloudflared(t, "exit 0")
	sup := NewSupervisor()
	spec := Spec{Path: path, TargetURL: "http://localhost:8080"}

	h1, err := sup.EnsureStarted(spec)
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	waitDone(t, h1, 2*time.Second)
	if sup.IsAlive(h1) {
		t.Fatalf("expected exited handle to be reported dead")
	}
	h2, err := sup.EnsureStarted(spec)
	if err != nil {
		t.Fatalf("restart: %v", err)
	}
	if h1 == h2 {
		t.Fatalf("expected a fresh handle")
	}
	if h1.State() != StateAlreadyDead {
		t.Fatalf("old handle state = %v, want already_dead", h1.State())
	}
	if sup.Starts() != 2 || h2.Seq() != 2 {
		t.Fatalf("start counter not advanced: starts=%d seq=%d", sup.Starts(), h2.Seq())
	}
	waitDone(t, h2, 2*time.Second)
}

func TestMergedOutputKeepsOrder(t *testing.T) {
	requireUnix(t)
	path := fakeCloudflared(t, "echo one; echo two 1>&2; echo three")
	sup := NewSupervisor()
	h, err := sup.EnsureStarted(Spec{Path: path, TargetURL: "http://x"})
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	b, err := io.ReadAll(h.Output())
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if string(b) != "one\ntwo\nthree\n" {
		t.Fatalf("unexpected merged output: %q", string(b))
	}
	waitDone(t, h, 2*time.Second)
}

func TestStopAlreadyDead(t *testing.T) {
	requireUnix(t)
	path := fakeCloudflared(t, "exit 3")
	sup := NewSupervisor()
	h, err := sup.EnsureStarted(Spec{Path: path, TargetURL: "http://x"})
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	waitDone(t, h, 2*time.Second)
	out, err := sup.Stop(h, time.Second)
	if err != nil {
		t.Fatalf("stop of dead process must not error: %v", err)
	}
	if out != StopAlreadyDead {
		t.Fatalf("outcome = %v, want already_dead", out)
	}
	var ee *exec.ExitError
	if !errors.As(h.ExitErr(), &ee) {
		t.Fatalf("expected exit error, got %v", h.ExitErr())
	}
}

func TestStopForcedWhenTermIgnored(t *testing.T) {
	requireUnix(t)
	path := fakeCloudflared(t, "trap '' TERM\necho ready\nexec sleep 30")
	sup := NewSupervisor()
	h, err := sup.EnsureStarted(Spec{Path: path, TargetURL: "http://x"})
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	line, err := bufio.NewReader(h.Output()).ReadString('\n')
	if err != nil || strings.TrimSpace(line) != "ready" {
		t.Fatalf("waiting for trap: line=%q err=%v", line, err)
	}

	start := time.Now()
	out, err := sup.Stop(h, 200*time.Millisecond)
	if err != nil {
		t.Fatalf("stop: %v", err)
	}
	if out != StopForced {
		t.Fatalf("outcome = %v, want forced", out)
	}
	if elapsed := time.Since(start); elapsed < 200*time.Millisecond || elapsed > 3*time.Second {
		t.Fatalf("stop took %v", elapsed)
	}
	if h.Alive() {
		t.Fatalf("process still alive after forced stop")
	}
}

func TestStopIsIdempotent(t *testing.T) {
	requireUnix(t)
	path := fakeCloudflared(t, "exec sleep 5")
	sup := NewSupervisor()
	h, err := sup.EnsureStarted(Spec{Path: path, TargetURL: "http://x"})
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	first, err := sup.Stop(h, time.Second)
	if err != nil {
		t.Fatalf("first stop: %v", err)
	}
	second, err := sup.Stop(h, time.Second)
	if err != nil || second != first {
		t.Fatalf("second stop = %v,%v want %v,nil", second, err, first)
	}
	if h.State() != StateGracefulExit {
		t.Fatalf("state = %v", h.State())
	}
}

func TestStopNilHandle(t *testing.T) {
	var h *Handle
	out, err := h.Stop(time.Second)
	if err != nil || out != StopAlreadyDead {
		t.Fatalf("nil stop = %v,%v", out, err)
	}
	if h.Alive() {
		t.Fatalf("nil handle reported alive")
	}
}

func TestEnsureStartedMissingBinary(t *testing.T) {
	sup := NewSupervisor()
	_, err := sup.EnsureStarted(Spec{Path: filepath.Join(t.TempDir(), "no-such-cloudflared"), TargetURL: "http://x"})
	if err == nil {
		t.Fatalf("expected start error")
	}
	if !IsStartError(err) {
		t.Fatalf("expected *StartError, got %T: %v", err, err)
	}
	if sup.Starts() != 0 {
		t.Fatalf("failed spawn must not count as a start")
	}
}

func TestEnsureStartedNotExecutable(t *testing.T) {
	requireUnix(t)
	p := filepath.Join(t.TempDir(), "cloudflared")
	if err := os.WriteFile(p, []byte("#!/bin/sh\nexit 0\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	_, err := NewSupervisor().EnsureStarted(Spec{Path: p, TargetURL: "http://x"})
	if !IsStartError(err) {
		t.Fatalf("expected start error for non-executable file, got %v", err)
	}
}

func TestSetpgidApplied(t *testing.T) {
	requireUnix(t)
	cmd := Spec{Path: "cloudflared", TargetURL: "http://x"}.BuildCommand()
	configureSysProcAttr(cmd)
	if cmd.SysProcAttr == nil || !cmd.SysProcAttr.Setpgid {
		t.Fatalf("SysProcAttr Setpgid not set")
	}
}

func TestPIDFileWrittenAndRemoved(t *testing.T) {
	requireUnix(t)
	path := fakeCloudflared(t, "exec sleep 5")
	pidfile := filepath.Join(t.TempDir(), "run", "cloudflared.pid")
	sup := NewSupervisor()
	h, err := sup.EnsureStarted(Spec{Path: path, TargetURL: "http://localhost:1", PIDFile: pidfile})
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	pid, info, err := ReadPIDFile(pidfile)
	if err != nil {
		t.Fatalf("ReadPIDFile: %v", err)
	}
	if pid != h.PID() {
		t.Fatalf("pid mismatch: got %d want %d", pid, h.PID())
	}
	if info == nil || info.TargetURL != "http://localhost:1" {
		t.Fatalf("metadata not persisted: %+v", info)
	}
	if _, err := sup.Stop(h, time.Second); err != nil {
		t.Fatalf("stop: %v", err)
	}
	if _, err := os.Stat(pidfile); !errors.Is(err, os.ErrNotExist) {
		t.Fatalf("pidfile should be removed after stop, stat err=%v", err)
	}
}

func TestReadPIDFileLegacyFormat(t *testing.T) {
	pidfile := filepath.Join(t.TempDir(), "legacy.pid")
	if err := os.WriteFile(pidfile, []byte("12345\n"), 0o600); err != nil {
		t.Fatalf("write legacy: %v", err)
	}
	pid, info, err := ReadPIDFile(pidfile)
	if err != nil || pid != 12345 || info != nil {
		t.Fatalf("got pid=%d info=%v err=%v", pid, info, err)
	}
}

func TestReadPIDFileGarbage(t *testing.T) {
	pidfile := filepath.Join(t.TempDir(), "bad.pid")
	if err := os.WriteFile(pidfile, []byte("not-a-pid\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	if _, _, err := ReadPIDFile(pidfile); err == nil {
		t.Fatalf("expected parse error")
	}
}

func TestReapOrphanStopsRecordedProcess(t *testing.T) {
	requireUnix(t)
	// #nosec G204
	cmd := exec.Command("sleep", "30")
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	if err := cmd.Start(); err != nil {
		t.Fatalf("start sleep: %v", err)
	}
	waited := make(chan struct{})
	go func() { _ = cmd.Wait(); close(waited) }()

	pidfile := filepath.Join(t.TempDir(), "orphan.pid")
	if err := WritePIDFile(pidfile, cmd.Process.Pid, Spec{Path: "sleep"}); err != nil {
		t.Fatalf("write pidfile: %v", err)
	}
	pid, err := ReapOrphan(pidfile, 2*time.Second)
	if err != nil {
		t.Fatalf("ReapOrphan: %v", err)
	}
	if pid != cmd.Process.Pid {
		t.Fatalf("reaped pid %d, want %d", pid, cmd.Process.Pid)
	}
	select {
	case <-waited:
	case <-time.After(3 * time.Second):
		t.Fatalf("orphan still running")
	}
	if _, err := os.Stat(pidfile); !errors.Is(err, os.ErrNotExist) {
		t.Fatalf("pidfile not removed")
	}
}

func TestReapOrphanMissingFile(t *testing.T) {
	pid, err := ReapOrphan(filepath.Join(t.TempDir(), "none.pid"), time.Second)
	if err != nil || pid != 0 {
		t.Fatalf("got pid=%d err=%v", pid, err)
	}
}

func TestResolvePath(t *testing.T) {
	requireUnix(t)
	path := fakeCloudflared(t, "exit 0")
	got, err := ResolvePath(path)
	if err != nil || got != path {
		t.Fatalf("ResolvePath(%q) = %q, %v", path, got, err)
	}
	_, err = ResolvePath(filepath.Join(t.TempDir(), "missing"))
	if !errors.Is(err, ErrBinaryNotFound) {
		t.Fatalf("expected ErrBinaryNotFound, got %v", err)
	}
}

func TestVersion(t *testing.T) {
	requireUnix(t)
	path := fakeCloudflared(t, `echo "cloudflared version 2024.1.5 (built 2024-01-22)"`)
	v, err := Version(context.Background(), path)
	if err != nil {
		t.Fatalf("Version: %v", err)
	}
	if !strings.HasPrefix(v, "cloudflared version 2024.1.5") {
		t.Fatalf("unexpected version line %q", v)
	}
	if _, err := Version(context.Background(), filepath.Join(t.TempDir(), "missing")); !IsStartError(err) {
		t.Fatalf("expected start error for missing binary, got %v", err)
	}
}

func TestProcStartOfSelf(t *testing.T) {
	got := getProcStartUnix(os.Getpid())
	now := time.Now().Unix()
	if got <= 0 || got > now+1 {
		t.Fatalf("start time %d not in (0, %d]", got, now+1)
	}
	if getProcStartUnix(0) != 0 || getProcStartUnix(-5) != 0 {
		t.Fatalf("non-positive pid should report 0")
	}
}
