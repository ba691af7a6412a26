//go:build !windows

package agent

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/hugo-lorenzo-mato/agentbatch/internal/core"
	"github.com/hugo-lorenzo-mato/agentbatch/internal/testutil"
)

// fakeAgent writes a shell script that plays the agent CLI.
func fakeAgent(t *testing.T, script string) string {
	t.Helper()
	path := filepath.Join(testutil.TempDir(t), "fakeagent")
	content := "#!/bin/sh\n" + script + "\n"
	if err := os.WriteFile(path, []byte(content), 0o755); err != nil {
		t.Fatal(err)
	}
	return path
}

func newTestRunner(t *testing.T, bin string) *Runner {
	t.Helper()
	return NewRunner(Config{Bin: bin}, NewProcessRegistry(), nil, nil)
}

func TestRunner_Success(t *testing.T) {
	bin := fakeAgent(t, `echo "did the work"; echo "tokens used: 42"`)
	r := newTestRunner(t, bin)

	res, err := r.Run(context.Background(), core.AgentSpec{
		RunID:   "r1",
		TaskID:  "t1",
		Prompt:  "fix it",
		WorkDir: testutil.TempDir(t),
		Timeout: 10 * time.Second,
	})
	testutil.AssertNoError(t, err)
	testutil.AssertEqual(t, res.ExitCode, 0)
	testutil.AssertEqual(t, res.TokensUsed, 42)
	testutil.AssertContains(t, res.Stdout, "did the work")
	testutil.AssertFalse(t, res.TimedOut, "no timeout expected")
}

func TestRunner_PromptOnStdin(t *testing.T) {
	bin := fakeAgent(t, `cat > prompt-received.txt`)
	r := newTestRunner(t, bin)
	workDir := testutil.TempDir(t)

	_, err := r.Run(context.Background(), core.AgentSpec{
		RunID:   "r1",
		TaskID:  "t1",
		Prompt:  "the prompt body",
		WorkDir: workDir,
		Timeout: 10 * time.Second,
	})
	testutil.AssertNoError(t, err)

	data, err := os.ReadFile(filepath.Join(workDir, "prompt-received.txt"))
	testutil.AssertNoError(t, err)
	testutil.AssertEqual(t, string(data), "the prompt body")
}

func TestRunner_NonzeroExit(t *testing.T) {
	bin := fakeAgent(t, `echo "boom" >&2; exit 3`)
	r := newTestRunner(t, bin)

	res, err := r.Run(context.Background(), core.AgentSpec{
		RunID: "r1", TaskID: "t1", WorkDir: testutil.TempDir(t), Timeout: 10 * time.Second,
	})
	testutil.AssertNoError(t, err)
	testutil.AssertEqual(t, res.ExitCode, 3)
	testutil.AssertContains(t, res.Stderr, "boom")
}

func TestRunner_Timeout(t *testing.T) {
	bin := fakeAgent(t, `echo partial; sleep 30`)
	r := newTestRunner(t, bin)

	start := time.Now()
	res, err := r.Run(context.Background(), core.AgentSpec{
		RunID: "r1", TaskID: "t1", WorkDir: testutil.TempDir(t), Timeout: 300 * time.Millisecond,
	})
	testutil.AssertNoError(t, err)
	testutil.AssertTrue(t, res.TimedOut, "expected timeout")
	testutil.AssertContains(t, res.Stdout, "partial")
	if elapsed := time.Since(start); elapsed > 10*time.Second {
		t.Fatalf("kill took too long: %v", elapsed)
	}
	testutil.AssertEqual(t, r.registry.Live(), 0)
}

func TestRunner_Cancelled(t *testing.T) {
	bin := fakeAgent(t, `sleep 30`)
	r := newTestRunner(t, bin)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(200 * time.Millisecond)
		cancel()
	}()

	res, err := r.Run(ctx, core.AgentSpec{
		RunID: "r1", TaskID: "t1", WorkDir: testutil.TempDir(t), Timeout: time.Minute,
	})
	testutil.AssertTrue(t, core.IsCancelled(err), "expected cancellation error")
	testutil.AssertFalse(t, res.TimedOut, "cancellation is not a timeout")
}

func TestRunner_RegistryKill(t *testing.T) {
	bin := fakeAgent(t, `sleep 30`)
	r := newTestRunner(t, bin)

	done := make(chan *core.AgentResult, 1)
	go func() {
		res, _ := r.Run(context.Background(), core.AgentSpec{
			RunID: "r1", TaskID: "t1", WorkDir: testutil.TempDir(t), Timeout: time.Minute,
		})
		done <- res
	}()

	// Wait until the process is registered, then force-kill it.
	deadline := time.After(5 * time.Second)
	for r.registry.Live() == 0 {
		select {
		case <-deadline:
			t.Fatal("process never registered")
		case <-time.After(10 * time.Millisecond):
		}
	}
	testutil.AssertNoError(t, r.Kill("r1", "t1"))

	select {
	case res := <-done:
		if res.ExitCode == 0 {
			t.Fatal("killed process should not report success")
		}
	case <-time.After(10 * time.Second):
		t.Fatal("Run did not return after kill")
	}
}

func TestRunner_NoBin(t *testing.T) {
	r := newTestRunner(t, "")
	_, err := r.Run(context.Background(), core.AgentSpec{RunID: "r1", TaskID: "t1"})
	testutil.AssertError(t, err)
}

func TestBuildCommand(t *testing.T) {
	r := NewRunner(Config{Bin: "gh copilot", ExtraArgs: []string{"--json"}}, NewProcessRegistry(), nil, nil)

	cmdPath, args := r.buildCommand(core.AgentSpec{Model: "m1", BypassSandbox: true})
	testutil.AssertEqual(t, cmdPath, "gh")
	want := []string{"copilot", "--json", "--model", "m1", "--bypass-sandbox"}
	testutil.AssertLen(t, args, len(want))
	for i := range want {
		testutil.AssertEqual(t, args[i], want[i])
	}
}

func TestParseTokensUsed(t *testing.T) {
	tests := []struct {
		name   string
		stdout string
		want   int
	}{
		{"text line", "done\ntokens used: 128\n", 128},
		{"json usage", `output` + "\n" + `{"usage":{"input_tokens":100,"output_tokens":30}}`, 130},
		{"json total", `{"total_tokens":77}`, 77},
		{"nothing", "just output", 0},
		{"malformed json ignored", "{not json}\ntokens used: 5", 5},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			testutil.AssertEqual(t, parseTokensUsed(tt.stdout), tt.want)
		})
	}
}
