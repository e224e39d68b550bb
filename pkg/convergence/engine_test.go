package convergence

import (
	"context"
	"fmt"
	"strings"
	"testing"
	"time"
)

// fakeShell is an in-memory Shell: commands are matched by substring against
// a table of canned responses, falling back to a zero Result for anything
// unmatched (which every probe here wires up explicitly).
type fakeShell struct {
	responses map[string]Result
	uploads   map[string][]byte
	execCount int
}

func newFakeShell() *fakeShell {
	return &fakeShell{responses: map[string]Result{}, uploads: map[string][]byte{}}
}

func (f *fakeShell) on(substr string, r Result) { f.responses[substr] = r }

func (f *fakeShell) Exec(ctx context.Context, cmd string, timeout time.Duration) (Result, error) {
	f.execCount++
	for substr, r := range f.responses {
		if strings.Contains(cmd, substr) {
			return r, nil
		}
	}
	return Result{}, nil
}

func (f *fakeShell) Upload(ctx context.Context, data []byte, remotePath string) error {
	f.uploads[remotePath] = data
	return nil
}

func passingSpec() DesiredSpec {
	return DesiredSpec{
		ProviderCredential: "sk-test-credential",
		ActiveModel:        "openrouter/anthropic/claude",
		DMPolicy:            "allow_list",
		AllowedPeerIDs:      []string{"123456"},
	}
}

func wireAllPassing(sh *fakeShell, spec DesiredSpec) {
	sh.on("config get channels.telegram.dmPolicy", Result{Stdout: spec.DMPolicy})
	sh.on(`agent model:`, Result{Stdout: "agent model: openrouter/anthropic/claude"})
	sh.on("cat "+authProfilePath, Result{Stdout: `{"profiles":{"primary":{"apiKey":"` + spec.ProviderCredential + `"}}}`, ExitCode: 0})
	sh.on("docker inspect", Result{Stdout: "running"})
	sh.on("EACCES", Result{Stdout: "0"})
	sh.on(`\[telegram\]`, Result{Stdout: "starting provider telegram"})
	sh.on("cat "+allowListPath, Result{Stdout: `{"version":1,"allowFrom":["123456"]}`, ExitCode: 0})
}

func TestApplyAndVerifySucceedsFirstAttempt(t *testing.T) {
	sh := newFakeShell()
	spec := passingSpec()
	wireAllPassing(sh, spec)

	e := New()
	ctx := context.Background()

	// Shrink the waits so the test doesn't actually sleep for 20s+ per attempt.
	restorePost := postRestartWait
	restoreStart := providerStartWait
	postRestartWait = time.Millisecond
	providerStartWait = time.Millisecond
	defer func() { postRestartWait = restorePost; providerStartWait = restoreStart }()

	ok, failures, err := e.ApplyAndVerify(ctx, sh, "/opt/openclaw", spec)
	if err != nil {
		t.Fatalf("ApplyAndVerify() error = %v", err)
	}
	if !ok {
		t.Fatalf("ApplyAndVerify() ok = false, failures = %v", failures)
	}
}

func TestApplyAndVerifyRetriesThenFails(t *testing.T) {
	sh := newFakeShell()
	spec := passingSpec()
	// Leave dmPolicy probe unwired so it always mismatches; everything else
	// passes, so verify() should report exactly one failure every attempt.
	sh.on(`agent model:`, Result{Stdout: "agent model: openrouter/anthropic/claude"})
	sh.on("cat "+authProfilePath, Result{Stdout: `{"apiKey":"` + spec.ProviderCredential + `"}`, ExitCode: 0})
	sh.on("docker inspect", Result{Stdout: "running"})
	sh.on("EACCES", Result{Stdout: "0"})
	sh.on(`\[telegram\]`, Result{Stdout: "starting provider telegram"})
	sh.on("cat "+allowListPath, Result{Stdout: `{"allowFrom":["123456"]}`, ExitCode: 0})

	e := New()
	ctx := context.Background()

	restorePost := postRestartWait
	restoreStart := providerStartWait
	restoreBase := retryBaseDelay
	postRestartWait = time.Millisecond
	providerStartWait = time.Millisecond
	retryBaseDelay = time.Millisecond
	defer func() {
		postRestartWait = restorePost
		providerStartWait = restoreStart
		retryBaseDelay = restoreBase
	}()

	ok, failures, err := e.ApplyAndVerify(ctx, sh, "/opt/openclaw", spec)
	if ok {
		t.Fatal("expected ApplyAndVerify to fail, got ok = true")
	}
	if err == nil {
		t.Fatal("expected a classified error on exhaustion")
	}
	found := false
	for _, f := range failures {
		if strings.Contains(f, "dm_policy") {
			found = true
		}
	}
	if !found {
		t.Errorf("expected a dm_policy failure, got %v", failures)
	}
}

func TestVerifyAggregatesAllFailures(t *testing.T) {
	sh := newFakeShell()
	spec := passingSpec()
	// Wire nothing: every probe should report a failure, not abort early.
	e := New()
	ok, failures := e.verify(context.Background(), sh, spec)
	if ok {
		t.Fatal("expected verify() to fail with no probes wired")
	}
	if len(failures) != len(probes()) {
		t.Errorf("expected %d failures (one per probe), got %d: %v", len(probes()), len(failures), failures)
	}
}

func TestProbeAllowList(t *testing.T) {
	tests := []struct {
		name    string
		stdout  string
		peerIDs []string
		wantOK  bool
	}{
		{"wildcard matches empty allow-list", `{"allowFrom":["*"]}`, nil, true},
		{"specific peer matches", `{"allowFrom":["555"]}`, []string{"555"}, true},
		{"mismatch fails", `{"allowFrom":["555"]}`, []string{"999"}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sh := newFakeShell()
			sh.on("cat "+allowListPath, Result{Stdout: tt.stdout, ExitCode: 0})
			ok, detail, err := probeAllowList(context.Background(), sh, DesiredSpec{AllowedPeerIDs: tt.peerIDs})
			if err != nil {
				t.Fatalf("probeAllowList() error = %v", err)
			}
			if ok != tt.wantOK {
				t.Errorf("probeAllowList() ok = %v, want %v (detail=%q)", ok, tt.wantOK, detail)
			}
		})
	}
}

func TestAllowFromValue(t *testing.T) {
	if got := allowFromValue(nil); len(got) != 1 || got[0] != "*" {
		t.Errorf("allowFromValue(nil) = %v, want [*]", got)
	}
	if got := allowFromValue([]string{"1", "2"}); fmt.Sprint(got) != fmt.Sprint([]string{"1", "2"}) {
		t.Errorf("allowFromValue passthrough = %v", got)
	}
}
