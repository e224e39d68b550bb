package convergence

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/fleetward/nodewarden/pkg/classify"
)

const maxRetries = 5

// Retry/backoff timings are vars, not consts, so tests can shrink them —
// the values themselves are fixed by the remote runtime's own reload
// timing, not configuration.
var (
	retryBaseDelay    = 5 * time.Second
	postRestartWait   = 12 * time.Second
	providerStartWait = 8 * time.Second
)

const (
	execTimeout = 60 * time.Second

	runtimeContainer = "openclaw"
	workspaceDir     = "/home/node/.openclaw"
	authProfilePath  = workspaceDir + "/agents/main/agent/auth-profiles.json"
	allowListPath    = workspaceDir + "/credentials/telegram-allowFrom.json"
	runtimeSpecPath  = workspaceDir + "/runtime-spec.yaml"
)

// Shell is the transport surface the engine needs from an
// sshdriver.Session: run a command with a timeout, upload a file. Narrowing
// it to an interface lets tests exercise the retry/probe logic with a fake.
type Shell interface {
	Exec(ctx context.Context, cmd string, timeout time.Duration) (Result, error)
	Upload(ctx context.Context, data []byte, remotePath string) error
}

// Result mirrors sshdriver.Result so this package has no import-time
// dependency on the transport package — only on the shape it needs.
type Result struct {
	Stdout   string
	Stderr   string
	ExitCode int
}

// Engine runs ApplyAndVerify against a Shell.
type Engine struct{}

// New creates a convergence Engine.
func New() *Engine { return &Engine{} }

func (e *Engine) fixPermissions(ctx context.Context, sh Shell) error {
	_, err := sh.Exec(ctx, fmt.Sprintf("docker exec -u root %s chown -R node:node %s", runtimeContainer, workspaceDir), execTimeout)
	return err
}

func (e *Engine) applyAll(ctx context.Context, sh Shell, spec DesiredSpec) error {
	authProfiles := AuthProfilesFile{
		Profiles: map[string]AuthProfile{
			"primary": {Provider: "openrouter", APIKey: spec.ProviderCredential},
		},
		Default: "primary",
	}
	authJSON, err := json.Marshal(authProfiles)
	if err != nil {
		return fmt.Errorf("marshalling auth profiles: %w", err)
	}

	// Upload then move into place with a single shell command — never an
	// inline shell-escaped JSON literal.
	if err := sh.Upload(ctx, authJSON, "/tmp/_nodewarden_auth.json"); err != nil {
		return err
	}
	if _, err := sh.Exec(ctx, fmt.Sprintf("docker exec -u root %s mkdir -p %s", runtimeContainer, workspaceDir+"/agents/main/agent"), execTimeout); err != nil {
		return err
	}
	if _, err := sh.Exec(ctx, fmt.Sprintf("docker cp /tmp/_nodewarden_auth.json %s:%s", runtimeContainer, authProfilePath), execTimeout); err != nil {
		return err
	}
	if _, err := sh.Exec(ctx, "rm -f /tmp/_nodewarden_auth.json", execTimeout); err != nil {
		return err
	}

	allowFrom := allowFromValue(spec.AllowedPeerIDs)
	allowListJSON, err := json.Marshal(AllowListFile{Version: 1, AllowFrom: allowFrom})
	if err != nil {
		return fmt.Errorf("marshalling allow-list: %w", err)
	}
	if err := sh.Upload(ctx, allowListJSON, "/tmp/_nodewarden_allowfrom.json"); err != nil {
		return err
	}
	if _, err := sh.Exec(ctx, fmt.Sprintf("docker exec -u root %s mkdir -p %s", runtimeContainer, workspaceDir+"/credentials"), execTimeout); err != nil {
		return err
	}
	if _, err := sh.Exec(ctx, fmt.Sprintf("docker cp /tmp/_nodewarden_allowfrom.json %s:%s", runtimeContainer, allowListPath), execTimeout); err != nil {
		return err
	}
	if _, err := sh.Exec(ctx, "rm -f /tmp/_nodewarden_allowfrom.json", execTimeout); err != nil {
		return err
	}

	runtimeSpec := buildRuntimeSpecFile(spec, allowFrom)
	runtimeSpecYAML, err := yaml.Marshal(runtimeSpec)
	if err != nil {
		return fmt.Errorf("marshalling runtime spec: %w", err)
	}
	if err := sh.Upload(ctx, runtimeSpecYAML, "/tmp/_nodewarden_runtime_spec.yaml"); err != nil {
		return err
	}
	if _, err := sh.Exec(ctx, fmt.Sprintf("docker cp /tmp/_nodewarden_runtime_spec.yaml %s:%s", runtimeContainer, runtimeSpecPath), execTimeout); err != nil {
		return err
	}
	if _, err := sh.Exec(ctx, "rm -f /tmp/_nodewarden_runtime_spec.yaml", execTimeout); err != nil {
		return err
	}

	if err := e.fixPermissions(ctx, sh); err != nil {
		return err
	}

	// The YAML file above is what the runtime reads back on its next
	// restart; the CLI config-set calls below patch the already-running
	// process so ApplyAndVerify's probes see the change without waiting
	// for a second restart.
	if _, err := sh.Exec(ctx, fmt.Sprintf("docker exec %s node /app/agent.mjs config set provider openrouter", runtimeContainer), execTimeout); err != nil {
		return err
	}
	if _, err := sh.Exec(ctx, fmt.Sprintf("docker exec %s node /app/agent.mjs models set %s", runtimeContainer, spec.ActiveModel), execTimeout); err != nil {
		return err
	}
	if len(spec.FallbackModels) > 0 {
		fallbackArg, err := json.Marshal(spec.FallbackModels)
		if err != nil {
			return fmt.Errorf("marshalling fallback models: %w", err)
		}
		if _, err := sh.Exec(ctx, fmt.Sprintf("docker exec %s node /app/agent.mjs config set models.fallback '%s'", runtimeContainer, string(fallbackArg)), execTimeout); err != nil {
			return err
		}
	}

	allowFromArg, err := json.Marshal(allowFrom)
	if err != nil {
		return fmt.Errorf("marshalling allow-from arg: %w", err)
	}
	// allowFrom before dmPolicy — order matters for the runtime's config
	// validation.
	if _, err := sh.Exec(ctx, fmt.Sprintf("docker exec %s node /app/agent.mjs config set channels.telegram.allowFrom '%s'", runtimeContainer, string(allowFromArg)), execTimeout); err != nil {
		return err
	}
	if _, err := sh.Exec(ctx, fmt.Sprintf("docker exec %s node /app/agent.mjs config set channels.telegram.dmPolicy %s", runtimeContainer, spec.DMPolicy), execTimeout); err != nil {
		return err
	}

	searchCmd := "enable"
	if !spec.SearchAdapter {
		searchCmd = "disable"
	}
	if _, err := sh.Exec(ctx, fmt.Sprintf("docker exec %s node /app/agent.mjs adapters %s search", runtimeContainer, searchCmd), execTimeout); err != nil {
		return err
	}

	return nil
}

func (e *Engine) restartContainer(ctx context.Context, sh Shell, runtimeDir string) error {
	_, err := sh.Exec(ctx, fmt.Sprintf("cd %s && docker compose restart", runtimeDir), execTimeout)
	return err
}

// verifyProbe is one read-only check of remote state.
type verifyProbe struct {
	name string
	run  func(ctx context.Context, sh Shell, spec DesiredSpec) (ok bool, detail string, err error)
}

func probeDMPolicy(ctx context.Context, sh Shell, spec DesiredSpec) (bool, string, error) {
	res, err := sh.Exec(ctx, fmt.Sprintf("docker exec %s node /app/agent.mjs config get channels.telegram.dmPolicy", runtimeContainer), execTimeout)
	if err != nil {
		return false, "", err
	}
	got := strings.TrimSpace(res.Stdout)
	if got != spec.DMPolicy {
		return false, fmt.Sprintf("dmPolicy=%q (expected %q)", got, spec.DMPolicy), nil
	}
	return true, "", nil
}

func probeActiveModel(ctx context.Context, sh Shell, spec DesiredSpec) (bool, string, error) {
	res, err := sh.Exec(ctx, fmt.Sprintf(`docker logs %s --tail 30 2>&1 | grep "agent model:" | tail -1`, runtimeContainer), execTimeout)
	if err != nil {
		return false, "", err
	}
	if !strings.Contains(res.Stdout, "openrouter/") {
		return false, fmt.Sprintf("model not in startup log (last: %q)", strings.TrimSpace(res.Stdout)), nil
	}
	return true, "", nil
}

func probeAuthProfiles(ctx context.Context, sh Shell, spec DesiredSpec) (bool, string, error) {
	res, err := sh.Exec(ctx, fmt.Sprintf("docker exec %s cat %s", runtimeContainer, authProfilePath), execTimeout)
	if err != nil {
		return false, "", err
	}
	if res.ExitCode != 0 || !strings.Contains(res.Stdout, spec.ProviderCredential) {
		return false, "auth-profiles.json missing or wrong credential", nil
	}
	return true, "", nil
}

func probeContainerRunning(ctx context.Context, sh Shell, spec DesiredSpec) (bool, string, error) {
	res, err := sh.Exec(ctx, fmt.Sprintf(`docker inspect %s --format={{.State.Status}}`, runtimeContainer), execTimeout)
	if err != nil {
		return false, "", err
	}
	status := strings.TrimSpace(res.Stdout)
	if status != "running" {
		return false, fmt.Sprintf("container status=%q (expected running)", status), nil
	}
	return true, "", nil
}

func probeNoPermissionErrors(ctx context.Context, sh Shell, spec DesiredSpec) (bool, string, error) {
	res, err := sh.Exec(ctx, fmt.Sprintf(`docker logs %s --tail 20 2>&1 | grep -c "EACCES"`, runtimeContainer), execTimeout)
	if err != nil {
		return false, "", err
	}
	count, convErr := strconv.Atoi(strings.TrimSpace(res.Stdout))
	if convErr != nil {
		return false, fmt.Sprintf("unreadable EACCES count %q", strings.TrimSpace(res.Stdout)), nil
	}
	if count > 0 {
		return false, fmt.Sprintf("%d EACCES permission errors in logs", count), nil
	}
	return true, "", nil
}

func probeChannelStarted(ctx context.Context, sh Shell, spec DesiredSpec) (bool, string, error) {
	res, err := sh.Exec(ctx, fmt.Sprintf(`docker logs %s --tail 50 2>&1 | grep "\[telegram\]" | tail -1`, runtimeContainer), execTimeout)
	if err != nil {
		return false, "", err
	}
	if !strings.Contains(res.Stdout, "starting provider") {
		return false, fmt.Sprintf("telegram provider not started (last: %q)", strings.TrimSpace(res.Stdout)), nil
	}
	return true, "", nil
}

func probeAllowList(ctx context.Context, sh Shell, spec DesiredSpec) (bool, string, error) {
	res, err := sh.Exec(ctx, fmt.Sprintf("docker exec %s cat %s", runtimeContainer, allowListPath), execTimeout)
	if err != nil {
		return false, "", err
	}
	expected := `"*"`
	if len(spec.AllowedPeerIDs) > 0 {
		expected = fmt.Sprintf("%q", spec.AllowedPeerIDs[0])
	}
	if res.ExitCode != 0 || !strings.Contains(res.Stdout, expected) {
		return false, fmt.Sprintf("telegram-allowFrom.json missing %s", expected), nil
	}
	return true, "", nil
}

func probes() []verifyProbe {
	return []verifyProbe{
		{"dm_policy", probeDMPolicy},
		{"active_model", probeActiveModel},
		{"auth_profiles", probeAuthProfiles},
		{"container_running", probeContainerRunning},
		{"no_permission_errors", probeNoPermissionErrors},
		{"channel_started", probeChannelStarted},
		{"allow_list", probeAllowList},
	}
}

// verify runs every probe, collecting the names of failures, mirroring the
// original "disjunction of probes" structure one probe at a time.
func (e *Engine) verify(ctx context.Context, sh Shell, spec DesiredSpec) (ok bool, failures []string) {
	for _, p := range probes() {
		passed, detail, err := p.run(ctx, sh, spec)
		if err != nil {
			failures = append(failures, fmt.Sprintf("%s: probe error: %v", p.name, err))
			continue
		}
		if !passed {
			failures = append(failures, fmt.Sprintf("%s: %s", p.name, detail))
		}
	}
	return len(failures) == 0, failures
}

// ApplyAndVerify is the centerpiece: apply config, restart so the running
// process reloads it, re-apply after restart (the runtime resets some
// defaults from its own seed files on startup), then verify. Retries with
// linear backoff on failure. The double-apply-around-restart shape is
// deliberate and load-bearing — a single apply-then-restart wins roughly
// 70% of the time; the second apply closes the remainder.
func (e *Engine) ApplyAndVerify(ctx context.Context, sh Shell, runtimeDir string, spec DesiredSpec) (ok bool, failures []string, err error) {
	for attempt := 1; attempt <= maxRetries; attempt++ {
		if err := e.fixPermissions(ctx, sh); err != nil {
			return false, nil, classify.Transport(fmt.Sprintf("fixing permissions (attempt %d)", attempt), err)
		}
		if err := e.applyAll(ctx, sh, spec); err != nil {
			return false, nil, classify.Transport(fmt.Sprintf("applying config (attempt %d)", attempt), err)
		}
		if err := e.restartContainer(ctx, sh, runtimeDir); err != nil {
			return false, nil, classify.Transport(fmt.Sprintf("restarting container (attempt %d)", attempt), err)
		}

		if err := sleep(ctx, postRestartWait); err != nil {
			return false, nil, err
		}

		if err := e.fixPermissions(ctx, sh); err != nil {
			return false, nil, classify.Transport(fmt.Sprintf("fixing permissions post-restart (attempt %d)", attempt), err)
		}
		if err := e.applyAll(ctx, sh, spec); err != nil {
			return false, nil, classify.Transport(fmt.Sprintf("re-applying config post-restart (attempt %d)", attempt), err)
		}

		if err := sleep(ctx, providerStartWait); err != nil {
			return false, nil, err
		}

		ok, failures = e.verify(ctx, sh, spec)
		if ok {
			return true, nil, nil
		}

		if attempt < maxRetries {
			if err := sleep(ctx, time.Duration(attempt)*retryBaseDelay); err != nil {
				return false, nil, err
			}
		}
	}
	return false, failures, classify.Verification(failures)
}

func sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
