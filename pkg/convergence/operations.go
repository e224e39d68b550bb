package convergence

import (
	"context"
	"fmt"
)

const skillsDir = workspaceDir + "/skills"

// WarmDeploy installs transport-level dependencies on a freshly provisioned,
// still-unbound node: container engine assumed already present from the
// base image, so this pulls the runtime image, installs the headless
// browser inside the container, lays down the extension skeleton, the
// watchdog cron, and the generic search/browser adapters. Idempotent —
// re-running it against an already-warm node is a no-op at every step.
func WarmDeploy(ctx context.Context, sh Shell, runtimeDir string) error {
	steps := []string{
		fmt.Sprintf("cd %s && docker compose pull", runtimeDir),
		fmt.Sprintf("cd %s && docker compose up -d", runtimeDir),
		fmt.Sprintf("docker exec %s node /app/agent.mjs browser install", runtimeContainer),
		fmt.Sprintf("docker exec -u root %s mkdir -p %s", runtimeContainer, skillsDir),
		fmt.Sprintf("docker exec %s node /app/agent.mjs adapters enable search browser", runtimeContainer),
		installWatchdogCmd(runtimeDir),
	}
	for _, cmd := range steps {
		if _, err := sh.Exec(ctx, cmd, execTimeout); err != nil {
			return fmt.Errorf("warm deploy step %q: %w", cmd, err)
		}
	}
	return nil
}

func installWatchdogCmd(runtimeDir string) string {
	return fmt.Sprintf(
		`(crontab -l 2>/dev/null | grep -v nodewarden-watchdog; echo "*/5 * * * * cd %s && docker compose ps --status=running | grep -q %s || docker compose up -d # nodewarden-watchdog") | crontab -`,
		runtimeDir, runtimeContainer,
	)
}

// StageAdvancer lets the caller persist a named checkpoint as a deploy moves
// through QuickDeploy/FullDeploy's sub-phases. It may be nil, in which case
// the phase boundary is simply not recorded.
type StageAdvancer func(ctx context.Context, stage string) error

func advance(ctx context.Context, fn StageAdvancer, stage string) error {
	if fn == nil {
		return nil
	}
	return fn(ctx, stage)
}

// QuickDeploy runs against a warmed node just bound to a user: it overlays
// user-specific files, forces a container recreate so the new environment
// is picked up, then hands off to ApplyAndVerify. Returns the verified
// boolean explicitly — callers must only mark a node's deployment stage
// "ready" off this return value, never off a pre-bind runtime snapshot.
func QuickDeploy(ctx context.Context, e *Engine, sh Shell, runtimeDir string, spec DesiredSpec, onStage StageAdvancer) (verified bool, failures []string, err error) {
	if _, err := sh.Exec(ctx, fmt.Sprintf("cd %s && docker compose up -d --force-recreate", runtimeDir), execTimeout); err != nil {
		return false, nil, fmt.Errorf("recreating container for quick deploy: %w", err)
	}
	if err := sleep(ctx, postRestartWait); err != nil {
		return false, nil, err
	}

	ok, failures, err := e.ApplyAndVerify(ctx, sh, runtimeDir, spec)
	if err != nil {
		return false, failures, err
	}
	if !ok {
		return false, failures, nil
	}

	if err := advance(ctx, onStage, "installing_agents"); err != nil {
		return true, nil, fmt.Errorf("deploy verified but recording installing_agents failed: %w", err)
	}
	if spec.ExtensionEnabled {
		if err := EnableExtension(ctx, sh, nil); err != nil {
			return true, nil, fmt.Errorf("deploy verified but extension enable failed: %w", err)
		}
	}

	// The search adapter itself was already applied and verified as part of
	// ApplyAndVerify's applyAll step; this checkpoint just marks that phase
	// of the user-visible progression complete.
	if err := advance(ctx, onStage, "configuring_search"); err != nil {
		return true, nil, fmt.Errorf("deploy verified but recording configuring_search failed: %w", err)
	}

	return true, nil, nil
}

// FullDeploy is the cold-path equivalent of QuickDeploy used when no warmed
// node is available: it runs WarmDeploy and QuickDeploy back to back against
// the same node.
func FullDeploy(ctx context.Context, e *Engine, sh Shell, runtimeDir string, spec DesiredSpec, onStage StageAdvancer) (verified bool, failures []string, err error) {
	if err := WarmDeploy(ctx, sh, runtimeDir); err != nil {
		return false, nil, fmt.Errorf("full deploy warm phase: %w", err)
	}
	return QuickDeploy(ctx, e, sh, runtimeDir, spec, onStage)
}

// ExposeGateway sets the bearer token the reverse proxy's auth_request
// subhandler must present to reach this node, run once QuickDeploy/
// FullDeploy have verified. token is generated and persisted by the
// caller; this only pushes it into the running container's config.
func ExposeGateway(ctx context.Context, sh Shell, token string) error {
	_, err := sh.Exec(ctx, fmt.Sprintf("docker exec %s node /app/agent.mjs config set gateway.auth.token %s", runtimeContainer, token), execTimeout)
	if err != nil {
		return fmt.Errorf("exposing gateway token: %w", err)
	}
	return nil
}

// SetModel switches the active model on an already-deployed node without
// touching credentials, channel config, or the allow-list.
func SetModel(ctx context.Context, sh Shell, modelSlug string) error {
	_, err := sh.Exec(ctx, fmt.Sprintf("docker exec %s node /app/agent.mjs models set %s", runtimeContainer, modelSlug), execTimeout)
	if err != nil {
		return fmt.Errorf("setting model %s: %w", modelSlug, err)
	}
	return nil
}

// InstallSkill fetches sourceURL into the node's skills directory and
// registers it with the runtime.
func InstallSkill(ctx context.Context, sh Shell, name, sourceURL string) error {
	cmds := []string{
		fmt.Sprintf("docker exec %s node /app/agent.mjs skills install %s --source %s", runtimeContainer, name, sourceURL),
	}
	for _, cmd := range cmds {
		if _, err := sh.Exec(ctx, cmd, execTimeout); err != nil {
			return fmt.Errorf("installing skill %s: %w", name, err)
		}
	}
	return nil
}

// UninstallSkill removes a previously installed skill. Re-running it after
// the skill is already gone is a no-op — the runtime's uninstall command
// tolerates an unknown skill name.
func UninstallSkill(ctx context.Context, sh Shell, name string) error {
	_, err := sh.Exec(ctx, fmt.Sprintf("docker exec %s node /app/agent.mjs skills uninstall %s", runtimeContainer, name), execTimeout)
	if err != nil {
		return fmt.Errorf("uninstalling skill %s: %w", name, err)
	}
	return nil
}

// ExtensionOverrides carries the optional per-user customizations applied
// when enabling the browser extension's companion workspace.
type ExtensionOverrides struct {
	AllowedOrigins []string
}

// EnableExtension turns on the per-node browser-extension companion
// workspace, applying overrides if given.
func EnableExtension(ctx context.Context, sh Shell, overrides *ExtensionOverrides) error {
	if _, err := sh.Exec(ctx, fmt.Sprintf("docker exec %s node /app/agent.mjs extension enable", runtimeContainer), execTimeout); err != nil {
		return fmt.Errorf("enabling extension: %w", err)
	}
	if overrides != nil && len(overrides.AllowedOrigins) > 0 {
		for _, origin := range overrides.AllowedOrigins {
			cmd := fmt.Sprintf("docker exec %s node /app/agent.mjs extension allow-origin %s", runtimeContainer, origin)
			if _, err := sh.Exec(ctx, cmd, execTimeout); err != nil {
				return fmt.Errorf("adding extension origin %s: %w", origin, err)
			}
		}
	}
	return nil
}

// DisableExtension turns off the per-node browser-extension companion
// workspace without uninstalling anything.
func DisableExtension(ctx context.Context, sh Shell) error {
	_, err := sh.Exec(ctx, fmt.Sprintf("docker exec %s node /app/agent.mjs extension disable", runtimeContainer), execTimeout)
	if err != nil {
		return fmt.Errorf("disabling extension: %w", err)
	}
	return nil
}

// VerifyExtension checks that the extension companion workspace is reporting
// healthy, returning the ok flag and list of failure strings to match the
// ApplyAndVerify probe shape.
func VerifyExtension(ctx context.Context, sh Shell) (ok bool, failures []string) {
	res, err := sh.Exec(ctx, fmt.Sprintf("docker exec %s node /app/agent.mjs extension status", runtimeContainer), execTimeout)
	if err != nil {
		return false, []string{fmt.Sprintf("extension status probe error: %v", err)}
	}
	if res.ExitCode != 0 {
		return false, []string{"extension status reported unhealthy"}
	}
	return true, nil
}
