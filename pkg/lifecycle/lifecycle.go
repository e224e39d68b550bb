// Package lifecycle drives a Node through its create -> warm -> bind ->
// deploy -> deactivate state machine, persisting state before every side
// effect that isn't itself safely repeatable.
package lifecycle

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/fleetward/nodewarden/internal/store"
	"github.com/fleetward/nodewarden/pkg/convergence"
	"github.com/fleetward/nodewarden/pkg/provider"
	"github.com/fleetward/nodewarden/pkg/sshdriver"
)

const defaultRuntimeDir = "/root/agentrt"

// convergenceDoneChannel is the Redis pub/sub channel a deploy's outcome is
// announced on, for any consumer (a websocket status push, a CLI `wait`
// command) that wants to react the moment a deploy resolves rather than
// poll node status.
const convergenceDoneChannel = "nodewarden:convergence:done"

// Controller owns the node-provisioning and deployment state transitions.
type Controller struct {
	Nodes       *store.NodeStore
	Provider    *provider.NodeProvider
	SSH         *sshdriver.Driver
	Convergence *convergence.Engine
	Logger      *slog.Logger

	// Redis is optional; when set, Deploy announces its outcome on
	// convergenceDoneChannel after the node row is updated.
	Redis *redis.Client
}

// New constructs a Controller.
func New(nodes *store.NodeStore, nodeProvider *provider.NodeProvider, ssh *sshdriver.Driver, engine *convergence.Engine, logger *slog.Logger) *Controller {
	return &Controller{Nodes: nodes, Provider: nodeProvider, SSH: ssh, Convergence: engine, Logger: logger}
}

// Provision creates a new unbound Node: it persists a creating row before
// calling the provider, since Create is not idempotent and a crash between
// the two must leave a record a human or the Pool Maintainer can reconcile.
// On success the node ends in lifecycle_state=active, runtime_running=true,
// binding=null, ready for Claim. On any failure it ends in lifecycle_state
// error, left for the Pool Maintainer to reap.
func (c *Controller) Provision(ctx context.Context, name string) (*store.Node, error) {
	n, err := c.Nodes.Create(ctx, &store.Node{
		LifecycleState:  store.NodeCreating,
		DeploymentStage: store.StageNone,
		SSHUser:         "root",
		SSHPort:         22,
		RuntimeDir:      defaultRuntimeDir,
	})
	if err != nil {
		return nil, fmt.Errorf("persisting creating node: %w", err)
	}

	providerID, err := c.Provider.Create(ctx, name)
	if err != nil {
		c.fail(ctx, n.ID, fmt.Errorf("calling node provider create: %w", err))
		return nil, err
	}

	ipv4, rootPassword, err := c.Provider.WaitReady(ctx, providerID)
	if err != nil {
		c.fail(ctx, n.ID, fmt.Errorf("waiting for node %s ready: %w", providerID, err))
		return nil, err
	}

	if err := c.Nodes.SetProviderInfo(ctx, n.ID, providerID, ipv4, rootPassword); err != nil {
		return nil, fmt.Errorf("persisting provider info for node %s: %w", n.ID, err)
	}
	if err := c.Nodes.SetLifecycleState(ctx, n.ID, store.NodeProvisioning); err != nil {
		return nil, fmt.Errorf("setting node %s provisioning: %w", n.ID, err)
	}

	sh, err := c.SSH.Connect(ctx, n.ID.String(), ipv4, n.SSHPort, n.SSHUser, rootPassword)
	if err != nil {
		c.fail(ctx, n.ID, fmt.Errorf("connecting to node %s: %w", n.ID, err))
		return nil, err
	}
	defer sh.Close()

	if err := convergence.WarmDeploy(ctx, convergence.WrapSession(sh), defaultRuntimeDir); err != nil {
		c.fail(ctx, n.ID, fmt.Errorf("warm deploy on node %s: %w", n.ID, err))
		return nil, err
	}

	if err := c.Nodes.SetRuntimeRunning(ctx, n.ID, true); err != nil {
		return nil, fmt.Errorf("setting runtime_running for node %s: %w", n.ID, err)
	}
	if err := c.Nodes.SetLifecycleState(ctx, n.ID, store.NodeActive); err != nil {
		return nil, fmt.Errorf("setting node %s active: %w", n.ID, err)
	}
	if err := c.Nodes.ClearError(ctx, n.ID); err != nil {
		return nil, fmt.Errorf("clearing error for node %s: %w", n.ID, err)
	}

	return c.Nodes.Get(ctx, n.ID)
}

func (c *Controller) fail(ctx context.Context, nodeID uuid.UUID, err error) {
	c.Logger.Error("node provisioning failed", "node_id", nodeID, "error", err)
	if setErr := c.Nodes.SetLifecycleState(ctx, nodeID, store.NodeError); setErr != nil {
		c.Logger.Error("failed to mark node errored", "node_id", nodeID, "error", setErr)
	}
	if setErr := c.Nodes.RecordError(ctx, nodeID, err.Error()); setErr != nil {
		c.Logger.Error("failed to record node error", "node_id", nodeID, "error", setErr)
	}
}

// DeployResult is returned by Deploy, which sets deployment_stage=ready only
// when Verified is true, never off any earlier snapshot of runtime_running.
type DeployResult struct {
	Verified bool
	Failures []string
}

// Deploy binds and configures a node for userID. If warmed is true the node
// is already running the base runtime image (QuickDeploy); otherwise the
// full cold-path (warm + quick) runs against it.
func (c *Controller) Deploy(ctx context.Context, nodeID, userID uuid.UUID, spec convergence.DesiredSpec, warmed bool) (*DeployResult, error) {
	n, err := c.Nodes.Claim(ctx, nodeID, userID)
	if err != nil {
		return nil, err
	}

	if err := c.Nodes.SetDeploymentStage(ctx, n.ID, store.StagePoolAssigned); err != nil {
		return nil, fmt.Errorf("setting node %s pool_assigned: %w", n.ID, err)
	}
	if err := c.Nodes.SetDeploymentStage(ctx, n.ID, store.StageConfiguringKeys); err != nil {
		return nil, fmt.Errorf("setting node %s configuring_keys: %w", n.ID, err)
	}

	sh, err := c.SSH.Connect(ctx, n.ID.String(), n.IP, n.SSHPort, n.SSHUser, n.SSHPassword)
	if err != nil {
		c.recordDeployFailure(ctx, n.ID, err)
		return nil, err
	}
	defer sh.Close()

	if err := c.Nodes.SetDeploymentStage(ctx, n.ID, store.StageDeployingRuntime); err != nil {
		return nil, fmt.Errorf("setting node %s deploying_runtime: %w", n.ID, err)
	}

	onStage := func(stageCtx context.Context, stage string) error {
		return c.Nodes.SetDeploymentStage(stageCtx, n.ID, store.DeploymentStage(stage))
	}

	shell := convergence.WrapSession(sh)
	var verified bool
	var failures []string
	if warmed {
		verified, failures, err = convergence.QuickDeploy(ctx, c.Convergence, shell, n.RuntimeDir, spec, onStage)
	} else {
		verified, failures, err = convergence.FullDeploy(ctx, c.Convergence, shell, n.RuntimeDir, spec, onStage)
	}
	if err != nil {
		c.recordDeployFailure(ctx, n.ID, err)
		return nil, err
	}

	if !verified {
		c.Logger.Warn("node deploy did not verify", "node_id", n.ID, "failures", failures)
		if err := c.Nodes.RecordError(ctx, n.ID, fmt.Sprintf("verification failed: %v", failures)); err != nil {
			c.Logger.Error("failed to record verification failure", "node_id", n.ID, "error", err)
		}
		c.publishConvergenceDone(ctx, n.ID, userID, false)
		return &DeployResult{Verified: false, Failures: failures}, nil
	}

	gatewayToken, err := generateGatewayToken()
	if err != nil {
		return nil, fmt.Errorf("generating gateway token for node %s: %w", n.ID, err)
	}
	if err := convergence.ExposeGateway(ctx, shell, gatewayToken); err != nil {
		c.recordDeployFailure(ctx, n.ID, err)
		return nil, err
	}
	if err := c.Nodes.SetGatewayToken(ctx, n.ID, gatewayToken); err != nil {
		return nil, fmt.Errorf("persisting gateway token for node %s: %w", n.ID, err)
	}

	if err := c.Nodes.SetDeploymentStage(ctx, n.ID, store.StageReady); err != nil {
		return nil, fmt.Errorf("setting node %s ready: %w", n.ID, err)
	}
	if err := c.Nodes.SetRuntimeRunning(ctx, n.ID, true); err != nil {
		return nil, fmt.Errorf("setting runtime_running for node %s: %w", n.ID, err)
	}
	if err := c.Nodes.ClearError(ctx, n.ID); err != nil {
		return nil, fmt.Errorf("clearing error for node %s: %w", n.ID, err)
	}

	c.publishConvergenceDone(ctx, n.ID, userID, true)
	return &DeployResult{Verified: true}, nil
}

// generateGatewayToken mints a fresh random bearer token for a node's
// websocket gateway, 32 bytes of crypto/rand hex-encoded.
func generateGatewayToken() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("reading random bytes for gateway token: %w", err)
	}
	return hex.EncodeToString(buf), nil
}

func (c *Controller) publishConvergenceDone(ctx context.Context, nodeID, userID uuid.UUID, verified bool) {
	if c.Redis == nil {
		return
	}
	payload, err := json.Marshal(map[string]any{
		"node_id":  nodeID.String(),
		"user_id":  userID.String(),
		"verified": verified,
	})
	if err != nil {
		c.Logger.Error("marshalling convergence-done event", "node_id", nodeID, "error", err)
		return
	}
	if err := c.Redis.Publish(ctx, convergenceDoneChannel, payload).Err(); err != nil {
		c.Logger.Error("publishing convergence-done event", "node_id", nodeID, "error", err)
	}
}

func (c *Controller) recordDeployFailure(ctx context.Context, nodeID uuid.UUID, err error) {
	c.Logger.Error("node deploy failed", "node_id", nodeID, "error", err)
	if setErr := c.Nodes.RecordError(ctx, nodeID, err.Error()); setErr != nil {
		c.Logger.Error("failed to record deploy error", "node_id", nodeID, "error", setErr)
	}
}

// Deactivate retires a node's binding without deleting its row: the
// partial unique index on binding_user_id excludes deactivated nodes, so
// the user's old node can be superseded by a new one without a conflict.
func (c *Controller) Deactivate(ctx context.Context, nodeID uuid.UUID) error {
	if err := c.Nodes.SetLifecycleState(ctx, nodeID, store.NodeDeactivated); err != nil {
		return fmt.Errorf("deactivating node %s: %w", nodeID, err)
	}
	return nil
}

// Reap deletes a node both provider-side and in the store. Used by the Pool
// Maintainer against errored or stuck unbound nodes.
func (c *Controller) Reap(ctx context.Context, n *store.Node) error {
	if n.ProviderNodeID != "" {
		if err := c.Provider.Delete(ctx, n.ProviderNodeID); err != nil {
			return fmt.Errorf("deleting provider node %s: %w", n.ProviderNodeID, err)
		}
	}
	if err := c.Nodes.Delete(ctx, n.ID); err != nil {
		return fmt.Errorf("deleting node %s: %w", n.ID, err)
	}
	return nil
}
