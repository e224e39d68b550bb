package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"
)

// ErrAlreadyClaimed is returned by Claim when the node was bound by a
// concurrent caller between the caller's read and its claim attempt.
var ErrAlreadyClaimed = errors.New("node already claimed")

// ErrNotFound is returned when a lookup by ID finds no row.
var ErrNotFound = errors.New("not found")

// NodeStore is the Node Store: the persistent record of every node this
// service manages.
type NodeStore struct {
	db *pgxpool.Pool
}

const nodeColumns = `
	id, provider_node_id, ip, ssh_user, ssh_password, ssh_port, ssh_host_key_fingerprint,
	lifecycle_state, deployment_stage, runtime_running, gateway_token, binding_user_id,
	runtime_dir, extension_installed, last_error, last_health_check, created_at, updated_at
`

func scanNode(row pgx.Row) (*Node, error) {
	var n Node
	var bindingUser pgtype.UUID
	var lastHealthCheck pgtype.Timestamptz

	err := row.Scan(
		&n.ID, &n.ProviderNodeID, &n.IP, &n.SSHUser, &n.SSHPassword, &n.SSHPort, &n.SSHHostKeyFingerprint,
		&n.LifecycleState, &n.DeploymentStage, &n.RuntimeRunning, &n.GatewayToken, &bindingUser,
		&n.RuntimeDir, &n.ExtensionInstalled, &n.LastError, &lastHealthCheck, &n.CreatedAt, &n.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	if bindingUser.Valid {
		id := uuid.UUID(bindingUser.Bytes)
		n.BindingUserID = &id
	}
	if lastHealthCheck.Valid {
		t := lastHealthCheck.Time
		n.LastHealthCheck = &t
	}
	return &n, nil
}

// Create inserts a new Node in lifecycle_state=creating, deployment_stage=none.
func (s *NodeStore) Create(ctx context.Context, n *Node) (*Node, error) {
	n.ID = uuid.New()
	row := s.db.QueryRow(ctx, `
		INSERT INTO nodes (id, provider_node_id, ip, ssh_user, ssh_password, ssh_port,
			ssh_host_key_fingerprint, lifecycle_state, deployment_stage, runtime_running,
			gateway_token, runtime_dir, extension_installed, last_error)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
		RETURNING `+nodeColumns,
		n.ID, n.ProviderNodeID, n.IP, n.SSHUser, n.SSHPassword, n.SSHPort,
		n.SSHHostKeyFingerprint, n.LifecycleState, n.DeploymentStage, n.RuntimeRunning,
		n.GatewayToken, n.RuntimeDir, n.ExtensionInstalled, n.LastError,
	)
	out, err := scanNode(row)
	if err != nil {
		return nil, fmt.Errorf("inserting node: %w", err)
	}
	return out, nil
}

// Get fetches a node by ID.
func (s *NodeStore) Get(ctx context.Context, id uuid.UUID) (*Node, error) {
	row := s.db.QueryRow(ctx, `SELECT `+nodeColumns+` FROM nodes WHERE id = $1`, id)
	out, err := scanNode(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("getting node %s: %w", id, err)
	}
	return out, nil
}

// GetByGatewayToken resolves the node owning a gateway token, used by the
// ws-auth subhandler to map a token to an upstream IP.
func (s *NodeStore) GetByGatewayToken(ctx context.Context, token string) (*Node, error) {
	row := s.db.QueryRow(ctx, `SELECT `+nodeColumns+` FROM nodes WHERE gateway_token = $1`, token)
	out, err := scanNode(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("getting node by gateway token: %w", err)
	}
	return out, nil
}

// GetByUser returns the single non-deactivated node bound to userID, if any.
func (s *NodeStore) GetByUser(ctx context.Context, userID uuid.UUID) (*Node, error) {
	row := s.db.QueryRow(ctx, `
		SELECT `+nodeColumns+` FROM nodes
		WHERE binding_user_id = $1 AND lifecycle_state <> 'deactivated'`, userID)
	out, err := scanNode(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("getting node for user %s: %w", userID, err)
	}
	return out, nil
}

// ListAvailable returns warmed, unbound nodes — candidates for Claim.
func (s *NodeStore) ListAvailable(ctx context.Context) ([]*Node, error) {
	return s.list(ctx, `
		SELECT `+nodeColumns+` FROM nodes
		WHERE lifecycle_state = 'active' AND binding_user_id IS NULL
		ORDER BY created_at ASC`)
}

// ListInProgress returns unbound nodes still creating or provisioning.
func (s *NodeStore) ListInProgress(ctx context.Context) ([]*Node, error) {
	return s.list(ctx, `
		SELECT `+nodeColumns+` FROM nodes
		WHERE lifecycle_state IN ('creating', 'provisioning') AND binding_user_id IS NULL
		ORDER BY created_at ASC`)
}

// ListErroredUnbound returns unbound nodes stuck in lifecycle_state=error.
func (s *NodeStore) ListErroredUnbound(ctx context.Context) ([]*Node, error) {
	return s.list(ctx, `
		SELECT `+nodeColumns+` FROM nodes
		WHERE lifecycle_state = 'error' AND binding_user_id IS NULL`)
}

// CountNonError returns count(¬error) across the whole fleet.
func (s *NodeStore) CountNonError(ctx context.Context) (int, error) {
	var n int
	err := s.db.QueryRow(ctx, `SELECT count(*) FROM nodes WHERE lifecycle_state <> 'error'`).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("counting non-error nodes: %w", err)
	}
	return n, nil
}

func (s *NodeStore) list(ctx context.Context, sql string, args ...any) ([]*Node, error) {
	rows, err := s.db.Query(ctx, sql, args...)
	if err != nil {
		return nil, fmt.Errorf("querying nodes: %w", err)
	}
	defer rows.Close()

	var out []*Node
	for rows.Next() {
		n, err := scanNode(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning node row: %w", err)
		}
		out = append(out, n)
	}
	return out, rows.Err()
}

// Claim atomically binds an unbound node to userID: "update Node set
// binding = :user where id = :id and binding is null", returning
// ErrAlreadyClaimed on zero rows affected — the caller must re-read and
// pick another candidate. A node already bound to the same userID is also
// matched, so a redeploy against an already-assigned node re-claims rather
// than failing.
func (s *NodeStore) Claim(ctx context.Context, nodeID, userID uuid.UUID) (*Node, error) {
	row := s.db.QueryRow(ctx, `
		UPDATE nodes SET binding_user_id = $1, updated_at = now()
		WHERE id = $2 AND (binding_user_id IS NULL OR binding_user_id = $1)
		RETURNING `+nodeColumns, userID, nodeID)
	out, err := scanNode(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrAlreadyClaimed
	}
	if err != nil {
		return nil, fmt.Errorf("claiming node %s: %w", nodeID, err)
	}
	return out, nil
}

// SetLifecycleState persists a lifecycle transition.
func (s *NodeStore) SetLifecycleState(ctx context.Context, id uuid.UUID, state LifecycleState) error {
	_, err := s.db.Exec(ctx, `UPDATE nodes SET lifecycle_state = $1, updated_at = now() WHERE id = $2`, state, id)
	if err != nil {
		return fmt.Errorf("setting lifecycle state for node %s: %w", id, err)
	}
	return nil
}

// SetDeploymentStage persists a deployment_stage update.
func (s *NodeStore) SetDeploymentStage(ctx context.Context, id uuid.UUID, stage DeploymentStage) error {
	_, err := s.db.Exec(ctx, `UPDATE nodes SET deployment_stage = $1, updated_at = now() WHERE id = $2`, stage, id)
	if err != nil {
		return fmt.Errorf("setting deployment stage for node %s: %w", id, err)
	}
	return nil
}

// SetProviderInfo persists the provider-assigned identity and address once
// Create/WaitReady resolve them.
func (s *NodeStore) SetProviderInfo(ctx context.Context, id uuid.UUID, providerNodeID, ip, sshPassword string) error {
	_, err := s.db.Exec(ctx, `
		UPDATE nodes SET provider_node_id = $1, ip = $2, ssh_password = $3, updated_at = now()
		WHERE id = $4`, providerNodeID, ip, sshPassword, id)
	if err != nil {
		return fmt.Errorf("setting provider info for node %s: %w", id, err)
	}
	return nil
}

// SetHostKeyFingerprint persists the TOFU-pinned SSH host key fingerprint.
func (s *NodeStore) SetHostKeyFingerprint(ctx context.Context, id uuid.UUID, fingerprint string) error {
	_, err := s.db.Exec(ctx, `UPDATE nodes SET ssh_host_key_fingerprint = $1, updated_at = now() WHERE id = $2`, fingerprint, id)
	if err != nil {
		return fmt.Errorf("setting host key fingerprint for node %s: %w", id, err)
	}
	return nil
}

// SetRuntimeRunning persists whether the agent runtime container is up.
func (s *NodeStore) SetRuntimeRunning(ctx context.Context, id uuid.UUID, running bool) error {
	_, err := s.db.Exec(ctx, `UPDATE nodes SET runtime_running = $1, updated_at = now() WHERE id = $2`, running, id)
	if err != nil {
		return fmt.Errorf("setting runtime_running for node %s: %w", id, err)
	}
	return nil
}

// SetGatewayToken persists the node's HTTP/WS gateway token.
func (s *NodeStore) SetGatewayToken(ctx context.Context, id uuid.UUID, token string) error {
	_, err := s.db.Exec(ctx, `UPDATE nodes SET gateway_token = $1, updated_at = now() WHERE id = $2`, token, id)
	if err != nil {
		return fmt.Errorf("setting gateway token for node %s: %w", id, err)
	}
	return nil
}

// SetExtensionInstalled persists the extension-installed flag.
func (s *NodeStore) SetExtensionInstalled(ctx context.Context, id uuid.UUID, installed bool) error {
	_, err := s.db.Exec(ctx, `UPDATE nodes SET extension_installed = $1, updated_at = now() WHERE id = $2`, installed, id)
	if err != nil {
		return fmt.Errorf("setting extension_installed for node %s: %w", id, err)
	}
	return nil
}

// RecordError persists a diagnostic message and marks the node's health
// check timestamp. It does not itself change lifecycle_state.
func (s *NodeStore) RecordError(ctx context.Context, id uuid.UUID, message string) error {
	_, err := s.db.Exec(ctx, `
		UPDATE nodes SET last_error = $1, last_health_check = now(), updated_at = now() WHERE id = $2`,
		message, id)
	if err != nil {
		return fmt.Errorf("recording error for node %s: %w", id, err)
	}
	return nil
}

// ClearError is called after a successful converge to reset last_error.
func (s *NodeStore) ClearError(ctx context.Context, id uuid.UUID) error {
	_, err := s.db.Exec(ctx, `
		UPDATE nodes SET last_error = '', last_health_check = now(), updated_at = now() WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("clearing error for node %s: %w", id, err)
	}
	return nil
}

// Delete permanently removes a node row. Callers must first have deleted the
// provider-side resource.
func (s *NodeStore) Delete(ctx context.Context, id uuid.UUID) error {
	_, err := s.db.Exec(ctx, `DELETE FROM nodes WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("deleting node %s: %w", id, err)
	}
	return nil
}

// StuckSince reports whether a node's updated_at is older than threshold —
// used by the Pool Maintainer to find nodes stuck mid-provisioning.
func StuckSince(n *Node, threshold time.Duration) bool {
	return time.Since(n.UpdatedAt) > threshold
}
