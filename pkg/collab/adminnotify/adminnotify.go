// Package adminnotify specifies the admin-notification collaborator: a
// side channel for conditions that need a human, not a retry — pool
// exhaustion, a node stuck in error past the reaper's patience, a payment
// that succeeded but had nowhere to assign a node.
package adminnotify

import "context"

// Notifier sends a free-text alert to whatever channel the deployment's
// admins watch.
type Notifier interface {
	Notify(ctx context.Context, message string) error
}
