package api

// User-facing strings returned in error envelopes or admin notifications.
// Defined as constants up front so nothing goes out the door undefined —
// including the pairing-approval usage hint, which earlier drafts of this
// surface left unwritten.
const (
	errCodeBadRequest      = "bad_request"
	errCodeValidation      = "validation_error"
	errCodeNotFound        = "not_found"
	errCodeConflict        = "deploy_in_progress"
	errCodeUnauthenticated = "authentication_failed"
	errCodeUpstream        = "upstream_error"

	msgNoNodeAssigned    = "no node is assigned to this account yet"
	msgDeployInProgress  = "a deploy is already in flight for this node"
	msgPairingBadCode    = "pairing code must match " + pairingCodePattern
	msgPairingRejected   = "the runtime rejected the pairing code"
	msgWebhookBadAuth    = "missing or invalid webhook secret"
	msgWebhookBadPayload = "malformed webhook payload"

	// PAIRING_USAGE is appended to the 400 response of the pairing-approve
	// endpoint when a pairing code fails validation before ever reaching
	// the runtime's pairing CLI.
	pairingUsage = "usage: send the 8-character pairing code shown in your terminal, letters/digits/hyphen/underscore only"
)

const pairingCodePattern = `^[A-Za-z0-9_-]{1,64}$`
