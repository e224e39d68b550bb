package provider

import (
	"context"
	"fmt"
	"net/http"
	"strings"
)

// ModelRouter is a thin client over the per-user model-router credential
// service: mint, inspect, patch, and revoke per-user API keys.
type ModelRouter struct {
	baseURL    string
	httpClient *http.Client
	creds      Credentials
}

// NewModelRouter creates a ModelRouter client.
func NewModelRouter(baseURL string, creds Credentials) *ModelRouter {
	return &ModelRouter{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{},
		creds:      creds,
	}
}

// CreateKeyResult separates the one-time plaintext secret from the durable
// handle so callers cannot accidentally persist the secret where the handle
// belongs — Handle is what every later lifecycle call (GetKey, Patch,
// Delete) addresses the key by.
type CreateKeyResult struct {
	Secret string
	Handle string
}

type createKeyRequest struct {
	Name       string  `json:"name"`
	Limit      float64 `json:"limit"`
	LimitReset bool    `json:"limit_reset"`
}

type createKeyResponse struct {
	Key  string `json:"key"`
	Data struct {
		Hash string `json:"hash"`
	} `json:"data"`
}

// CreateKey mints a new per-user API key. Not idempotent: callers must
// persist the returned Handle before reporting success to the user.
func (m *ModelRouter) CreateKey(ctx context.Context, label string, monthlyLimitUSD float64) (*CreateKeyResult, error) {
	var resp createKeyResponse
	req := createKeyRequest{Name: label, Limit: monthlyLimitUSD, LimitReset: true}
	if err := m.do(ctx, http.MethodPost, "/v1/keys", req, &resp); err != nil {
		return nil, fmt.Errorf("creating model router key for %q: %w", label, err)
	}
	return &CreateKeyResult{Secret: resp.Key, Handle: resp.Data.Hash}, nil
}

// KeyUsage reports a key's consumed and allotted monthly spend.
type KeyUsage struct {
	UsageUSD float64 `json:"usage"`
	LimitUSD float64 `json:"limit"`
}

// Remaining reports the USD budget left before the key's limit is hit.
func (u KeyUsage) Remaining() float64 { return u.LimitUSD - u.UsageUSD }

// GetKey reads a key's current usage and limit by handle.
func (m *ModelRouter) GetKey(ctx context.Context, handle string) (*KeyUsage, error) {
	var usage KeyUsage
	if err := m.do(ctx, http.MethodGet, "/v1/keys/"+handle, nil, &usage); err != nil {
		return nil, fmt.Errorf("getting model router key %s: %w", handle, err)
	}
	return &usage, nil
}

// PatchKeyRequest carries optional fields; only non-nil fields are applied.
type PatchKeyRequest struct {
	LimitUSD     *float64 `json:"limit,omitempty"`
	Disabled     *bool    `json:"disabled,omitempty"`
	MonthlyReset *bool    `json:"monthly_reset,omitempty"`
}

// Patch updates limit/disabled/monthly_reset fields on an existing key.
func (m *ModelRouter) Patch(ctx context.Context, handle string, patch PatchKeyRequest) error {
	if err := m.do(ctx, http.MethodPatch, "/v1/keys/"+handle, patch, nil); err != nil {
		return fmt.Errorf("patching model router key %s: %w", handle, err)
	}
	return nil
}

// Enable re-enables a key, used when a user's non-deactivated node already
// exists and they subscribe again.
func (m *ModelRouter) Enable(ctx context.Context, handle string) error {
	disabled := false
	return m.Patch(ctx, handle, PatchKeyRequest{Disabled: &disabled})
}

// Disable turns off a key without deleting it, used by the sweeper on
// non-renewing expiry.
func (m *ModelRouter) Disable(ctx context.Context, handle string) error {
	disabled := true
	return m.Patch(ctx, handle, PatchKeyRequest{Disabled: &disabled})
}

// ResetLimit zeroes a key's accumulated usage for the new billing period.
func (m *ModelRouter) ResetLimit(ctx context.Context, handle string) error {
	reset := true
	return m.Patch(ctx, handle, PatchKeyRequest{MonthlyReset: &reset})
}

// Delete revokes a key permanently.
func (m *ModelRouter) Delete(ctx context.Context, handle string) error {
	if err := m.do(ctx, http.MethodDelete, "/v1/keys/"+handle, nil, nil); err != nil {
		return fmt.Errorf("deleting model router key %s: %w", handle, err)
	}
	return nil
}

// CheckKeyUsage looks up usage by the plaintext secret rather than the
// handle, used by the agent runtime itself to self-report remaining budget.
func (m *ModelRouter) CheckKeyUsage(ctx context.Context, secret string) (*KeyUsage, error) {
	var usage KeyUsage
	if err := m.do(ctx, http.MethodGet, "/v1/keys/usage?secret="+secret, nil, &usage); err != nil {
		return nil, fmt.Errorf("checking model router key usage: %w", err)
	}
	return &usage, nil
}

func (m *ModelRouter) do(ctx context.Context, method, path string, body, result any) error {
	return doJSON(ctx, m.httpClient, m.baseURL, m.creds.ModelRouterAdminKey, method, path, body, result)
}
