// Package provider adapts the node-provider and model-router HTTP APIs,
// hiding their eventual consistency behind polling and bounded retries.
package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/fleetward/nodewarden/pkg/classify"
)

const (
	attachIPv4Retries = 5
	attachIPv4Gap     = 20 * time.Second
	waitReadyPoll     = 15 * time.Second
)

// NodeProvider is a thin client over the node-provider API: create, inspect,
// attach network, and delete compute instances.
type NodeProvider struct {
	baseURL    string
	httpClient *http.Client
	creds      Credentials
}

// NewNodeProvider creates a NodeProvider client.
func NewNodeProvider(baseURL string, creds Credentials) *NodeProvider {
	return &NodeProvider{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{},
		creds:      creds,
	}
}

// NodeStatus mirrors the provider's reported instance status.
type NodeStatus string

const (
	NodeStatusBooting NodeStatus = "booting"
	NodeStatusActive  NodeStatus = "active"
	NodeStatusError   NodeStatus = "error"
)

// NodeInfo is the provider's view of one instance.
type NodeInfo struct {
	Status       NodeStatus `json:"status"`
	IPv4         string     `json:"ipv4"`
	IPv6         string     `json:"ipv6"`
	RootPassword string     `json:"root_password"`
}

// Create requests a new instance, returning the provider-assigned ID. Create
// is not idempotent — callers must persist the returned ID before retrying
// on a subsequent failure.
func (p *NodeProvider) Create(ctx context.Context, name string) (providerID string, err error) {
	var result struct {
		ID string `json:"id"`
	}
	body := map[string]string{"name": name, "os_tag": p.creds.NodeProviderOSTag}
	if err := p.do(ctx, http.MethodPost, "/v1/nodes", body, &result); err != nil {
		return "", fmt.Errorf("creating node %q: %w", name, err)
	}
	return result.ID, nil
}

// Get reads the current provider-side status of an instance. It never
// returns a false negative for "not ready yet" — callers distinguish a
// still-booting status from an error by NodeStatus, not by error value.
func (p *NodeProvider) Get(ctx context.Context, providerID string) (*NodeInfo, error) {
	var info NodeInfo
	if err := p.do(ctx, http.MethodGet, "/v1/nodes/"+providerID, nil, &info); err != nil {
		return nil, classify.ProviderUnavailable(fmt.Sprintf("getting node %s", providerID), err)
	}
	return &info, nil
}

// AttachIPv4 requests an IPv4 address, retrying up to 5 times with a 20 s
// gap because the provider commits the assignment asynchronously.
func (p *NodeProvider) AttachIPv4(ctx context.Context, providerID string) (ipv4 string, err error) {
	var lastErr error
	for attempt := 1; attempt <= attachIPv4Retries; attempt++ {
		var result struct {
			IPv4 string `json:"ipv4"`
		}
		err := p.do(ctx, http.MethodPost, "/v1/nodes/"+providerID+"/ipv4", nil, &result)
		if err == nil && result.IPv4 != "" {
			return result.IPv4, nil
		}
		lastErr = err

		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-time.After(attachIPv4Gap):
		}
	}
	return "", classify.ProviderUnavailable(fmt.Sprintf("attaching ipv4 to node %s after %d attempts", providerID, attachIPv4Retries), lastErr)
}

// Delete removes a provider-side instance.
func (p *NodeProvider) Delete(ctx context.Context, providerID string) error {
	if err := p.do(ctx, http.MethodDelete, "/v1/nodes/"+providerID, nil, nil); err != nil {
		return classify.ProviderUnavailable(fmt.Sprintf("deleting node %s", providerID), err)
	}
	return nil
}

// ErrNoIPv4 is returned by WaitReady when the deadline is reached and the
// node never reported an IPv4 address even after AttachIPv4 attempts.
var ErrNoIPv4 = fmt.Errorf("node did not receive an ipv4 address")

// WaitReady polls Get every 15 s until the node is active with an IPv4
// address, attaching one explicitly if the provider only reports IPv6, or
// until ctx's deadline is reached.
func (p *NodeProvider) WaitReady(ctx context.Context, providerID string) (ipv4, rootPassword string, err error) {
	ticker := time.NewTicker(waitReadyPoll)
	defer ticker.Stop()

	for {
		info, err := p.Get(ctx, providerID)
		if err != nil {
			return "", "", err
		}

		switch info.Status {
		case NodeStatusError:
			return "", "", classify.ProviderUnavailable(fmt.Sprintf("node %s entered error status", providerID), nil)
		case NodeStatusActive:
			if info.IPv4 != "" {
				return info.IPv4, info.RootPassword, nil
			}
			ipv4, attachErr := p.AttachIPv4(ctx, providerID)
			if attachErr != nil {
				return "", "", fmt.Errorf("%w: %v", ErrNoIPv4, attachErr)
			}
			return ipv4, info.RootPassword, nil
		}

		select {
		case <-ctx.Done():
			return "", "", fmt.Errorf("waiting for node %s ready: %w", providerID, ctx.Err())
		case <-ticker.C:
		}
	}
}

func (p *NodeProvider) do(ctx context.Context, method, path string, body, result any) error {
	return doJSON(ctx, p.httpClient, p.baseURL, p.creds.NodeProviderToken, method, path, body, result)
}

func doJSON(ctx context.Context, client *http.Client, baseURL, token, method, path string, body, result any) error {
	var bodyReader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshalling request body: %w", err)
		}
		bodyReader = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, baseURL+path, bodyReader)
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+token)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("sending request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("unexpected status %d: %s", resp.StatusCode, string(b))
	}

	if result == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(result); err != nil {
		return fmt.Errorf("decoding response body: %w", err)
	}
	return nil
}
