// Package convergence is the Convergence Engine: given a node and a desired
// configuration, it drives the node's remote state to match through a
// scripted sequence of uploads and commands interleaved with verification
// probes, retrying with backoff until the remote state matches or the
// budget is exhausted.
package convergence

// DesiredSpec fingerprints every knob the node's remote configuration must
// match: provider credential, messaging-channel token, active model,
// fallback models, the auth-profile file contents (mirrors the credential
// exactly), the channel DM policy, the allow-list of peer IDs, and the
// flags governing the extension workspace and search adapter.
type DesiredSpec struct {
	ProviderCredential string
	ChannelToken       string
	ActiveModel        string
	FallbackModels     []string
	DMPolicy           string
	AllowedPeerIDs     []string
	ExtensionEnabled   bool
	SearchAdapter      bool
}

// AuthProfilesFile is the JSON document written to the agent workspace; its
// contents must mirror DesiredSpec.ProviderCredential exactly.
type AuthProfilesFile struct {
	Profiles map[string]AuthProfile `json:"profiles"`
	Default  string                 `json:"default"`
}

// AuthProfile is one named credential profile.
type AuthProfile struct {
	Provider string `json:"provider"`
	APIKey   string `json:"apiKey"`
}

// AllowListFile is the JSON document recording which messaging-channel
// peers the runtime accepts without pairing.
type AllowListFile struct {
	Version   int      `json:"version"`
	AllowFrom []string `json:"allowFrom"`
}

// RuntimeSpecFile is the YAML document consumed by the runtime itself.
type RuntimeSpecFile struct {
	Provider string   `yaml:"provider"`
	Model    string   `yaml:"model"`
	APIKey   string   `yaml:"api_key"`
	Gateway  Gateway  `yaml:"gateway"`
	Channels Channels `yaml:"channels"`
	Limits   Limits   `yaml:"limits"`
}

// Gateway configures the runtime's reverse-proxy facing surface.
type Gateway struct {
	Mode string     `yaml:"mode"`
	Bind string     `yaml:"bind"`
	Auth GatewayAuth `yaml:"auth"`
	ControlUI ControlUI `yaml:"controlUi"`
}

// GatewayAuth configures how the gateway authenticates inbound connections.
type GatewayAuth struct {
	Type  string `yaml:"type"`
	Token string `yaml:"token"`
}

// ControlUI configures the runtime's browser control surface.
type ControlUI struct {
	AllowedOrigins []string `yaml:"allowedOrigins"`
}

// Channels configures the runtime's messaging-channel integrations.
type Channels struct {
	Telegram TelegramChannel `yaml:"telegram"`
}

// TelegramChannel mirrors the runtime's known Telegram channel keys.
type TelegramChannel struct {
	Enabled     bool     `yaml:"enabled"`
	BotToken    string   `yaml:"botToken"`
	DMPolicy    string   `yaml:"dmPolicy"`
	AllowFrom   []string `yaml:"allowFrom"`
	GroupPolicy string   `yaml:"groupPolicy"`
	StreamMode  string   `yaml:"streamMode"`
}

// Limits bounds per-conversation resource usage.
type Limits struct {
	MaxTokensPerMessage  int `yaml:"max_tokens_per_message"`
	MaxContextMessages   int `yaml:"max_context_messages"`
}

func allowFromValue(peerIDs []string) []string {
	if len(peerIDs) == 0 {
		return []string{"*"}
	}
	return peerIDs
}

// buildRuntimeSpecFile projects a DesiredSpec into the YAML document the
// runtime reads on container start. allowFrom is passed in rather than
// recomputed so callers share the same defaulted slice the JSON allow-list
// file and the verify probes use.
func buildRuntimeSpecFile(spec DesiredSpec, allowFrom []string) RuntimeSpecFile {
	return RuntimeSpecFile{
		Provider: "openrouter",
		Model:    spec.ActiveModel,
		APIKey:   spec.ProviderCredential,
		Gateway: Gateway{
			Mode: "reverse_proxy",
			Bind: "0.0.0.0:8443",
			Auth: GatewayAuth{
				Type: "bearer",
				// Pushed to the node by ExposeGateway once the deploy
				// verifies; this file only sets the auth mode.
			},
			ControlUI: ControlUI{
				AllowedOrigins: []string{},
			},
		},
		Channels: Channels{
			Telegram: TelegramChannel{
				Enabled:     spec.ChannelToken != "",
				BotToken:    spec.ChannelToken,
				DMPolicy:    spec.DMPolicy,
				AllowFrom:   allowFrom,
				GroupPolicy: "deny",
				StreamMode:  "edit",
			},
		},
		Limits: Limits{
			MaxTokensPerMessage: 4096,
			MaxContextMessages:  50,
		},
	}
}
