package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

// Named configuration keys. Preflight and guardrail decisions report these
// verbatim so operators know exactly what to set.
const (
	KeyStage          = "stage"
	KeyGitHubToken    = "github.token"
	KeyRepo           = "github.repo"
	KeyBaseBranch     = "github.base_branch"
	KeyTriggerLabel   = "trigger.label"
	KeyTriggerComment = "trigger.comment"
	KeyVerifyWorkflow = "verify.workflow"
)

// Capabilities a caller may exercise against the provider. The policy file
// allow-lists repos per capability and declares the credential's scopes.
const (
	CapRepoWrite        = "repo_write"
	CapWorkflowDispatch = "workflow_dispatch"
)

// Config models afu.yml plus environment overrides (AFU_* via viper).
type Config struct {
	Stage  string `yaml:"stage"`
	GitHub struct {
		Token      string   `yaml:"token"`
		Repo       string   `yaml:"repo"`
		BaseBranch string   `yaml:"base_branch"`
		Scopes     []string `yaml:"scopes"`
	} `yaml:"github"`
	Trigger struct {
		Label   string `yaml:"label"`
		Comment string `yaml:"comment"`
	} `yaml:"trigger"`
	Verify struct {
		Workflow       string `yaml:"workflow"`
		TimeoutSeconds int    `yaml:"timeout_seconds"`
	} `yaml:"verify"`
	Policy struct {
		Allowlist map[string][]string `yaml:"allowlist"`
	} `yaml:"policy"`
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "afu.yml")
}

// Load reads the policy file and applies environment overrides. A missing
// file is not an error; env-only configuration is a supported mode.
func Load(workspace string) (*Config, error) {
	var cfg Config
	data, err := os.ReadFile(Path(workspace))
	if err != nil {
		if !os.IsNotExist(err) {
			return nil, err
		}
	} else if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("invalid config yaml: %w", err)
	}
	cfg.applyEnv()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// FromYAML parses and validates config from raw YAML bytes.
func FromYAML(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("invalid config yaml: %w", err)
	}
	cfg.applyEnv()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) applyEnv() {
	if v := viper.GetString("stage"); v != "" {
		c.Stage = v
	}
	if v := viper.GetString("github-token"); v != "" {
		c.GitHub.Token = v
	}
	if v := viper.GetString("github-repo"); v != "" {
		c.GitHub.Repo = v
	}
	if v := viper.GetString("base-branch"); v != "" {
		c.GitHub.BaseBranch = v
	}
	if c.GitHub.BaseBranch == "" {
		c.GitHub.BaseBranch = "main"
	}
	if c.Verify.TimeoutSeconds == 0 {
		c.Verify.TimeoutSeconds = 600
	}
}

// Validate checks structural consistency; it does not require credentials,
// which are reported per-operation through Missing.
func (c *Config) Validate() error {
	for capability, repos := range c.Policy.Allowlist {
		if capability != CapRepoWrite && capability != CapWorkflowDispatch {
			return fmt.Errorf("config.policy.allowlist has unknown capability %s", capability)
		}
		for _, r := range repos {
			if !strings.Contains(r, "/") {
				return fmt.Errorf("allow-listed repo %s must be owner/name", r)
			}
		}
	}
	for _, s := range c.GitHub.Scopes {
		if s == "" {
			return fmt.Errorf("config.github.scopes contains empty scope")
		}
	}
	return nil
}

// Get returns the resolved value for a named key, empty if unset.
func (c *Config) Get(key string) string {
	switch key {
	case KeyStage:
		return c.Stage
	case KeyGitHubToken:
		return c.GitHub.Token
	case KeyRepo:
		return c.GitHub.Repo
	case KeyBaseBranch:
		return c.GitHub.BaseBranch
	case KeyTriggerLabel:
		return c.Trigger.Label
	case KeyTriggerComment:
		return c.Trigger.Comment
	case KeyVerifyWorkflow:
		return c.Verify.Workflow
	}
	return ""
}

// Missing reports exactly which of the named keys are unset, in input order.
func (c *Config) Missing(keys ...string) []string {
	var missing []string
	for _, k := range keys {
		if c.Get(k) == "" {
			missing = append(missing, k)
		}
	}
	return missing
}

// Allowed reports whether repo is allow-listed for the capability. An absent
// allowlist for a capability denies everything; policy is opt-in.
func (c *Config) Allowed(capability, repo string) bool {
	for _, r := range c.Policy.Allowlist[capability] {
		if strings.EqualFold(r, repo) {
			return true
		}
	}
	return false
}

// HasScope reports whether the declared credential scopes cover scope. An
// empty declaration is treated as unrestricted for backwards compatibility.
func (c *Config) HasScope(scope string) bool {
	if len(c.GitHub.Scopes) == 0 {
		return true
	}
	for _, s := range c.GitHub.Scopes {
		if s == scope {
			return true
		}
	}
	return false
}

// GenerateDefault returns default config YAML for a stage.
func GenerateDefault(stage string) string {
	return fmt.Sprintf(defaultTemplate, stage)
}

// Default returns the default Config struct for a stage.
func Default(stage string) *Config {
	var cfg Config
	_ = yaml.Unmarshal([]byte(fmt.Sprintf(defaultTemplate, stage)), &cfg)
	cfg.applyEnv()
	return &cfg
}

const defaultTemplate = `stage: %s

github:
  repo: ""
  base_branch: main
  scopes: [repo, workflow]

trigger:
  label: afu-implement
  comment: "@afu-bot implement {short_id}"

verify:
  workflow: verify.yml
  timeout_seconds: 600

policy:
  allowlist:
    repo_write: []
    workflow_dispatch: []
`
