// Package config loads the service configuration from a JSON file with an
// optional .env overlay. Every tunable the core honors is enumerated here;
// defaults apply before the file and environment are read.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

type Worker struct {
	Description     string `json:"description"`
	SystemDirective string `json:"systemDirective"`
}

type Config struct {
	DefaultModel string   `json:"defaultModel"`
	ModelRing    []string `json:"modelRing"`

	RetryAttempts           int     `json:"retryAttempts"`
	RetryBackoffBaseSeconds float64 `json:"retryBackoffBaseSeconds"`

	PerBackendTimeoutSeconds int `json:"perBackendTimeoutSeconds"`
	PerRequestBudgetSeconds  int `json:"perRequestBudgetSeconds"`
	PerBackendConcurrency    int `json:"perBackendConcurrency"`

	CycleCap int `json:"cycleCap"`

	SummarizationTriggerTokens int    `json:"summarizationTriggerTokens"`
	SummarizationKeepMessages  int    `json:"summarizationKeepMessages"`
	SummarizationModel         string `json:"summarizationModel"`

	ApprovalTTLSeconds           int `json:"approvalTtlSeconds"`
	ApprovalSweepIntervalSeconds int `json:"approvalSweepIntervalSeconds"`

	SensitiveToolPatterns []string `json:"sensitiveToolPatterns"`

	WorkerCatalog map[string]Worker `json:"workerCatalog"`

	WorkflowTemplatesPath  string `json:"workflowTemplatesPath"`
	WorkflowLLMSynthesis   bool   `json:"workflowLlmSynthesis"`
	ExternalToolBridgePath string `json:"externalToolBridgePath"`

	SkillsPath string `json:"skillsPath"`

	CheckpointDBPath string `json:"checkpointDbPath"`
	RedisAddr        string `json:"redisAddr"`
	RedisStream      string `json:"redisStream"`

	OpenAIAPIKey    string `json:"-"`
	AnthropicAPIKey string `json:"-"`
	GeminiAPIKey    string `json:"-"`
}

// DefaultSensitivePatterns are matched as case-insensitive substrings of tool
// names; the two skill mutators are listed by their full names.
var DefaultSensitivePatterns = []string{
	"delete", "modify", "update", "write", "execute_sql", "send_email",
	"create_skill", "update_skill",
}

func Default() Config {
	return Config{
		DefaultModel:                 "gpt-4o-mini",
		RetryAttempts:                3,
		RetryBackoffBaseSeconds:      1,
		PerBackendTimeoutSeconds:     60,
		PerRequestBudgetSeconds:      600,
		PerBackendConcurrency:        8,
		CycleCap:                     25,
		SummarizationTriggerTokens:   4000,
		SummarizationKeepMessages:    20,
		ApprovalTTLSeconds:           3600,
		ApprovalSweepIntervalSeconds: 60,
		SensitiveToolPatterns:        append([]string(nil), DefaultSensitivePatterns...),
		WorkflowTemplatesPath:        "templates",
		SkillsPath:                   "skills",
		CheckpointDBPath:             "data/checkpoints.db",
	}
}

// Load reads path as JSON over the defaults, then applies a .env file next to
// it (if present) and process environment variables for secrets and endpoint
// overrides.
func Load(path string) (Config, error) {
	cfg := Default()

	path = strings.TrimSpace(path)
	if path != "" {
		absPath, err := filepath.Abs(path)
		if err != nil {
			return Config{}, fmt.Errorf("failed to resolve config path: %w", err)
		}
		data, err := os.ReadFile(absPath)
		if err != nil {
			return Config{}, fmt.Errorf("failed to read config file %q: %w", absPath, err)
		}
		if err := json.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("failed to decode config file %q as JSON: %w", absPath, err)
		}
		// Missing .env is fine.
		_ = godotenv.Load(filepath.Join(filepath.Dir(absPath), ".env"))
	} else {
		_ = godotenv.Load()
	}

	cfg.applyEnv()
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() {
	if v := os.Getenv("OPENAI_API_KEY"); v != "" {
		c.OpenAIAPIKey = v
	}
	if v := os.Getenv("ANTHROPIC_API_KEY"); v != "" {
		c.AnthropicAPIKey = v
	}
	if v := os.Getenv("GEMINI_API_KEY"); v != "" {
		c.GeminiAPIKey = v
	}
	if v := os.Getenv("AGENTCORE_DEFAULT_MODEL"); v != "" {
		c.DefaultModel = v
	}
	if v := os.Getenv("AGENTCORE_REDIS_ADDR"); v != "" {
		c.RedisAddr = v
	}
	if v := os.Getenv("AGENTCORE_CHECKPOINT_DB"); v != "" {
		c.CheckpointDBPath = v
	}
	if v := os.Getenv("AGENTCORE_CYCLE_CAP"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.CycleCap = n
		}
	}
}

func (c Config) Validate() error {
	if strings.TrimSpace(c.DefaultModel) == "" {
		return fmt.Errorf("config: default model is required")
	}
	if c.RetryAttempts < 1 {
		return fmt.Errorf("config: retry attempts must be >= 1")
	}
	if c.RetryBackoffBaseSeconds <= 0 {
		return fmt.Errorf("config: retry backoff base must be positive")
	}
	if c.CycleCap < 1 {
		return fmt.Errorf("config: cycle cap must be >= 1")
	}
	if c.SummarizationKeepMessages < 1 {
		return fmt.Errorf("config: summarization keep messages must be >= 1")
	}
	if c.ApprovalTTLSeconds < 1 {
		return fmt.Errorf("config: approval ttl must be >= 1s")
	}
	if c.ApprovalSweepIntervalSeconds < 1 {
		return fmt.Errorf("config: approval sweep interval must be >= 1s")
	}
	if c.PerBackendConcurrency < 1 {
		return fmt.Errorf("config: per-backend concurrency must be >= 1")
	}
	for name, w := range c.WorkerCatalog {
		if strings.TrimSpace(name) == "" {
			return fmt.Errorf("config: worker catalog entry with empty name")
		}
		if strings.TrimSpace(w.SystemDirective) == "" {
			return fmt.Errorf("config: worker %q has no system directive", name)
		}
	}
	return nil
}

// Ring returns the model ring, falling back to a single-member ring on the
// default model.
func (c Config) Ring() []string {
	if len(c.ModelRing) > 0 {
		return append([]string(nil), c.ModelRing...)
	}
	return []string{c.DefaultModel}
}

func (c Config) ApprovalTTL() time.Duration {
	return time.Duration(c.ApprovalTTLSeconds) * time.Second
}

func (c Config) ApprovalSweepInterval() time.Duration {
	return time.Duration(c.ApprovalSweepIntervalSeconds) * time.Second
}

func (c Config) PerBackendTimeout() time.Duration {
	return time.Duration(c.PerBackendTimeoutSeconds) * time.Second
}

func (c Config) PerRequestBudget() time.Duration {
	return time.Duration(c.PerRequestBudgetSeconds) * time.Second
}

func (c Config) RetryBackoffBase() time.Duration {
	return time.Duration(c.RetryBackoffBaseSeconds * float64(time.Second))
}
