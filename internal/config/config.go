// Package config resolves the node configuration from defaults, an
// optional YAML file (EDGE_CONFIG_FILE), and environment variables, in
// that order. Environment always wins so container deployments can
// override a baked-in file.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v2"
)

// Runtime modes accepted in EDGE_RUNTIME_MODE.
const (
	ModeWorker       = "worker"
	ModeCoordinator  = "coordinator"
	ModeControlPlane = "control-plane"
	ModeInference    = "inference"
	ModeIDEProvider  = "ide-provider"
	ModeAllInOne     = "all-in-one"
)

type Config struct {
	Runtime    RuntimeConfig    `yaml:"runtime"`
	Agent      AgentConfig      `yaml:"agent"`
	Mesh       MeshConfig       `yaml:"mesh"`
	Inference  InferenceConfig  `yaml:"inference"`
	Escalation EscalationConfig `yaml:"escalation"`
	Sandbox    SandboxConfig    `yaml:"sandbox"`
	Ledger     LedgerConfig     `yaml:"ledger"`
	Redis      RedisConfig      `yaml:"redis"`
}

type RuntimeConfig struct {
	Mode            string `yaml:"mode"`
	CoordinatorPort string `yaml:"coordinator_port"`
	InferencePort   string `yaml:"inference_port"`
	HandshakePort   string `yaml:"handshake_port"`
	IDEProviderPort string `yaml:"ide_provider_port"`
}

type AgentConfig struct {
	ID                 string `yaml:"id"`
	OS                 string `yaml:"os"`
	Mode               string `yaml:"mode"` // swarm-only | ide-enabled
	RegistrationToken  string `yaml:"registration_token"`
	CoordinatorURL     string `yaml:"coordinator_url"`
	MaxConcurrentTasks int    `yaml:"max_concurrent_tasks"`
	PeerOfferCooldown  time.Duration
	PrivateKeySeed     string `yaml:"-"` // NODE_PRIVATE_KEY, env only
}

type MeshConfig struct {
	AuthToken         string `yaml:"auth_token"`
	TrustedPeersFile  string `yaml:"trusted_peers_file"`
	GossipTTL         time.Duration
	BroadcastInterval time.Duration
	PeerStaleAfter    time.Duration
	GossipTTLMs       int `yaml:"gossip_ttl_ms"`
	BroadcastSeconds  int `yaml:"broadcast_interval_seconds"`
	PeerStaleSeconds  int `yaml:"peer_stale_seconds"`
}

type InferenceConfig struct {
	Provider              string `yaml:"provider"` // edgecoder-local | ollama-local
	OllamaModel           string `yaml:"ollama_model"`
	OllamaHost            string `yaml:"ollama_host"`
	AuthToken             string `yaml:"auth_token"`
	RequireSignedRequests bool   `yaml:"require_signed_requests"`
	MaxSignatureSkew      time.Duration
	NonceTTL              time.Duration
	MaxSignatureSkewMs    int `yaml:"max_signature_skew_ms"`
	NonceTTLMs            int `yaml:"nonce_ttl_ms"`
}

type EscalationConfig struct {
	ParentCoordinatorURL string `yaml:"parent_coordinator_url"`
	CloudInferenceURL    string `yaml:"cloud_inference_url"`
	CallbackURL          string `yaml:"callback_url"`
	MaxRetries           int    `yaml:"max_retries"`
	Timeout              time.Duration
	RetryBaseDelay       time.Duration
	TimeoutMs            int `yaml:"timeout_ms"`
	RetryBaseDelayMs     int `yaml:"retry_base_delay_ms"`
}

type SandboxConfig struct {
	Mode        string `yaml:"mode"` // none | vm | docker
	ImagePython string `yaml:"image_python"`
	ImageNode   string `yaml:"image_node"`
	MemoryBytes int64  `yaml:"memory_bytes"`
	CPUs        float64 `yaml:"cpus"`
	PidsLimit   int64  `yaml:"pids_limit"`
}

type LedgerConfig struct {
	DatabaseURL string `yaml:"database_url"`
}

type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

// Defaults returns the built-in configuration.
func Defaults() *Config {
	return &Config{
		Runtime: RuntimeConfig{
			Mode:            ModeAllInOne,
			CoordinatorPort: "4301",
			InferencePort:   "4302",
			HandshakePort:   "4303",
			IDEProviderPort: "4304",
		},
		Agent: AgentConfig{
			OS:                 "linux",
			Mode:               "swarm-only",
			MaxConcurrentTasks: 1,
			PeerOfferCooldown:  30 * time.Second,
		},
		Mesh: MeshConfig{
			GossipTTL:         30 * time.Second,
			BroadcastInterval: 60 * time.Second,
			PeerStaleAfter:    5 * time.Minute,
		},
		Inference: InferenceConfig{
			Provider:         "ollama-local",
			OllamaModel:      "qwen2.5-coder:7b",
			OllamaHost:       "http://127.0.0.1:11434",
			MaxSignatureSkew: 5 * time.Minute,
			NonceTTL:         5 * time.Minute,
		},
		Escalation: EscalationConfig{
			MaxRetries:     2,
			Timeout:        30 * time.Second,
			RetryBaseDelay: time.Second,
		},
		Sandbox: SandboxConfig{
			Mode:        "docker",
			ImagePython: "python:3.12-alpine",
			ImageNode:   "node:20-alpine",
			MemoryBytes: 256 * 1024 * 1024,
			CPUs:        0.5,
			PidsLimit:   50,
		},
	}
}

// Load resolves the effective configuration.
func Load() (*Config, error) {
	cfg := Defaults()

	if path := os.Getenv("EDGE_CONFIG_FILE"); path != "" {
		if err := cfg.mergeFile(path); err != nil {
			return nil, err
		}
	}

	cfg.applyEnv()

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) mergeFile(path string) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("failed to open config file: %w", err)
	}
	defer f.Close()

	if err := yaml.NewDecoder(f).Decode(c); err != nil {
		return fmt.Errorf("failed to parse config file %s: %w", path, err)
	}

	// YAML carries durations as integer fields; fold them in.
	if c.Mesh.GossipTTLMs > 0 {
		c.Mesh.GossipTTL = time.Duration(c.Mesh.GossipTTLMs) * time.Millisecond
	}
	if c.Mesh.BroadcastSeconds > 0 {
		c.Mesh.BroadcastInterval = time.Duration(c.Mesh.BroadcastSeconds) * time.Second
	}
	if c.Mesh.PeerStaleSeconds > 0 {
		c.Mesh.PeerStaleAfter = time.Duration(c.Mesh.PeerStaleSeconds) * time.Second
	}
	if c.Inference.MaxSignatureSkewMs > 0 {
		c.Inference.MaxSignatureSkew = time.Duration(c.Inference.MaxSignatureSkewMs) * time.Millisecond
	}
	if c.Inference.NonceTTLMs > 0 {
		c.Inference.NonceTTL = time.Duration(c.Inference.NonceTTLMs) * time.Millisecond
	}
	if c.Escalation.TimeoutMs > 0 {
		c.Escalation.Timeout = time.Duration(c.Escalation.TimeoutMs) * time.Millisecond
	}
	if c.Escalation.RetryBaseDelayMs > 0 {
		c.Escalation.RetryBaseDelay = time.Duration(c.Escalation.RetryBaseDelayMs) * time.Millisecond
	}
	return nil
}

func (c *Config) applyEnv() {
	setStr(&c.Runtime.Mode, "EDGE_RUNTIME_MODE")
	setStr(&c.Runtime.CoordinatorPort, "COORDINATOR_PORT")
	setStr(&c.Runtime.InferencePort, "INFERENCE_PORT")
	setStr(&c.Runtime.HandshakePort, "HANDSHAKE_PORT")
	setStr(&c.Runtime.IDEProviderPort, "IDE_PROVIDER_PORT")

	setStr(&c.Agent.ID, "AGENT_ID")
	setStr(&c.Agent.OS, "AGENT_OS")
	setStr(&c.Agent.Mode, "AGENT_MODE")
	setStr(&c.Agent.RegistrationToken, "AGENT_REGISTRATION_TOKEN")
	setStr(&c.Agent.CoordinatorURL, "COORDINATOR_URL")
	setInt(&c.Agent.MaxConcurrentTasks, "MAX_CONCURRENT_TASKS")
	setDurMs(&c.Agent.PeerOfferCooldown, "PEER_OFFER_COOLDOWN_MS")
	setStr(&c.Agent.PrivateKeySeed, "NODE_PRIVATE_KEY")

	setStr(&c.Mesh.AuthToken, "MESH_AUTH_TOKEN")
	setStr(&c.Mesh.TrustedPeersFile, "MESH_TRUSTED_PEERS_FILE")

	setStr(&c.Inference.Provider, "LOCAL_MODEL_PROVIDER")
	setStr(&c.Inference.OllamaModel, "OLLAMA_MODEL")
	setStr(&c.Inference.OllamaHost, "OLLAMA_HOST")
	setStr(&c.Inference.AuthToken, "INFERENCE_AUTH_TOKEN")
	setBool(&c.Inference.RequireSignedRequests, "INFERENCE_REQUIRE_SIGNED_COORDINATOR_REQUESTS")
	setDurMs(&c.Inference.MaxSignatureSkew, "INFERENCE_MAX_SIGNATURE_SKEW_MS")
	setDurMs(&c.Inference.NonceTTL, "INFERENCE_NONCE_TTL_MS")

	setStr(&c.Escalation.ParentCoordinatorURL, "PARENT_COORDINATOR_URL")
	setStr(&c.Escalation.CloudInferenceURL, "CLOUD_INFERENCE_URL")
	setStr(&c.Escalation.CallbackURL, "ESCALATION_CALLBACK_URL")
	setInt(&c.Escalation.MaxRetries, "ESCALATION_MAX_RETRIES")
	setDurMs(&c.Escalation.Timeout, "ESCALATION_TIMEOUT_MS")
	setDurMs(&c.Escalation.RetryBaseDelay, "ESCALATION_RETRY_BASE_DELAY_MS")

	setStr(&c.Sandbox.Mode, "SANDBOX_MODE")
	setStr(&c.Sandbox.ImagePython, "SANDBOX_IMAGE_PYTHON")
	setStr(&c.Sandbox.ImageNode, "SANDBOX_IMAGE_NODE")

	setStr(&c.Ledger.DatabaseURL, "LEDGER_DATABASE_URL")

	setStr(&c.Redis.Addr, "REDIS_ADDR")
	setStr(&c.Redis.Password, "REDIS_PASSWORD")
	setInt(&c.Redis.DB, "REDIS_DB")
}

func (c *Config) validate() error {
	switch c.Runtime.Mode {
	case ModeWorker, ModeCoordinator, ModeControlPlane, ModeInference, ModeIDEProvider, ModeAllInOne:
	default:
		return fmt.Errorf("unknown EDGE_RUNTIME_MODE %q", c.Runtime.Mode)
	}
	switch c.Agent.Mode {
	case "swarm-only", "ide-enabled":
	default:
		return fmt.Errorf("unknown AGENT_MODE %q", c.Agent.Mode)
	}
	if c.Agent.MaxConcurrentTasks < 1 {
		c.Agent.MaxConcurrentTasks = 1
	}
	return nil
}

func setStr(dst *string, name string) {
	if v := os.Getenv(name); v != "" {
		*dst = v
	}
}

func setInt(dst *int, name string) {
	if v := os.Getenv(name); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func setBool(dst *bool, name string) {
	if v := os.Getenv(name); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			*dst = b
		}
	}
}

func setDurMs(dst *time.Duration, name string) {
	if v := os.Getenv(name); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil && n > 0 {
			*dst = time.Duration(n) * time.Millisecond
		}
	}
}
