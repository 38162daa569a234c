// Package config loads the docrelay server configuration from a YAML or
// JSON file. Unknown fields are rejected so typos fail loudly at startup.
package config

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// ModelConfig describes the upstream OpenAI-compatible endpoint.
type ModelConfig struct {
	Name           string            `json:"name" yaml:"name"`
	BaseURL        string            `json:"base_url" yaml:"base_url"`
	ChatPath       string            `json:"chat_path,omitempty" yaml:"chat_path,omitempty"`
	EmbeddingsPath string            `json:"embeddings_path,omitempty" yaml:"embeddings_path,omitempty"`
	APIKeyEnv      string            `json:"api_key_env,omitempty" yaml:"api_key_env,omitempty"`
	TimeoutMS      int               `json:"timeout_ms,omitempty" yaml:"timeout_ms,omitempty"`
	Headers        map[string]string `json:"headers,omitempty" yaml:"headers,omitempty"`
}

// RetrievalConfig points at the prebuilt vector index. EmbeddingModel is
// optional: the index file records the model its vectors came from, and
// setting it here asserts the two agree at startup.
type RetrievalConfig struct {
	IndexPath      string `json:"index_path,omitempty" yaml:"index_path,omitempty"`
	EmbeddingModel string `json:"embedding_model,omitempty" yaml:"embedding_model,omitempty"`
	TopK           int    `json:"top_k,omitempty" yaml:"top_k,omitempty"`
}

// SessionConfig tunes per-session conversation behavior.
type SessionConfig struct {
	SystemPrompt       string `json:"system_prompt,omitempty" yaml:"system_prompt,omitempty"`
	HistoryWindow      int    `json:"history_window,omitempty" yaml:"history_window,omitempty"`
	ResubmitAfterTool  bool   `json:"resubmit_after_tool,omitempty" yaml:"resubmit_after_tool,omitempty"`
	CompactEveryTurn   *bool  `json:"compact_every_turn,omitempty" yaml:"compact_every_turn,omitempty"`
	CompactMinMessages int    `json:"compact_min_messages,omitempty" yaml:"compact_min_messages,omitempty"`
}

// ToolsConfig configures the built-in tools.
type ToolsConfig struct {
	CodeOutputPath string `json:"code_output_path,omitempty" yaml:"code_output_path,omitempty"`
	CorpusDir      string `json:"corpus_dir,omitempty" yaml:"corpus_dir,omitempty"`
}

// File is the on-disk configuration.
type File struct {
	ListenAddr string          `json:"listen_addr,omitempty" yaml:"listen_addr,omitempty"`
	Model      ModelConfig     `json:"model" yaml:"model"`
	Retrieval  RetrievalConfig `json:"retrieval,omitempty" yaml:"retrieval,omitempty"`
	Session    SessionConfig   `json:"session,omitempty" yaml:"session,omitempty"`
	Tools      ToolsConfig     `json:"tools,omitempty" yaml:"tools,omitempty"`
}

// Load reads, decodes, defaults, and validates a config file. The format
// is chosen by extension: .json is JSON, everything else is YAML.
func Load(path string) (*File, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var cfg File
	ext := strings.ToLower(filepath.Ext(path))
	switch ext {
	case ".json":
		if err := decodeJSONStrict(b, &cfg); err != nil {
			return nil, err
		}
	default:
		if err := decodeYAMLStrict(b, &cfg); err != nil {
			return nil, err
		}
	}
	applyDefaults(&cfg)
	if err := validate(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func decodeJSONStrict(b []byte, cfg *File) error {
	dec := json.NewDecoder(bytes.NewReader(b))
	dec.DisallowUnknownFields()
	if err := dec.Decode(cfg); err != nil {
		return err
	}
	var trailing any
	if err := dec.Decode(&trailing); err != io.EOF {
		if err == nil {
			return fmt.Errorf("json: multiple top-level values are not allowed")
		}
		return err
	}
	return nil
}

func decodeYAMLStrict(b []byte, cfg *File) error {
	dec := yaml.NewDecoder(bytes.NewReader(b))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil {
		return err
	}
	var trailing any
	if err := dec.Decode(&trailing); err != io.EOF {
		if err == nil {
			return fmt.Errorf("yaml: multiple documents are not allowed")
		}
		return err
	}
	return nil
}

func applyDefaults(cfg *File) {
	if cfg.ListenAddr == "" {
		cfg.ListenAddr = ":8080"
	}
	if cfg.Model.ChatPath == "" {
		cfg.Model.ChatPath = "/v1/chat/completions"
	}
	if cfg.Model.EmbeddingsPath == "" {
		cfg.Model.EmbeddingsPath = "/v1/embeddings"
	}
	if cfg.Retrieval.TopK <= 0 {
		cfg.Retrieval.TopK = 4
	}
	if cfg.Session.HistoryWindow <= 0 {
		cfg.Session.HistoryWindow = 8
	}
	if cfg.Session.CompactEveryTurn == nil {
		on := true
		cfg.Session.CompactEveryTurn = &on
	}
	if cfg.Tools.CodeOutputPath == "" {
		cfg.Tools.CodeOutputPath = "generated/code.js"
	}
}

func validate(cfg *File) error {
	if strings.TrimSpace(cfg.Model.Name) == "" {
		return fmt.Errorf("model.name is required")
	}
	if strings.TrimSpace(cfg.Model.BaseURL) == "" {
		return fmt.Errorf("model.base_url is required")
	}
	if cfg.Retrieval.EmbeddingModel != "" && cfg.Retrieval.IndexPath == "" {
		return fmt.Errorf("retrieval.embedding_model is set but retrieval.index_path is not")
	}
	if cfg.Model.TimeoutMS < 0 {
		return fmt.Errorf("model.timeout_ms must not be negative")
	}
	return nil
}

// APIKey resolves the upstream credential from the environment. An empty
// APIKeyEnv means the endpoint needs no credential.
func (m ModelConfig) APIKey() (string, error) {
	if m.APIKeyEnv == "" {
		return "", nil
	}
	key := os.Getenv(m.APIKeyEnv)
	if key == "" {
		return "", fmt.Errorf("environment variable %s is not set", m.APIKeyEnv)
	}
	return key, nil
}
