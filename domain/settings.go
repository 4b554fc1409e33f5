package domain

import (
	"encoding/json"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// SettingsVersion is the current ChatSettings schema version. Version 0
// payloads carry legacy flat fields and are migrated once at the boundary.
const SettingsVersion = 2

// ChatSettings is the normalized generation-parameter block. A conversation
// may pin a snapshot at its first turn; later turns merge conversation
// overrides over the global defaults.
type ChatSettings struct {
	Version            int                        `json:"version" yaml:"version"`
	Temperature        *float64                   `json:"temperature,omitempty" yaml:"temperature,omitempty"`
	MaxTokens          *int                       `json:"max_tokens,omitempty" yaml:"max_tokens,omitempty"`
	SystemPrompt       string                     `json:"system_prompt,omitempty" yaml:"system_prompt,omitempty"`
	MaxContextMessages int                        `json:"max_context_messages,omitempty" yaml:"max_context_messages,omitempty"`
	Backends           map[string]BackendSettings `json:"backends,omitempty" yaml:"backends,omitempty"`
}

// BackendSettings is a per-backend override block.
type BackendSettings struct {
	Model           string   `json:"model,omitempty" yaml:"model,omitempty"`
	PermissionMode  string   `json:"permission_mode,omitempty" yaml:"permission_mode,omitempty"`
	AllowedTools    []string `json:"allowed_tools,omitempty" yaml:"allowed_tools,omitempty"`
	DisallowedTools []string `json:"disallowed_tools,omitempty" yaml:"disallowed_tools,omitempty"`
	ContextDirs     []string `json:"context_dirs,omitempty" yaml:"context_dirs,omitempty"`
}

// legacySettings mirrors the historical flat wire shape where per-backend
// fields lived at the top level and shadowed the nested blocks.
type legacySettings struct {
	Version         int                        `json:"version"`
	Temperature     *float64                   `json:"temperature"`
	MaxTokens       *int                       `json:"max_tokens"`
	SystemPrompt    string                     `json:"system_prompt"`
	MaxMessages     int                        `json:"max_context_messages"`
	Model           string                     `json:"model"`
	PermissionMode  string                     `json:"permission_mode"`
	AllowedTools    []string                   `json:"allowed_tools"`
	DisallowedTools []string                   `json:"disallowed_tools"`
	Backends        map[string]BackendSettings `json:"backends"`
}

// NormalizeSettings decodes a raw settings payload, migrating legacy flat
// fields into the per-backend block for backendName. This is the only place
// the flat shape is understood; everything downstream sees the normalized
// struct.
func NormalizeSettings(raw json.RawMessage, backendName string) (ChatSettings, error) {
	if len(raw) == 0 {
		return ChatSettings{Version: SettingsVersion}, nil
	}

	var legacy legacySettings
	if err := json.Unmarshal(raw, &legacy); err != nil {
		return ChatSettings{}, fmt.Errorf("decode settings: %w", err)
	}

	s := ChatSettings{
		Version:            SettingsVersion,
		Temperature:        legacy.Temperature,
		MaxTokens:          legacy.MaxTokens,
		SystemPrompt:       legacy.SystemPrompt,
		MaxContextMessages: legacy.MaxMessages,
		Backends:           legacy.Backends,
	}

	// Flat fields predate the nested blocks. They only apply when the nested
	// block doesn't already set the same field.
	if legacy.Model != "" || legacy.PermissionMode != "" || len(legacy.AllowedTools) > 0 || len(legacy.DisallowedTools) > 0 {
		if s.Backends == nil {
			s.Backends = map[string]BackendSettings{}
		}
		b := s.Backends[backendName]
		if b.Model == "" {
			b.Model = legacy.Model
		}
		if b.PermissionMode == "" {
			b.PermissionMode = legacy.PermissionMode
		}
		if len(b.AllowedTools) == 0 {
			b.AllowedTools = legacy.AllowedTools
		}
		if len(b.DisallowedTools) == 0 {
			b.DisallowedTools = legacy.DisallowedTools
		}
		s.Backends[backendName] = b
	}

	return s, nil
}

// MergeSettings layers override on top of base and returns the result. Scalar
// fields win when set in override; per-backend blocks merge field-wise.
func MergeSettings(base, override ChatSettings) ChatSettings {
	out := base
	out.Version = SettingsVersion

	if override.Temperature != nil {
		out.Temperature = override.Temperature
	}
	if override.MaxTokens != nil {
		out.MaxTokens = override.MaxTokens
	}
	if override.SystemPrompt != "" {
		out.SystemPrompt = override.SystemPrompt
	}
	if override.MaxContextMessages > 0 {
		out.MaxContextMessages = override.MaxContextMessages
	}

	if len(override.Backends) > 0 {
		merged := make(map[string]BackendSettings, len(base.Backends)+len(override.Backends))
		for k, v := range base.Backends {
			merged[k] = v
		}
		for k, ov := range override.Backends {
			b := merged[k]
			if ov.Model != "" {
				b.Model = ov.Model
			}
			if ov.PermissionMode != "" {
				b.PermissionMode = ov.PermissionMode
			}
			if len(ov.AllowedTools) > 0 {
				b.AllowedTools = ov.AllowedTools
			}
			if len(ov.DisallowedTools) > 0 {
				b.DisallowedTools = ov.DisallowedTools
			}
			if len(ov.ContextDirs) > 0 {
				b.ContextDirs = ov.ContextDirs
			}
			merged[k] = b
		}
		out.Backends = merged
	}

	return out
}

// Backend returns the override block for the named backend, or a zero block.
func (s ChatSettings) Backend(name string) BackendSettings {
	if s.Backends == nil {
		return BackendSettings{}
	}
	return s.Backends[name]
}

// LoadDefaultSettings reads an optional YAML defaults file. A missing file is
// not an error; it yields empty defaults.
func LoadDefaultSettings(path string) (ChatSettings, error) {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return ChatSettings{Version: SettingsVersion}, nil
	}
	if err != nil {
		return ChatSettings{}, fmt.Errorf("read settings defaults: %w", err)
	}

	var s ChatSettings
	if err := yaml.Unmarshal(data, &s); err != nil {
		return ChatSettings{}, fmt.Errorf("parse settings defaults: %w", err)
	}
	s.Version = SettingsVersion
	return s, nil
}
