package transcriber

import (
	"sort"

	"subtitle-stt-engine/internal/service/stt"
)

// AutoLanguage asks the recognizer to detect the language.
const AutoLanguage = "auto"

// reservedKeys are recognition options the protocol controls. Extra parameters
// cannot override them.
var reservedKeys = map[string]struct{}{
	"language":           {},
	"word_timestamps":    {},
	"vad_filter":         {},
	"without_timestamps": {},
}

// ReservedKeys lists the option names extras may not set.
func ReservedKeys() []string {
	out := make([]string, 0, len(reservedKeys))
	for k := range reservedKeys {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// MergeOptions returns base with extra attached as its Extra map, minus any
// reserved keys. extra is not modified.
func MergeOptions(extra map[string]any, base stt.Options) stt.Options {
	merged := make(map[string]any, len(extra))
	for k, v := range extra {
		if _, reserved := reservedKeys[k]; reserved {
			continue
		}
		merged[k] = v
	}
	base.Extra = merged
	return base
}

// Settings is the worker's local configuration.
type Settings struct {
	Language string
	Model    stt.ModelConfig
	Extra    map[string]any
}

// DefaultSettings returns the standard worker settings.
func DefaultSettings() Settings {
	return Settings{
		Language: "ko",
		Model: stt.ModelConfig{
			Model:       "large-v3-turbo",
			Device:      "cuda",
			ComputeType: "float16",
		},
	}
}

// recognitionLanguage maps "auto" to the empty language.
func (s Settings) recognitionLanguage() string {
	if s.Language == AutoLanguage {
		return ""
	}
	return s.Language
}

// SettingsUpdate carries the fields to change; nil fields are left alone. A
// non-nil Extra replaces the extra parameters wholesale.
type SettingsUpdate struct {
	Language        *string        `json:"language,omitempty" yaml:"language,omitempty"`
	Model           *string        `json:"model,omitempty" yaml:"model,omitempty"`
	Device          *string        `json:"device,omitempty" yaml:"device,omitempty"`
	ComputeType     *string        `json:"compute_type,omitempty" yaml:"compute_type,omitempty"`
	CustomModelPath *string        `json:"custom_model_path,omitempty" yaml:"custom_model_path,omitempty"`
	Extra           map[string]any `json:"extra,omitempty" yaml:"extra,omitempty"`
}

// Apply merges u into s and returns the names of the changed fields.
func (s *Settings) Apply(u SettingsUpdate) []string {
	var changed []string
	set := func(name string, dst *string, v *string) {
		if v != nil {
			*dst = *v
			changed = append(changed, name)
		}
	}
	set("language", &s.Language, u.Language)
	set("model", &s.Model.Model, u.Model)
	set("device", &s.Model.Device, u.Device)
	set("compute_type", &s.Model.ComputeType, u.ComputeType)
	set("custom_model_path", &s.Model.CustomModelPath, u.CustomModelPath)
	if u.Extra != nil {
		s.Extra = make(map[string]any, len(u.Extra))
		for k, v := range u.Extra {
			s.Extra[k] = v
		}
		changed = append(changed, "extra")
	}
	return changed
}
