package voice

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/sonavox/sonavox/pkg/rt"
)

func TestValidate_Defaults(t *testing.T) {
	cfg := DefaultConfig()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("default config invalid: %v", err)
	}
}

func TestValidate_Failures(t *testing.T) {
	bad := 1.5
	tests := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{
			name:   "trigger above max delay",
			mutate: func(c *Config) { c.EndOfUtteranceSilenceTrigger = 0.9; c.MaxDelay = 0.5 },
			want:   "end_of_utterance_silence_trigger",
		},
		{
			name:   "sensitivity out of range",
			mutate: func(c *Config) { c.SpeakerSensitivity = &bad },
			want:   "speaker_sensitivity",
		},
		{
			name: "focus and ignore overlap",
			mutate: func(c *Config) {
				c.SpeakerFocus.FocusSpeakers = []string{"S1"}
				c.SpeakerFocus.IgnoreSpeakers = []string{"S1"}
			},
			want: "both focused and ignored",
		},
		{
			name:   "reserved known speaker label",
			mutate: func(c *Config) { c.KnownSpeakers = []rt.SpeakerIdentifier{{Label: "S2"}} },
			want:   "reserved",
		},
		{
			name:   "internal known speaker label",
			mutate: func(c *Config) { c.KnownSpeakers = []rt.SpeakerIdentifier{{Label: "__agent__"}} },
			want:   "internal",
		},
		{
			name:   "unknown policy",
			mutate: func(c *Config) { c.TurnPolicy = "psychic" },
			want:   "turn_policy",
		},
		{
			name:   "unknown emit mode",
			mutate: func(c *Config) { c.EmitMode = "morse" },
			want:   "emit_mode",
		},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tc.mutate(&cfg)
			err := cfg.Validate()
			if err == nil {
				t.Fatal("expected validation error")
			}
			if !strings.Contains(err.Error(), tc.want) {
				t.Errorf("error %q does not mention %q", err, tc.want)
			}
		})
	}
}

func TestValidate_ExternalPolicySkipsTriggerCheck(t *testing.T) {
	cfg := DefaultConfig()
	cfg.TurnPolicy = TurnPolicyExternal
	cfg.EndOfUtteranceSilenceTrigger = 5
	if err := cfg.Validate(); err != nil {
		t.Fatalf("external policy should not require a trigger below max_delay: %v", err)
	}
}

func TestPresets(t *testing.T) {
	tests := []struct {
		name     string
		maxDelay float64
		trigger  float64
		policy   TurnPolicy
		diar     bool
		emit     EmitMode
	}{
		{PresetFast, 0.5, 0.15, TurnPolicyFixed, true, EmitWords},
		{PresetAdaptive, 0.9, 0.2, TurnPolicyAdaptive, true, EmitComplete},
		{PresetSmartTurn, 1.0, 0.3, TurnPolicySmart, true, EmitComplete},
		{PresetScribe, 1.2, 0.3, TurnPolicyFixed, true, EmitSentences},
		{PresetCaptions, 0.7, 0.2, TurnPolicyFixed, false, EmitCompleteTiming},
		{PresetExternal, 0.7, 0.2, TurnPolicyExternal, true, EmitComplete},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			cfg, err := Preset(tc.name)
			if err != nil {
				t.Fatalf("Preset: %v", err)
			}
			if cfg.MaxDelay != tc.maxDelay {
				t.Errorf("max delay = %g, want %g", cfg.MaxDelay, tc.maxDelay)
			}
			if cfg.TurnPolicy != TurnPolicyExternal && cfg.EndOfUtteranceSilenceTrigger != tc.trigger {
				t.Errorf("trigger = %g, want %g", cfg.EndOfUtteranceSilenceTrigger, tc.trigger)
			}
			if cfg.TurnPolicy != tc.policy {
				t.Errorf("policy = %q, want %q", cfg.TurnPolicy, tc.policy)
			}
			if cfg.EnableDiarization != tc.diar {
				t.Errorf("diarization = %v, want %v", cfg.EnableDiarization, tc.diar)
			}
			if cfg.EmitMode != tc.emit {
				t.Errorf("emit mode = %q, want %q", cfg.EmitMode, tc.emit)
			}
			if err := cfg.Validate(); err != nil {
				t.Errorf("preset invalid: %v", err)
			}
		})
	}
}

func TestPreset_Unknown(t *testing.T) {
	if _, err := Preset("turbo"); err == nil {
		t.Fatal("expected error for unknown preset")
	}
}

func TestConfig_JSONRoundTrip(t *testing.T) {
	cfg := DefaultConfig()
	cfg.TurnPolicy = TurnPolicyAdaptive
	cfg.SpeakerFocus = SpeakerFocusConfig{Mode: FocusIgnore, IgnoreSpeakers: []string{"S3"}}

	data, err := json.Marshal(cfg)
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	var back Config
	if err := json.Unmarshal(data, &back); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	if back.TurnPolicy != TurnPolicyAdaptive {
		t.Errorf("turn policy = %q", back.TurnPolicy)
	}
	if back.SpeakerFocus.Mode != FocusIgnore || len(back.SpeakerFocus.IgnoreSpeakers) != 1 {
		t.Errorf("focus config not preserved: %+v", back.SpeakerFocus)
	}
	if back.SmartTurn.Threshold != 0.5 {
		t.Errorf("smart turn threshold = %g", back.SmartTurn.Threshold)
	}
}

func TestLoadConfig(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "voice.yaml")
	data := `
language: de
max_delay: 1.5
end_of_utterance_silence_trigger: 0.4
turn_policy: adaptive
emit_mode: complete
sample_rate: 8000
audio_encoding: mulaw
`
	if err := os.WriteFile(path, []byte(data), 0o600); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}
	if cfg.Language != "de" || cfg.MaxDelay != 1.5 || cfg.TurnPolicy != TurnPolicyAdaptive {
		t.Errorf("config not loaded: %+v", cfg)
	}
	if cfg.EndOfUtteranceMaxDelay != 10 {
		t.Errorf("defaults not preserved under partial file: %g", cfg.EndOfUtteranceMaxDelay)
	}
	if got := cfg.bytesPerSecond(); got != 8000 {
		t.Errorf("bytes per second = %d, want 8000 for mulaw", got)
	}
}

func TestLoadConfig_RejectsUnknownFields(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "voice.yaml")
	if err := os.WriteFile(path, []byte("langauge: en\n"), 0o600); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	if _, err := LoadConfig(path); err == nil {
		t.Fatal("expected error for misspelled field")
	}
}

func TestLoadConfig_RejectsInvalid(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "voice.yaml")
	if err := os.WriteFile(path, []byte("end_of_utterance_silence_trigger: 2.0\n"), 0o600); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	if _, err := LoadConfig(path); err == nil {
		t.Fatal("expected validation error")
	}
}
