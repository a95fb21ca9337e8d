package voice

import "fmt"

// Preset names accepted by [Preset].
const (
	// PresetFast favours latency: earliest possible words, service-side
	// endpointing, word-level partial updates.
	PresetFast = "fast"
	// PresetAdaptive trades a little latency for content-aware turn ends.
	PresetAdaptive = "adaptive"
	// PresetSmartTurn adds the pluggable turn classifier on top of adaptive
	// timing.
	PresetSmartTurn = "smart_turn"
	// PresetScribe is tuned for note taking: whole sentences, no partials.
	PresetScribe = "scribe"
	// PresetCaptions is tuned for subtitle rendering: timing-sensitive
	// updates, diarization off.
	PresetCaptions = "captions"
	// PresetExternal leaves turn taking entirely to the application.
	PresetExternal = "external"
)

// Preset returns the named configuration preset.
func Preset(name string) (Config, error) {
	cfg := DefaultConfig()
	switch name {
	case PresetFast:
		cfg.MaxDelay = 0.5
		cfg.EndOfUtteranceSilenceTrigger = 0.15
		cfg.TurnPolicy = TurnPolicyFixed
		cfg.EmitMode = EmitWords
	case PresetAdaptive:
		cfg.MaxDelay = 0.9
		cfg.EndOfUtteranceSilenceTrigger = 0.2
		cfg.TurnPolicy = TurnPolicyAdaptive
		cfg.EmitMode = EmitComplete
	case PresetSmartTurn:
		cfg.MaxDelay = 1.0
		cfg.EndOfUtteranceSilenceTrigger = 0.3
		cfg.TurnPolicy = TurnPolicySmart
		cfg.EmitMode = EmitComplete
	case PresetScribe:
		cfg.MaxDelay = 1.2
		cfg.EndOfUtteranceSilenceTrigger = 0.3
		cfg.TurnPolicy = TurnPolicyFixed
		cfg.EmitMode = EmitSentences
	case PresetCaptions:
		cfg.MaxDelay = 0.7
		cfg.EndOfUtteranceSilenceTrigger = 0.2
		cfg.TurnPolicy = TurnPolicyFixed
		cfg.EnableDiarization = false
		cfg.EmitMode = EmitCompleteTiming
	case PresetExternal:
		cfg.MaxDelay = 0.7
		cfg.TurnPolicy = TurnPolicyExternal
		cfg.EmitMode = EmitComplete
	default:
		return cfg, fmt.Errorf("voice: unknown preset %q", name)
	}
	return cfg, nil
}
