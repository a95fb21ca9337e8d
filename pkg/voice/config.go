package voice

import (
	"errors"
	"fmt"
	"os"
	"regexp"

	"gopkg.in/yaml.v3"

	"github.com/sonavox/sonavox/pkg/rt"
)

// TurnPolicy selects how end of turn is decided.
type TurnPolicy string

const (
	// TurnPolicyFixed closes the turn on the service's own silence-based
	// end-of-utterance signal.
	TurnPolicyFixed TurnPolicy = "fixed"
	// TurnPolicyAdaptive opens a content-aware prediction window on each
	// end-of-utterance and closes the turn when it elapses without speech.
	TurnPolicyAdaptive TurnPolicy = "adaptive"
	// TurnPolicySmart asks a pluggable classifier whether the turn is
	// complete, falling back to adaptive when none is available.
	TurnPolicySmart TurnPolicy = "smart"
	// TurnPolicyExternal ignores end-of-utterance entirely; only an explicit
	// Finalize with endOfTurn=true closes a turn.
	TurnPolicyExternal TurnPolicy = "external"
)

// FocusMode controls what happens to speakers outside the focus set.
type FocusMode string

const (
	// FocusRetain emits segments for everyone but marks only focused
	// speakers as active.
	FocusRetain FocusMode = "retain"
	// FocusIgnore suppresses all output, partials included, from ignored
	// speakers.
	FocusIgnore FocusMode = "ignore"
)

// EmitMode controls the cadence of partial segment updates.
type EmitMode string

const (
	// EmitWords emits a partial update whenever the word sequence changes,
	// ignoring punctuation- or timing-only revisions.
	EmitWords EmitMode = "words"
	// EmitComplete emits a partial update whenever the full text changes.
	EmitComplete EmitMode = "complete"
	// EmitCompleteTiming additionally emits when only timings moved.
	EmitCompleteTiming EmitMode = "complete+timing"
	// EmitSentences suppresses partial updates entirely; only closed
	// segments are emitted.
	EmitSentences EmitMode = "sentences"
)

// SmartTurnConfig tunes the smart turn-detection policy.
type SmartTurnConfig struct {
	// Threshold is the minimum P(turn complete) that closes a turn.
	Threshold float64 `json:"threshold" yaml:"threshold"`
	// BufferSeconds is how much trailing audio is kept for the classifier.
	BufferSeconds float64 `json:"audio_buffer_length" yaml:"audio_buffer_length"`
	// SliceMargin is extra audio past the utterance end fed to the
	// classifier, in seconds.
	SliceMargin float64 `json:"slice_margin" yaml:"slice_margin"`
}

// SpeakerFocusConfig restricts processing to a set of speakers.
// FocusSpeakers and IgnoreSpeakers must be disjoint.
type SpeakerFocusConfig struct {
	Mode           FocusMode `json:"mode" yaml:"mode"`
	FocusSpeakers  []string  `json:"focus_speakers,omitempty" yaml:"focus_speakers"`
	IgnoreSpeakers []string  `json:"ignore_speakers,omitempty" yaml:"ignore_speakers"`
}

// Config is the full configuration surface of a [Client].
type Config struct {
	// Language is the transcription language code. Default "en".
	Language string `json:"language" yaml:"language"`
	// OperatingPoint selects the acoustic model accuracy/latency tradeoff.
	OperatingPoint rt.OperatingPoint `json:"operating_point,omitempty" yaml:"operating_point"`
	Domain         string            `json:"domain,omitempty" yaml:"domain"`
	OutputLocale   string            `json:"output_locale,omitempty" yaml:"output_locale"`

	// MaxDelay bounds how long the service may hold back final words.
	MaxDelay float64 `json:"max_delay" yaml:"max_delay"`
	// EndOfUtteranceSilenceTrigger is the silence duration after which the
	// service emits EndOfUtterance. Must be below MaxDelay.
	EndOfUtteranceSilenceTrigger float64 `json:"end_of_utterance_silence_trigger" yaml:"end_of_utterance_silence_trigger"`
	// EndOfUtteranceMaxDelay is the hard ceiling after which any open turn
	// is force-closed regardless of policy. Default 10s.
	EndOfUtteranceMaxDelay float64 `json:"end_of_utterance_max_delay" yaml:"end_of_utterance_max_delay"`
	// MaxIntraGap is the largest silence inside one segment; a longer gap
	// between words opens a new segment. Zero means MaxDelay.
	MaxIntraGap float64 `json:"max_intra_gap,omitempty" yaml:"max_intra_gap"`

	TurnPolicy TurnPolicy      `json:"turn_policy" yaml:"turn_policy"`
	SmartTurn  SmartTurnConfig `json:"smart_turn_config" yaml:"smart_turn_config"`

	EnableDiarization    bool                   `json:"enable_diarization" yaml:"enable_diarization"`
	SpeakerSensitivity   *float64               `json:"speaker_sensitivity,omitempty" yaml:"speaker_sensitivity"`
	MaxSpeakers          *int                   `json:"max_speakers,omitempty" yaml:"max_speakers"`
	PreferCurrentSpeaker bool                   `json:"prefer_current_speaker,omitempty" yaml:"prefer_current_speaker"`
	SpeakerFocus         SpeakerFocusConfig     `json:"speaker_focus" yaml:"speaker_focus"`
	KnownSpeakers        []rt.SpeakerIdentifier `json:"known_speakers,omitempty" yaml:"known_speakers"`

	AdditionalVocab      []rt.AdditionalVocabEntry `json:"additional_vocab,omitempty" yaml:"additional_vocab"`
	PunctuationOverrides map[string]any            `json:"punctuation_overrides,omitempty" yaml:"punctuation_overrides"`

	SampleRate    int              `json:"sample_rate" yaml:"sample_rate"`
	AudioEncoding rt.AudioEncoding `json:"audio_encoding" yaml:"audio_encoding"`

	// IncludeResults attaches the per-word results to emitted segments.
	IncludeResults bool `json:"include_results" yaml:"include_results"`
	// EmitMode controls the partial update cadence.
	EmitMode EmitMode `json:"emit_mode" yaml:"emit_mode"`
}

// DefaultConfig returns the baseline configuration every preset builds on.
func DefaultConfig() Config {
	return Config{
		Language:                     "en",
		OperatingPoint:               rt.OperatingPointEnhanced,
		MaxDelay:                     0.7,
		EndOfUtteranceSilenceTrigger: 0.2,
		EndOfUtteranceMaxDelay:       10,
		TurnPolicy:                   TurnPolicyFixed,
		SmartTurn: SmartTurnConfig{
			Threshold:     0.5,
			BufferSeconds: 8,
			SliceMargin:   0.1,
		},
		EnableDiarization: true,
		SpeakerFocus:      SpeakerFocusConfig{Mode: FocusRetain},
		SampleRate:        16000,
		AudioEncoding:     rt.EncodingPCMS16LE,
		EmitMode:          EmitComplete,
	}
}

var (
	reservedLabelRe = regexp.MustCompile(`^S\d+$`)
	internalLabelRe = regexp.MustCompile(`^__.+__$`)
)

// Validate reports all configuration problems at once.
func (c *Config) Validate() error {
	var errs []error

	if c.Language == "" {
		errs = append(errs, errors.New("language must not be empty"))
	}
	if c.MaxDelay <= 0 {
		errs = append(errs, errors.New("max_delay must be positive"))
	}
	if c.TurnPolicy != TurnPolicyExternal && c.EndOfUtteranceSilenceTrigger >= c.MaxDelay {
		errs = append(errs, fmt.Errorf(
			"end_of_utterance_silence_trigger (%g) must be below max_delay (%g)",
			c.EndOfUtteranceSilenceTrigger, c.MaxDelay))
	}
	switch c.TurnPolicy {
	case TurnPolicyFixed, TurnPolicyAdaptive, TurnPolicySmart, TurnPolicyExternal:
	default:
		errs = append(errs, fmt.Errorf("unknown turn_policy %q", c.TurnPolicy))
	}
	switch c.EmitMode {
	case EmitWords, EmitComplete, EmitCompleteTiming, EmitSentences:
	default:
		errs = append(errs, fmt.Errorf("unknown emit_mode %q", c.EmitMode))
	}
	if s := c.SpeakerSensitivity; s != nil && (*s < 0 || *s > 1) {
		errs = append(errs, fmt.Errorf("speaker_sensitivity %g outside [0, 1]", *s))
	}
	if c.SampleRate <= 0 {
		errs = append(errs, errors.New("sample_rate must be positive"))
	}

	switch c.SpeakerFocus.Mode {
	case FocusRetain, FocusIgnore, "":
	default:
		errs = append(errs, fmt.Errorf("unknown speaker_focus mode %q", c.SpeakerFocus.Mode))
	}
	focused := make(map[string]bool, len(c.SpeakerFocus.FocusSpeakers))
	for _, s := range c.SpeakerFocus.FocusSpeakers {
		focused[s] = true
	}
	for _, s := range c.SpeakerFocus.IgnoreSpeakers {
		if focused[s] {
			errs = append(errs, fmt.Errorf("speaker %q is both focused and ignored", s))
		}
	}

	for _, ks := range c.KnownSpeakers {
		if reservedLabelRe.MatchString(ks.Label) {
			errs = append(errs, fmt.Errorf("known speaker label %q uses the reserved S<N> pattern", ks.Label))
		}
		if internalLabelRe.MatchString(ks.Label) {
			errs = append(errs, fmt.Errorf("known speaker label %q uses the internal __…__ pattern", ks.Label))
		}
	}

	return errors.Join(errs...)
}

// maxIntraGap returns the effective intra-segment gap limit.
func (c *Config) maxIntraGap() float64 {
	if c.MaxIntraGap > 0 {
		return c.MaxIntraGap
	}
	return c.MaxDelay
}

// transcriptionConfig maps the client configuration onto the wire config
// carried by the session-start message.
func (c *Config) transcriptionConfig() rt.TranscriptionConfig {
	enablePartials := true
	maxDelay := c.MaxDelay
	tc := rt.TranscriptionConfig{
		Language:             c.Language,
		OperatingPoint:       c.OperatingPoint,
		Domain:               c.Domain,
		OutputLocale:         c.OutputLocale,
		MaxDelay:             &maxDelay,
		EnablePartials:       &enablePartials,
		AdditionalVocab:      c.AdditionalVocab,
		PunctuationOverrides: c.PunctuationOverrides,
	}
	if c.EnableDiarization {
		tc.Diarization = "speaker"
		dz := &rt.SpeakerDiarizationConfig{
			MaxSpeakers:        c.MaxSpeakers,
			SpeakerSensitivity: c.SpeakerSensitivity,
			Speakers:           c.KnownSpeakers,
		}
		if c.PreferCurrentSpeaker {
			prefer := true
			dz.PreferCurrentSpeaker = &prefer
		}
		tc.SpeakerDiarizationConfig = dz
	}
	if c.TurnPolicy != TurnPolicyExternal {
		trigger := c.EndOfUtteranceSilenceTrigger
		tc.ConversationConfig = &rt.ConversationConfig{
			EndOfUtteranceSilenceTrigger: &trigger,
		}
	}
	return tc
}

// audioFormat returns the wire audio format for the configured stream.
func (c *Config) audioFormat() rt.AudioFormat {
	return rt.AudioFormat{Type: "raw", Encoding: c.AudioEncoding, SampleRate: c.SampleRate}
}

// bytesPerSecond returns the audio byte rate for time accounting.
func (c *Config) bytesPerSecond() int {
	switch c.AudioEncoding {
	case rt.EncodingMulaw:
		return c.SampleRate
	case rt.EncodingPCMF32LE:
		return c.SampleRate * 4
	default:
		return c.SampleRate * 2
	}
}

// LoadConfig reads a YAML configuration file. Unknown fields are rejected.
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()
	f, err := os.Open(path)
	if err != nil {
		return cfg, fmt.Errorf("voice: open config: %w", err)
	}
	defer f.Close()

	dec := yaml.NewDecoder(f)
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil {
		return cfg, fmt.Errorf("voice: parse config %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return cfg, fmt.Errorf("voice: invalid config %s: %w", path, err)
	}
	return cfg, nil
}
