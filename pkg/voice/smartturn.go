package voice

import "context"

// TurnClassifier is the pluggable smart-turn capability: a model that
// estimates, from the trailing audio, whether the current speaker has
// finished their turn.
//
// Implementations live outside this module. When no classifier is
// configured, or Load or Infer fail, the client logs a single warning and
// downgrades to the adaptive policy.
type TurnClassifier interface {
	// Load prepares the model. Called once during Connect.
	Load(ctx context.Context) error
	// Infer returns P(turn complete) in [0, 1] for the given raw PCM audio.
	Infer(pcm []byte, sampleRate int) (float64, error)
}
