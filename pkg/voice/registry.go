package voice

import (
	"fmt"
	"log/slog"

	"github.com/sonavox/sonavox/pkg/rt"
)

// speakerRegistry maps engine speaker labels (S1, S2, …) to enrolled user
// labels. Mappings apply on emission only: segments already emitted are
// never relabeled.
type speakerRegistry struct {
	// known maps opaque service identifiers to enrolled user labels.
	known map[string]string
	// resolved maps engine labels to user labels, learned from
	// SpeakersResult messages.
	resolved map[string]string
}

func newSpeakerRegistry(known []rt.SpeakerIdentifier) (*speakerRegistry, error) {
	r := &speakerRegistry{
		known:    make(map[string]string),
		resolved: make(map[string]string),
	}
	for _, ks := range known {
		if err := r.enroll(ks); err != nil {
			return nil, err
		}
	}
	return r, nil
}

// enroll registers a user label for a set of service identifiers. Labels
// colliding with the engine's own S<N> namespace or the internal __…__
// namespace are rejected.
func (r *speakerRegistry) enroll(s rt.SpeakerIdentifier) error {
	if reservedLabelRe.MatchString(s.Label) {
		return fmt.Errorf("voice: speaker label %q is reserved", s.Label)
	}
	if internalLabelRe.MatchString(s.Label) {
		return fmt.Errorf("voice: speaker label %q is internal", s.Label)
	}
	for _, id := range s.Identifiers {
		r.known[id] = s.Label
	}
	return nil
}

// ingest consumes a SpeakersResult, binding engine labels whose identifiers
// match an enrolled speaker.
func (r *speakerRegistry) ingest(speakers []rt.SpeakerIdentifier) {
	for _, sp := range speakers {
		for _, id := range sp.Identifiers {
			label, ok := r.known[id]
			if !ok {
				continue
			}
			if prev, bound := r.resolved[sp.Label]; bound && prev != label {
				slog.Warn("conflicting speaker identity, keeping first binding",
					slog.String("engine_label", sp.Label),
					slog.String("bound", prev),
					slog.String("ignored", label))
				continue
			}
			r.resolved[sp.Label] = label
		}
	}
}

// label returns the user label for an engine speaker label, or the engine
// label itself when no enrollment matches.
func (r *speakerRegistry) label(speaker string) string {
	if l, ok := r.resolved[speaker]; ok {
		return l
	}
	return speaker
}
