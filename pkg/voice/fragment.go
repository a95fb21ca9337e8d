package voice

import "github.com/sonavox/sonavox/pkg/rt"

// disfluencies is the closed set of filler words treated as disfluent when
// the engine does not tag them itself.
var disfluencies = map[string]bool{
	"um":  true,
	"uh":  true,
	"er":  true,
	"erm": true,
	"hmm": true,
	"mhm": true,
}

// fragment is one word or punctuation mark in the working buffer. It copies
// everything it needs from the wire result so emitted segments never
// back-reference decoded messages.
type fragment struct {
	idx           int64
	startTime     float64
	endTime       float64
	content       string
	speaker       string
	language      string
	confidence    float64
	isFinal       bool
	isPunctuation bool
	isEOS         bool
	isDisfluency  bool
	attachesTo    string
}

// newFragment converts a wire result into a fragment. ok is false for
// results with no alternatives, which carry nothing worth keeping.
func newFragment(idx int64, r rt.Result, isFinal bool) (fragment, bool) {
	if len(r.Alternatives) == 0 {
		return fragment{}, false
	}
	alt := r.Alternatives[0]
	f := fragment{
		idx:           idx,
		startTime:     r.StartTime,
		endTime:       r.EndTime,
		content:       alt.Content,
		speaker:       alt.Speaker,
		language:      alt.Language,
		confidence:    alt.Confidence,
		isFinal:       isFinal,
		isPunctuation: r.Type == "punctuation",
		isEOS:         r.IsEOS,
		attachesTo:    r.AttachesTo,
	}
	if !f.isPunctuation {
		f.isDisfluency = disfluencies[f.content]
		for _, tag := range alt.Tags {
			if tag == "disfluency" {
				f.isDisfluency = true
			}
		}
	}
	return f, true
}

// Word is the public per-word record attached to segments when configured.
type Word struct {
	Text          string  `json:"text"`
	StartTime     float64 `json:"start_time"`
	EndTime       float64 `json:"end_time"`
	Confidence    float64 `json:"confidence"`
	Speaker       string  `json:"speaker,omitempty"`
	Language      string  `json:"language,omitempty"`
	IsFinal       bool    `json:"is_final"`
	IsPunctuation bool    `json:"is_punctuation,omitempty"`
	IsEOS         bool    `json:"is_eos,omitempty"`
}

func (f fragment) word() Word {
	return Word{
		Text:          f.content,
		StartTime:     f.startTime,
		EndTime:       f.endTime,
		Confidence:    f.confidence,
		Speaker:       f.speaker,
		Language:      f.language,
		IsFinal:       f.isFinal,
		IsPunctuation: f.isPunctuation,
		IsEOS:         f.isEOS,
	}
}
