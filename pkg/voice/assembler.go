package voice

import (
	"sort"

	"github.com/sonavox/sonavox/pkg/rt"
)

// assembler reconciles the partial/final word stream into one ordered
// working buffer. Finals are committed and kept until the segmenter trims
// them; each partial batch fully replaces the previous partials.
//
// All methods must run on the client worker goroutine.
type assembler struct {
	frags   []fragment
	nextIdx int64

	// trimBefore is the time up to which segments have been closed. Finals
	// that start before it arrive too late to matter and are dropped, which
	// makes duplicate finals after a close idempotent.
	trimBefore float64

	focus SpeakerFocusConfig
}

// wordsUpdate summarizes one ingested transcript batch.
type wordsUpdate struct {
	newFinals       int
	revisedPartials bool
	latestTime      float64
}

// setFocus replaces the speaker focus used for ingest-time filtering.
func (a *assembler) setFocus(f SpeakerFocusConfig) {
	a.focus = f
}

// dropSpeaker reports whether fragments from the speaker are filtered out
// before they ever reach the buffer.
func (a *assembler) dropSpeaker(speaker string) bool {
	if internalLabelRe.MatchString(speaker) {
		return true
	}
	if a.focus.Mode != FocusIgnore {
		return false
	}
	for _, s := range a.focus.IgnoreSpeakers {
		if s == speaker {
			return true
		}
	}
	return false
}

// ingest merges one transcript message into the buffer and reports what
// changed.
func (a *assembler) ingest(msg *rt.ServerMessage, isFinal bool) wordsUpdate {
	var upd wordsUpdate

	// A new hypothesis supersedes every previous partial, whether the new
	// batch is itself partial or the committing final.
	hadPartials := false
	kept := a.frags[:0]
	for _, f := range a.frags {
		if f.isFinal {
			kept = append(kept, f)
		} else {
			hadPartials = true
		}
	}
	a.frags = kept

	for _, r := range msg.Results {
		f, ok := newFragment(a.nextIdx, r, isFinal)
		if !ok {
			continue
		}
		if a.dropSpeaker(f.speaker) {
			continue
		}
		if isFinal {
			if f.startTime < a.trimBefore {
				continue
			}
			if a.hasDuplicateFinal(f) {
				continue
			}
			upd.newFinals++
		}
		a.nextIdx++
		a.frags = append(a.frags, f)
		if f.endTime > upd.latestTime {
			upd.latestTime = f.endTime
		}
	}
	upd.revisedPartials = hadPartials || !isFinal

	sort.SliceStable(a.frags, func(i, j int) bool {
		if a.frags[i].startTime != a.frags[j].startTime {
			return a.frags[i].startTime < a.frags[j].startTime
		}
		return a.frags[i].idx < a.frags[j].idx
	})

	a.dropOrphans()

	return upd
}

// dropOrphans discards leading punctuation that attaches to a word the
// buffer no longer holds.
func (a *assembler) dropOrphans() {
	for len(a.frags) > 0 && a.frags[0].isPunctuation && a.frags[0].attachesTo != "next" {
		a.frags = a.frags[1:]
	}
}

// hasDuplicateFinal reports whether an equivalent final is already buffered.
func (a *assembler) hasDuplicateFinal(f fragment) bool {
	for _, g := range a.frags {
		if g.isFinal && g.speaker == f.speaker && g.startTime == f.startTime && g.content == f.content {
			return true
		}
	}
	return false
}

// view returns the current buffer in time order. The slice is shared; the
// segmenter copies what it emits.
func (a *assembler) view() []fragment {
	return a.frags
}

// trim removes the given fragments after their segment closed, and advances
// the trim horizon so stale finals cannot resurrect closed text.
func (a *assembler) trim(run []fragment, endTime float64) {
	drop := make(map[int64]bool, len(run))
	for _, f := range run {
		drop[f.idx] = true
	}
	kept := a.frags[:0]
	for _, f := range a.frags {
		if !drop[f.idx] {
			kept = append(kept, f)
		}
	}
	a.frags = kept
	a.dropOrphans()
	if endTime > a.trimBefore {
		a.trimBefore = endTime
	}
}

// partialWords returns the non-final word fragments, used for voice
// activity tracking.
func (a *assembler) partialWords() []fragment {
	var out []fragment
	for _, f := range a.frags {
		if !f.isFinal && !f.isPunctuation {
			out = append(out, f)
		}
	}
	return out
}
