package voice

import (
	"testing"

	"github.com/sonavox/sonavox/pkg/rt"
)

// word builds a wire word result for tests.
func word(text string, start, end float64, speaker string) rt.Result {
	return rt.Result{
		Type:      "word",
		StartTime: start,
		EndTime:   end,
		Alternatives: []rt.Alternative{
			{Content: text, Confidence: 0.95, Speaker: speaker},
		},
	}
}

// punct builds a wire punctuation result attached to the previous word.
func punct(text string, at float64, eos bool) rt.Result {
	return rt.Result{
		Type:       "punctuation",
		StartTime:  at,
		EndTime:    at,
		IsEOS:      eos,
		AttachesTo: "previous",
		Alternatives: []rt.Alternative{
			{Content: text, Confidence: 1},
		},
	}
}

func transcript(results ...rt.Result) *rt.ServerMessage {
	return &rt.ServerMessage{Message: rt.MessageAddTranscript, Results: results}
}

func texts(frags []fragment) []string {
	out := make([]string, len(frags))
	for i, f := range frags {
		out[i] = f.content
	}
	return out
}

func assertTexts(t *testing.T, frags []fragment, want ...string) {
	t.Helper()
	got := texts(frags)
	if len(got) != len(want) {
		t.Fatalf("buffer = %q, want %q", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("buffer = %q, want %q", got, want)
		}
	}
}

func TestAssembler_PartialBatchReplaced(t *testing.T) {
	a := &assembler{}

	a.ingest(transcript(word("Welcome", 0.36, 0.92, "S1")), false)
	assertTexts(t, a.view(), "Welcome")

	a.ingest(transcript(
		word("Welcome", 0.36, 0.92, "S1"),
		word("to", 1.0, 1.6, "S1"),
	), false)
	assertTexts(t, a.view(), "Welcome", "to")

	for _, f := range a.view() {
		if f.isFinal {
			t.Errorf("partial fragment %q marked final", f.content)
		}
	}
}

func TestAssembler_FinalCommitsAndSupersedesPartials(t *testing.T) {
	a := &assembler{}

	a.ingest(transcript(word("Welcome", 0.36, 0.92, "S1"), word("two", 1.0, 1.6, "S1")), false)
	a.ingest(transcript(
		word("Welcome", 0.36, 0.92, "S1"),
		word("to", 1.0, 1.32, "S1"),
	), true)

	assertTexts(t, a.view(), "Welcome", "to")
	for _, f := range a.view() {
		if !f.isFinal {
			t.Errorf("fragment %q not final after commit", f.content)
		}
	}
}

func TestAssembler_OutOfOrderFinalTolerated(t *testing.T) {
	a := &assembler{}

	// A final arriving with no preceding partial is written directly.
	upd := a.ingest(transcript(word("hello", 0, 0.4, "S1")), true)
	if upd.newFinals != 1 {
		t.Fatalf("newFinals = %d, want 1", upd.newFinals)
	}

	// A later final that starts earlier still lands in time order.
	a.ingest(transcript(word("oh", -0.2, 0, "S1")), true)
	assertTexts(t, a.view(), "oh", "hello")
}

func TestAssembler_DuplicateFinalIdempotent(t *testing.T) {
	a := &assembler{}

	batch := transcript(word("hello", 0, 0.4, "S1"))
	first := a.ingest(batch, true)
	second := a.ingest(transcript(word("hello", 0, 0.4, "S1")), true)

	if first.newFinals != 1 || second.newFinals != 0 {
		t.Errorf("newFinals = %d then %d, want 1 then 0", first.newFinals, second.newFinals)
	}
	assertTexts(t, a.view(), "hello")
}

func TestAssembler_TrimDropsStaleFinals(t *testing.T) {
	a := &assembler{}

	a.ingest(transcript(word("hello", 0, 0.4, "S1"), punct(".", 0.4, true)), true)
	run := a.view()
	a.trim(run, 0.4)
	if len(a.view()) != 0 {
		t.Fatalf("buffer not empty after trim: %q", texts(a.view()))
	}

	// A replayed final from before the trim horizon must not resurrect
	// closed text.
	upd := a.ingest(transcript(word("hello", 0, 0.4, "S1")), true)
	if upd.newFinals != 0 || len(a.view()) != 0 {
		t.Errorf("stale final accepted: newFinals=%d buffer=%q", upd.newFinals, texts(a.view()))
	}
}

func TestAssembler_IgnoredSpeakersDroppedAtIngest(t *testing.T) {
	a := &assembler{focus: SpeakerFocusConfig{
		Mode:           FocusIgnore,
		IgnoreSpeakers: []string{"S3"},
	}}

	a.ingest(transcript(
		word("one", 0, 0.2, "S1"),
		word("three", 0.3, 0.5, "S3"),
		word("two", 0.6, 0.8, "S2"),
	), true)

	assertTexts(t, a.view(), "one", "two")
}

func TestAssembler_InternalSpeakersAlwaysDropped(t *testing.T) {
	a := &assembler{}
	a.ingest(transcript(
		word("real", 0, 0.2, "S1"),
		word("synthetic", 0.3, 0.5, "__agent__"),
	), true)
	assertTexts(t, a.view(), "real")
}

func TestAssembler_OrphanPunctuationDropped(t *testing.T) {
	a := &assembler{}

	a.ingest(transcript(word("hello", 0, 0.4, "S1"), punct(".", 0.4, true)), true)
	a.trim(a.view()[:1], 0.4)

	// The punctuation's word is gone; the leftover mark must not survive
	// as a segment of its own.
	if len(a.view()) != 0 {
		t.Errorf("orphan punctuation kept: %q", texts(a.view()))
	}
}
