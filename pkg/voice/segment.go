package voice

import "strings"

// Annotation is a derived property of a segment's word run.
type Annotation string

const (
	AnnotationHasPartial          Annotation = "has_partial"
	AnnotationHasFinal            Annotation = "has_final"
	AnnotationStartsWithFinal     Annotation = "starts_with_final"
	AnnotationEndsWithFinal       Annotation = "ends_with_final"
	AnnotationEndsWithEOS         Annotation = "ends_with_eos"
	AnnotationEndsWithPunctuation Annotation = "ends_with_punctuation"
	AnnotationFastSpeaker         Annotation = "fast_speaker"
	AnnotationHasDisfluency       Annotation = "has_disfluency"
)

// fastSpeakerWPM is the speech rate above which a speaker is annotated as
// fast, measured over the trailing words of the segment.
const (
	fastSpeakerWPM    = 350.0
	fastSpeakerWindow = 5
)

// Segment is a contiguous run of words from one speaker, bounded by speaker
// change, sentence boundary, or silence.
type Segment struct {
	// SpeakerID is the engine speaker label, or the enrolled user label
	// once the registry has resolved it.
	SpeakerID   string       `json:"speaker_id,omitempty"`
	IsActive    bool         `json:"is_active"`
	Language    string       `json:"language,omitempty"`
	Text        string       `json:"text"`
	StartTime   float64      `json:"start_time"`
	EndTime     float64      `json:"end_time"`
	Annotations []Annotation `json:"annotations,omitempty"`
	Words       []Word       `json:"results,omitempty"`
}

// HasAnnotation reports whether the segment carries the annotation.
func (s *Segment) HasAnnotation(a Annotation) bool {
	for _, x := range s.Annotations {
		if x == a {
			return true
		}
	}
	return false
}

// splitRuns groups the ordered fragment buffer into segment runs. A run
// breaks on speaker change, on an inter-word gap above maxIntraGap, and
// after a sentence-ending mark.
func splitRuns(frags []fragment, maxIntraGap float64) [][]fragment {
	var runs [][]fragment
	var cur []fragment
	for _, f := range frags {
		if len(cur) > 0 {
			prev := cur[len(cur)-1]
			switch {
			case f.speaker != prev.speaker && !f.isPunctuation:
				runs = append(runs, cur)
				cur = nil
			case prev.isEOS:
				runs = append(runs, cur)
				cur = nil
			case !f.isPunctuation && f.startTime-prev.endTime > maxIntraGap:
				runs = append(runs, cur)
				cur = nil
			}
		}
		cur = append(cur, f)
	}
	if len(cur) > 0 {
		runs = append(runs, cur)
	}
	return runs
}

// runText assembles display text from a run using the language pack word
// delimiter and the punctuation attachment rules.
func runText(run []fragment, delimiter string) string {
	var sb strings.Builder
	glueNext := false
	for i, f := range run {
		attached := f.isPunctuation && f.attachesTo != "next"
		if i > 0 && !attached && !glueNext {
			sb.WriteString(delimiter)
		}
		sb.WriteString(f.content)
		glueNext = f.isPunctuation && f.attachesTo == "next"
	}
	return sb.String()
}

// runWordsText assembles only the word content, used by the words emit mode
// to ignore punctuation-only revisions.
func runWordsText(run []fragment, delimiter string) string {
	var sb strings.Builder
	for _, f := range run {
		if f.isPunctuation {
			continue
		}
		if sb.Len() > 0 {
			sb.WriteString(delimiter)
		}
		sb.WriteString(f.content)
	}
	return sb.String()
}

// annotate derives the annotation set. It is a pure function of the run.
func annotate(run []fragment) []Annotation {
	if len(run) == 0 {
		return nil
	}
	var ann []Annotation
	hasPartial, hasFinal, hasDisfluency := false, false, false
	for _, f := range run {
		if f.isFinal {
			hasFinal = true
		} else {
			hasPartial = true
		}
		if f.isDisfluency {
			hasDisfluency = true
		}
	}
	if hasPartial {
		ann = append(ann, AnnotationHasPartial)
	}
	if hasFinal {
		ann = append(ann, AnnotationHasFinal)
	}
	if run[0].isFinal {
		ann = append(ann, AnnotationStartsWithFinal)
	}
	last := run[len(run)-1]
	if last.isFinal {
		ann = append(ann, AnnotationEndsWithFinal)
	}
	if last.isEOS {
		ann = append(ann, AnnotationEndsWithEOS)
	}
	if last.isPunctuation {
		ann = append(ann, AnnotationEndsWithPunctuation)
	}
	if fastSpeaker(run) {
		ann = append(ann, AnnotationFastSpeaker)
	}
	if hasDisfluency {
		ann = append(ann, AnnotationHasDisfluency)
	}
	return ann
}

// fastSpeaker reports whether the trailing words were spoken above the fast
// speaker rate.
func fastSpeaker(run []fragment) bool {
	var words []fragment
	for _, f := range run {
		if !f.isPunctuation {
			words = append(words, f)
		}
	}
	if len(words) < 2 {
		return false
	}
	if len(words) > fastSpeakerWindow {
		words = words[len(words)-fastSpeakerWindow:]
	}
	span := words[len(words)-1].endTime - words[0].startTime
	if span <= 0 {
		return false
	}
	wpm := float64(len(words)) / (span / 60)
	return wpm > fastSpeakerWPM
}

// endsWithDisfluency reports whether the last word of the run, ignoring any
// trailing punctuation, is disfluent.
func endsWithDisfluency(run []fragment) bool {
	for i := len(run) - 1; i >= 0; i-- {
		if run[i].isPunctuation {
			continue
		}
		return run[i].isDisfluency
	}
	return false
}

// runBounds returns the run's time range.
func runBounds(run []fragment) (start, end float64) {
	start, end = run[0].startTime, run[0].endTime
	for _, f := range run[1:] {
		if f.startTime < start {
			start = f.startTime
		}
		if f.endTime > end {
			end = f.endTime
		}
	}
	return start, end
}

// runSpeaker returns the speaker of the run's first word.
func runSpeaker(run []fragment) string {
	for _, f := range run {
		if !f.isPunctuation {
			return f.speaker
		}
	}
	return run[0].speaker
}

// allFinal reports whether every fragment in the run is final.
func allFinal(run []fragment) bool {
	for _, f := range run {
		if !f.isFinal {
			return false
		}
	}
	return true
}
