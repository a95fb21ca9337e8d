package voice

// segmenter turns the assembler's working buffer into partial and closed
// segment events. It owns the only mutable view state; all methods must run
// on the client worker goroutine.
type segmenter struct {
	asm      *assembler
	registry *speakerRegistry
	emit     func(Event)

	maxIntraGap    float64
	emitMode       EmitMode
	includeResults bool
	delimiter      string
	focus          SpeakerFocusConfig

	// prev is the last emitted view of the open (not yet closed) runs, in
	// time order, used to decide whether a partial update is worth emitting.
	prev []openView
}

type openView struct {
	speaker   string
	text      string
	wordsText string
	endTime   float64
}

func newSegmenter(cfg *Config, asm *assembler, reg *speakerRegistry, emit func(Event)) *segmenter {
	return &segmenter{
		asm:            asm,
		registry:       reg,
		emit:           emit,
		maxIntraGap:    cfg.maxIntraGap(),
		emitMode:       cfg.EmitMode,
		includeResults: cfg.IncludeResults,
		delimiter:      " ",
		focus:          cfg.SpeakerFocus,
	}
}

// setDelimiter installs the word delimiter announced by the language pack.
// An empty delimiter is valid: some language packs join words directly.
func (sg *segmenter) setDelimiter(d string) {
	sg.delimiter = d
}

// setFocus replaces the focus policy for subsequent emissions.
func (sg *segmenter) setFocus(f SpeakerFocusConfig) {
	sg.focus = f
}

// process recomputes the segment view after a words update. Fully-final
// runs that precede later speech are closed immediately; the open tail is
// compared against the previous view and re-emitted when it changed.
func (sg *segmenter) process() {
	runs := splitRuns(sg.asm.view(), sg.maxIntraGap)

	// Close the leading runs that are complete and already followed by
	// newer speech. The split that created them is definitive: speaker
	// change, sentence boundary, or a gap.
	for len(runs) > 1 && allFinal(runs[0]) {
		sg.close(runs[0])
		runs = runs[1:]
	}

	sg.emitOpen(runs)
}

// flush closes every remaining fully-final run. Called when a turn ends or
// the stream finishes; trailing partial words stay buffered and close once
// they commit.
func (sg *segmenter) flush() {
	runs := splitRuns(sg.asm.view(), sg.maxIntraGap)
	for len(runs) > 0 && allFinal(runs[0]) {
		sg.close(runs[0])
		runs = runs[1:]
	}
	sg.emitOpen(runs)
}

// tail describes the last run for the turn detector's adaptive window.
func (sg *segmenter) tail() (disfluent, punctuated, eos bool, ok bool) {
	runs := splitRuns(sg.asm.view(), sg.maxIntraGap)
	if len(runs) == 0 {
		return false, false, false, false
	}
	run := runs[len(runs)-1]
	last := run[len(run)-1]
	return endsWithDisfluency(run), last.isPunctuation, last.isEOS, true
}

// close emits AddSegment for the run and trims it from the buffer so the
// emitted text can never be revised.
func (sg *segmenter) close(run []fragment) {
	seg := sg.build(run)
	_, end := runBounds(run)
	sg.asm.trim(run, end)
	if seg == nil {
		return
	}
	sg.emit(Event{Type: EventAddSegment, Segment: seg})
}

// emitOpen compares the open runs against the previous view and emits
// partial updates according to the configured cadence.
func (sg *segmenter) emitOpen(runs [][]fragment) {
	var next []openView
	for _, run := range runs {
		// Fully-final tails await closure; emitting them as partials
		// would duplicate the coming AddSegment.
		if allFinal(run) {
			continue
		}
		v := openView{
			speaker:   runSpeaker(run),
			text:      runText(run, sg.delimiter),
			wordsText: runWordsText(run, sg.delimiter),
		}
		_, v.endTime = runBounds(run)

		i := len(next)
		if sg.changed(i, v) {
			if seg := sg.build(run); seg != nil {
				sg.emit(Event{Type: EventAddPartialSegment, Segment: seg})
			}
		}
		next = append(next, v)
	}
	sg.prev = next
}

// changed applies the emit-mode change filter against the previous view at
// the same position.
func (sg *segmenter) changed(i int, v openView) bool {
	if sg.emitMode == EmitSentences {
		return false
	}
	if i >= len(sg.prev) || sg.prev[i].speaker != v.speaker {
		return true
	}
	p := sg.prev[i]
	switch sg.emitMode {
	case EmitWords:
		return p.wordsText != v.wordsText
	case EmitCompleteTiming:
		return p.text != v.text || p.endTime != v.endTime
	default:
		return p.text != v.text
	}
}

// build materializes the public segment for a run, applying the focus
// policy and registry label substitution. Returns nil when the run must not
// be emitted.
func (sg *segmenter) build(run []fragment) *Segment {
	if len(run) == 0 {
		return nil
	}
	speaker := runSpeaker(run)
	start, end := runBounds(run)
	seg := &Segment{
		SpeakerID:   sg.registry.label(speaker),
		IsActive:    sg.isActive(speaker),
		Language:    run[0].language,
		Text:        runText(run, sg.delimiter),
		StartTime:   start,
		EndTime:     end,
		Annotations: annotate(run),
	}
	if sg.includeResults {
		seg.Words = make([]Word, len(run))
		for i, f := range run {
			seg.Words[i] = f.word()
		}
	}
	return seg
}

// isActive applies the focus predicate. Under retain mode an empty focus
// set means everyone is active.
func (sg *segmenter) isActive(speaker string) bool {
	if len(sg.focus.FocusSpeakers) == 0 {
		if sg.focus.Mode == FocusIgnore {
			for _, s := range sg.focus.IgnoreSpeakers {
				if s == speaker {
					return false
				}
			}
		}
		return true
	}
	for _, s := range sg.focus.FocusSpeakers {
		if s == speaker {
			return true
		}
	}
	return false
}
