// Package voice layers live speech segmentation and conversational turn
// detection on top of the raw per-word transcript stream produced by
// [github.com/sonavox/sonavox/pkg/rt]. The entry point is [Client], which owns
// one rt session and converts its partial/final word events into coherent
// per-speaker segments and exactly-once end-of-turn decisions.
package voice

import "github.com/sonavox/sonavox/pkg/rt"

// EventType identifies an event emitted by a [Client].
type EventType string

const (
	// EventAddPartialSegment carries the in-flux view of an open segment.
	// The text may still change until the matching EventAddSegment.
	EventAddPartialSegment EventType = "AddPartialSegment"
	// EventAddSegment carries a closed segment. It fires exactly once per
	// segment and the text is stable thereafter.
	EventAddSegment EventType = "AddSegment"
	// EventStartOfTurn fires when a new conversational turn opens.
	EventStartOfTurn EventType = "StartOfTurn"
	// EventEndOfTurn fires exactly once per turn, when the active policy
	// decides the speaker has finished.
	EventEndOfTurn EventType = "EndOfTurn"
	// EventEndOfTurnPrediction announces an adaptive or smart prediction
	// window: unless a new word arrives within TTL the turn will close.
	EventEndOfTurnPrediction EventType = "EndOfTurnPrediction"
	// EventSpeakerStarted and EventSpeakerEnded track voice activity of the
	// focused speakers, derived from partial words.
	EventSpeakerStarted EventType = "SpeakerStarted"
	EventSpeakerEnded   EventType = "SpeakerEnded"
)

// Server events forwarded from the underlying session unchanged.
const (
	EventRecognitionStarted EventType = "RecognitionStarted"
	EventEndOfUtterance     EventType = "EndOfUtterance"
	EventEndOfTranscript    EventType = "EndOfTranscript"
	EventSpeakersResult     EventType = "SpeakersResult"
	EventInfo               EventType = "Info"
	EventWarning            EventType = "Warning"
	EventError              EventType = "Error"
)

// TurnInfo describes one conversational turn.
type TurnInfo struct {
	TurnID    int     `json:"turn_id"`
	StartTime float64 `json:"start_time"`
	EndTime   float64 `json:"end_time"`
}

// TurnPrediction announces an open prediction window.
type TurnPrediction struct {
	TurnID int `json:"turn_id"`
	// TTL is the window length in seconds: the time the detector will wait
	// for further speech before closing the turn.
	TTL float64 `json:"ttl"`
	// TimeSlip is how far transcription lags behind the audio sent so far,
	// in seconds. The detector shortens its timer by this much.
	TimeSlip float64  `json:"time_slip"`
	Reasons  []string `json:"reasons,omitempty"`
}

// SpeakerStatus reports a voice-activity change for one speaker.
type SpeakerStatus struct {
	SpeakerID string  `json:"speaker_id"`
	IsActive  bool    `json:"is_active"`
	Time      float64 `json:"time"`
}

// Event is the payload delivered to listeners. Only the field matching the
// event type is populated.
type Event struct {
	Type       EventType
	Segment    *Segment
	Turn       *TurnInfo
	Prediction *TurnPrediction
	Speaker    *SpeakerStatus
	// Message holds the raw server message for forwarded session events.
	Message *rt.ServerMessage
}
