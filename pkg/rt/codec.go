// Package rt implements a client for a real-time streaming transcription
// service speaking a WebSocket protocol of tagged JSON control frames and raw
// binary PCM audio frames.
//
// The package provides the frame codec, bearer-credential auth providers, and
// [Session], a full-duplex state machine that streams audio upstream while
// demultiplexing transcription messages downstream in receipt order.
package rt

import (
	"encoding/json"
	"fmt"
)

// ClientMessageType enumerates structured messages sent from client to server.
type ClientMessageType string

const (
	// MessageStartRecognition initiates a transcription session.
	MessageStartRecognition ClientMessageType = "StartRecognition"
	// MessageAddAudio marks binary audio data. It never appears in a JSON
	// payload; audio is sent as raw binary frames.
	MessageAddAudio ClientMessageType = "AddAudio"
	// MessageEndOfStream signals that no more audio will be sent.
	MessageEndOfStream ClientMessageType = "EndOfStream"
	// MessageSetRecognitionConfig updates transcription configuration
	// during an active session.
	MessageSetRecognitionConfig ClientMessageType = "SetRecognitionConfig"
	// MessageGetSpeakers requests the current speaker identifiers.
	MessageGetSpeakers ClientMessageType = "GetSpeakers"
)

// ServerMessageType enumerates structured messages received from the server.
type ServerMessageType string

const (
	MessageRecognitionStarted   ServerMessageType = "RecognitionStarted"
	MessageAudioAdded           ServerMessageType = "AudioAdded"
	MessageAddPartialTranscript ServerMessageType = "AddPartialTranscript"
	MessageAddTranscript        ServerMessageType = "AddTranscript"
	MessageEndOfUtterance       ServerMessageType = "EndOfUtterance"
	MessageEndOfTranscript      ServerMessageType = "EndOfTranscript"
	MessageSpeakersResult       ServerMessageType = "SpeakersResult"
	MessageInfo                 ServerMessageType = "Info"
	MessageWarning              ServerMessageType = "Warning"
	MessageError                ServerMessageType = "Error"
)

// knownServerMessages is the set of downstream kinds the session dispatches.
// Anything else is logged and ignored for forward compatibility.
var knownServerMessages = map[ServerMessageType]bool{
	MessageRecognitionStarted:   true,
	MessageAudioAdded:           true,
	MessageAddPartialTranscript: true,
	MessageAddTranscript:        true,
	MessageEndOfUtterance:       true,
	MessageEndOfTranscript:      true,
	MessageSpeakersResult:       true,
	MessageInfo:                 true,
	MessageWarning:              true,
	MessageError:                true,
}

// AudioEncoding identifies the sample format of the binary audio frames.
type AudioEncoding string

const (
	EncodingPCMS16LE AudioEncoding = "pcm_s16le"
	EncodingPCMF32LE AudioEncoding = "pcm_f32le"
	EncodingMulaw    AudioEncoding = "mulaw"
)

// OperatingPoint selects the accuracy/latency tradeoff of the acoustic model.
type OperatingPoint string

const (
	OperatingPointStandard OperatingPoint = "standard"
	OperatingPointEnhanced OperatingPoint = "enhanced"
)

// AudioFormat describes the raw audio stream sent as binary frames.
type AudioFormat struct {
	Type       string        `json:"type"`
	Encoding   AudioEncoding `json:"encoding,omitempty"`
	SampleRate int           `json:"sample_rate,omitempty"`
}

// DefaultAudioFormat returns the format used when none is configured:
// raw little-endian signed 16-bit PCM at 16 kHz.
func DefaultAudioFormat() AudioFormat {
	return AudioFormat{Type: "raw", Encoding: EncodingPCMS16LE, SampleRate: 16000}
}

// AdditionalVocabEntry adds a custom word to the recognition dictionary.
type AdditionalVocabEntry struct {
	Content    string   `json:"content"`
	SoundsLike []string `json:"sounds_like,omitempty"`
}

// SpeakerIdentifier binds a user-visible label to the opaque identifier
// strings issued by the service for a speaker's voice.
type SpeakerIdentifier struct {
	Label       string   `json:"label"`
	Identifiers []string `json:"speaker_identifiers"`
}

// SpeakerDiarizationConfig tunes speaker attribution.
type SpeakerDiarizationConfig struct {
	MaxSpeakers          *int                `json:"max_speakers,omitempty"`
	SpeakerSensitivity   *float64            `json:"speaker_sensitivity,omitempty"`
	PreferCurrentSpeaker *bool               `json:"prefer_current_speaker,omitempty"`
	Speakers             []SpeakerIdentifier `json:"speakers,omitempty"`
}

// ConversationConfig tunes server-side end-of-utterance detection.
type ConversationConfig struct {
	EndOfUtteranceSilenceTrigger *float64 `json:"end_of_utterance_silence_trigger,omitempty"`
}

// TranscriptionConfig enumerates the recognition options carried by
// [StartRecognition] and [SetRecognitionConfig].
type TranscriptionConfig struct {
	Language                 string                    `json:"language"`
	OperatingPoint           OperatingPoint            `json:"operating_point,omitempty"`
	Domain                   string                    `json:"domain,omitempty"`
	OutputLocale             string                    `json:"output_locale,omitempty"`
	Diarization              string                    `json:"diarization,omitempty"`
	AdditionalVocab          []AdditionalVocabEntry    `json:"additional_vocab,omitempty"`
	PunctuationOverrides     map[string]any            `json:"punctuation_overrides,omitempty"`
	MaxDelay                 *float64                  `json:"max_delay,omitempty"`
	EnablePartials           *bool                     `json:"enable_partials,omitempty"`
	SpeakerDiarizationConfig *SpeakerDiarizationConfig `json:"speaker_diarization_config,omitempty"`
	ConversationConfig       *ConversationConfig       `json:"conversation_config,omitempty"`
}

// StartRecognition is the first upstream message of every session.
type StartRecognition struct {
	Message             ClientMessageType   `json:"message"`
	AudioFormat         AudioFormat         `json:"audio_format"`
	TranscriptionConfig TranscriptionConfig `json:"transcription_config"`
}

// NewStartRecognition builds a StartRecognition message with the discriminator set.
func NewStartRecognition(format AudioFormat, cfg TranscriptionConfig) StartRecognition {
	return StartRecognition{
		Message:             MessageStartRecognition,
		AudioFormat:         format,
		TranscriptionConfig: cfg,
	}
}

// EndOfStream terminates the upstream audio. LastSeqNo must equal the number
// of binary audio frames sent since the session started.
type EndOfStream struct {
	Message   ClientMessageType `json:"message"`
	LastSeqNo int64             `json:"last_seq_no"`
}

// NewEndOfStream builds an EndOfStream message with the discriminator set.
func NewEndOfStream(lastSeqNo int64) EndOfStream {
	return EndOfStream{Message: MessageEndOfStream, LastSeqNo: lastSeqNo}
}

// SetRecognitionConfig updates the transcription configuration mid-session.
type SetRecognitionConfig struct {
	Message             ClientMessageType   `json:"message"`
	TranscriptionConfig TranscriptionConfig `json:"transcription_config"`
}

// NewSetRecognitionConfig builds a SetRecognitionConfig message.
func NewSetRecognitionConfig(cfg TranscriptionConfig) SetRecognitionConfig {
	return SetRecognitionConfig{Message: MessageSetRecognitionConfig, TranscriptionConfig: cfg}
}

// GetSpeakers requests the speaker identifiers learned so far.
type GetSpeakers struct {
	Message ClientMessageType `json:"message"`
}

// NewGetSpeakers builds a GetSpeakers message.
func NewGetSpeakers() GetSpeakers {
	return GetSpeakers{Message: MessageGetSpeakers}
}

// LanguagePackInfo describes the language pack selected by the server. The
// word delimiter drives text assembly downstream.
type LanguagePackInfo struct {
	Adapted             bool   `json:"adapted"`
	ITN                 bool   `json:"itn"`
	LanguageDescription string `json:"language_description"`
	WordDelimiter       string `json:"word_delimiter"`
	WritingDirection    string `json:"writing_direction"`
}

// Alternative is one hypothesis for a recognized word or punctuation mark.
type Alternative struct {
	Content    string   `json:"content"`
	Confidence float64  `json:"confidence"`
	Language   string   `json:"language,omitempty"`
	Speaker    string   `json:"speaker,omitempty"`
	Tags       []string `json:"tags,omitempty"`
}

// Result is a single recognized item within a transcript message. Times are
// seconds since session start.
type Result struct {
	Type         string        `json:"type"`
	StartTime    float64       `json:"start_time"`
	EndTime      float64       `json:"end_time"`
	Channel      string        `json:"channel,omitempty"`
	IsEOS        bool          `json:"is_eos,omitempty"`
	AttachesTo   string        `json:"attaches_to,omitempty"`
	Alternatives []Alternative `json:"alternatives,omitempty"`
}

// TranscriptMetadata summarizes the time range and text of a transcript batch.
type TranscriptMetadata struct {
	Transcript string  `json:"transcript"`
	StartTime  float64 `json:"start_time"`
	EndTime    float64 `json:"end_time"`
}

// ServerMessage is the decoded form of any structured downstream frame. Only
// the fields relevant to the tagged kind are populated; the rest are zero.
type ServerMessage struct {
	Message ServerMessageType `json:"message"`

	// RecognitionStarted
	ID               string            `json:"id,omitempty"`
	LanguagePackInfo *LanguagePackInfo `json:"language_pack_info,omitempty"`

	// AudioAdded
	SeqNo int64 `json:"seq_no,omitempty"`

	// AddPartialTranscript, AddTranscript, EndOfUtterance
	Metadata *TranscriptMetadata `json:"metadata,omitempty"`
	Results  []Result            `json:"results,omitempty"`

	// SpeakersResult
	Speakers []SpeakerIdentifier `json:"speakers,omitempty"`

	// Info, Warning, Error
	Type   string `json:"type,omitempty"`
	Reason string `json:"reason,omitempty"`
	Code   int    `json:"code,omitempty"`
}

// Known reports whether the message kind is part of the dispatched protocol
// surface. Unknown kinds are tolerated for forward compatibility.
func (m *ServerMessage) Known() bool {
	return knownServerMessages[m.Message]
}

// DecodeServerMessage parses a structured downstream frame. Malformed JSON or
// a missing discriminator is a protocol error that must fail the session.
func DecodeServerMessage(data []byte) (*ServerMessage, error) {
	var msg ServerMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, &ProtocolError{Reason: fmt.Sprintf("malformed server message: %v", err)}
	}
	if msg.Message == "" {
		return nil, &ProtocolError{Reason: "server message without discriminator"}
	}
	return &msg, nil
}
