package protocol

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// Inbound message types on the result channel and the relay data path.
const (
	TypeStatus     = "status"
	TypeTranscript = "transcript"
	TypeError      = "error"
)

// Outbound message types.
const (
	TypeAudioChunk = "audio_chunk"
	TypeConfig     = "config"
)

const (
	SubjectAudioFramePrefix = "audio.frame"
	subjectRoomPrefix       = "room"
)

// AudioSubject is where relay egress publishes PCM frames for a room.
func AudioSubject(room string) string {
	return SubjectAudioFramePrefix + "." + room
}

// DataSubject carries generic data messages (transcripts) for a room.
func DataSubject(room string) string {
	return subjectRoomPrefix + "." + room + ".data"
}

// ControlSubject carries client control messages (config) for a room.
func ControlSubject(room string) string {
	return subjectRoomPrefix + "." + room + ".control"
}

// ErrUnknownType is returned by Decode for well-formed messages of a type the
// client does not consume.
var ErrUnknownType = errors.New("unknown message type")

// Status announces backend readiness.
type Status struct {
	Mode  string
	Ready bool
}

// Transcript is one recognition result as delivered by the backend.
type Transcript struct {
	ID         string
	Timestamp  *time.Time
	Text       string
	Confidence *float64
	Speaker    string
	IsFinal    bool
	Turnaround *time.Duration
}

// BackendError is an explicit error notification from the recognition service.
type BackendError struct {
	Message string
}

type inbound struct {
	Type         string   `json:"type"`
	Mode         string   `json:"mode,omitempty"`
	Ready        *bool    `json:"ready,omitempty"`
	WhisperReady *bool    `json:"whisper_ready,omitempty"`
	ID           string   `json:"id,omitempty"`
	Timestamp    *float64 `json:"timestamp,omitempty"`
	Text         *string  `json:"text,omitempty"`
	Confidence   *float64 `json:"confidence,omitempty"`
	Speaker      string   `json:"speaker,omitempty"`
	IsFinal      *bool    `json:"isFinal,omitempty"`
	TurnaroundMS *float64 `json:"turnaround_ms,omitempty"`
	Message      string   `json:"message,omitempty"`
}

// Decode parses one inbound JSON message into Status, Transcript or
// BackendError.
func Decode(data []byte) (any, error) {
	var msg inbound
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, fmt.Errorf("decode message: %w", err)
	}
	switch msg.Type {
	case TypeStatus:
		status := Status{Mode: msg.Mode}
		switch {
		case msg.Ready != nil:
			status.Ready = *msg.Ready
		case msg.WhisperReady != nil:
			status.Ready = *msg.WhisperReady
		}
		return status, nil
	case TypeTranscript:
		if msg.Text == nil {
			return nil, errors.New("transcript message missing text")
		}
		t := Transcript{
			ID:         msg.ID,
			Text:       *msg.Text,
			Confidence: msg.Confidence,
			Speaker:    msg.Speaker,
			IsFinal:    true,
		}
		if msg.IsFinal != nil {
			t.IsFinal = *msg.IsFinal
		}
		if msg.Timestamp != nil && *msg.Timestamp > 0 {
			ts := time.UnixMilli(int64(*msg.Timestamp))
			t.Timestamp = &ts
		}
		if msg.TurnaroundMS != nil {
			d := time.Duration(*msg.TurnaroundMS * float64(time.Millisecond))
			t.Turnaround = &d
		}
		return t, nil
	case TypeError:
		return BackendError{Message: msg.Message}, nil
	case "":
		return nil, errors.New("message missing type")
	default:
		return nil, fmt.Errorf("%w %q", ErrUnknownType, msg.Type)
	}
}

// AudioChunk is the outbound audio payload on the result channel.
type AudioChunk struct {
	Type      string `json:"type"`
	Data      string `json:"data"`
	Timestamp int64  `json:"timestamp"`
	Language  string `json:"language,omitempty"`

	pcm []byte
}

// NewAudioChunk encodes pcm captured offset after capture start.
func NewAudioChunk(pcm []byte, offset time.Duration, language string) AudioChunk {
	if offset < 0 {
		offset = 0
	}
	return AudioChunk{
		Type:      TypeAudioChunk,
		Data:      base64.StdEncoding.EncodeToString(pcm),
		Timestamp: offset.Milliseconds(),
		Language:  language,
		pcm:       pcm,
	}
}

// PCM returns the raw samples the chunk was built from.
func (c AudioChunk) PCM() []byte {
	if c.pcm != nil {
		return c.pcm
	}
	raw, err := base64.StdEncoding.DecodeString(c.Data)
	if err != nil {
		return nil
	}
	return raw
}

// Config tells the backend which language to recognize.
type Config struct {
	Type     string `json:"type"`
	Language string `json:"language"`
}

func NewConfig(language string) Config {
	return Config{Type: TypeConfig, Language: language}
}

// StatusMessage is the wire form of a backend readiness announcement.
type StatusMessage struct {
	Type  string `json:"type"`
	Mode  string `json:"mode"`
	Ready bool   `json:"ready"`
}

func NewStatusMessage(mode string, ready bool) StatusMessage {
	return StatusMessage{Type: TypeStatus, Mode: mode, Ready: ready}
}

// TranscriptMessage is the wire form of a recognition result as a backend
// publishes it. Timestamp is milliseconds since the Unix epoch.
type TranscriptMessage struct {
	Type         string   `json:"type"`
	ID           string   `json:"id"`
	Text         string   `json:"text"`
	IsFinal      bool     `json:"isFinal"`
	Timestamp    int64    `json:"timestamp,omitempty"`
	Confidence   *float64 `json:"confidence,omitempty"`
	TurnaroundMS *int64   `json:"turnaround_ms,omitempty"`
}

func NewTranscriptMessage(id, text string, final bool, at time.Time) TranscriptMessage {
	return TranscriptMessage{
		Type:      TypeTranscript,
		ID:        id,
		Text:      text,
		IsFinal:   final,
		Timestamp: at.UnixMilli(),
	}
}

// AudioFrame represents PCM audio data published on the relay.
type AudioFrame struct {
	SessionID  string `json:"session_id"`
	Sequence   int    `json:"sequence"`
	SampleRate int    `json:"sample_rate"`
	Channels   int    `json:"channels"`
	PCM        []byte `json:"pcm"`
	Final      bool   `json:"final"`
}

// TokenRequest is posted to the credential endpoint. Both key spellings are
// sent because deployed token services disagree on casing.
type TokenRequest struct {
	RoomName            string `json:"roomName,omitempty"`
	ParticipantName     string `json:"participantName,omitempty"`
	LegacyRoomName      string `json:"room_name,omitempty"`
	LegacyParticipantID string `json:"participant_name,omitempty"`
}

func NewTokenRequest(room, participant string) TokenRequest {
	return TokenRequest{
		RoomName:            room,
		ParticipantName:     participant,
		LegacyRoomName:      room,
		LegacyParticipantID: participant,
	}
}

// TokenResponse is the credential endpoint reply.
type TokenResponse struct {
	Token      string `json:"token"`
	RoomName   string `json:"roomName"`
	Identity   string `json:"identity"`
	RelayURL   string `json:"relayUrl,omitempty"`
	LiveKitURL string `json:"livekit_url,omitempty"`
	Message    string `json:"message,omitempty"`
}

// URL returns the relay address the grant points at, if any.
func (r TokenResponse) URL() string {
	if r.RelayURL != "" {
		return r.RelayURL
	}
	return r.LiveKitURL
}
