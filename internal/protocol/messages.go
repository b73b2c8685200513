package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
)

// Envelope types.
const (
	TypeAskSay    = "ask_say"
	TypeAskConfig = "ask_config"
	TypeError     = "error"
)

// Error reply codes.
const (
	CodeUnknownType  = "unknown_type"
	CodeMalformed    = "malformed"
	CodeShuttingDown = "shutting_down"
	CodeQueueFull    = "queue_full"
)

const (
	DefaultSampleRate = 44100
	SubjectControl    = "tts.control"
)

// ErrMalformed marks an envelope or payload that could not be decoded.
var ErrMalformed = errors.New("malformed message")

// Envelope is the tagged record every control message travels in.
type Envelope struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// AskSay requests synthesis of Content with ModelName, delivered to PipeName.
type AskSay struct {
	PipeName     string `json:"pipe_name"`
	Content      string `json:"content"`
	ModelName    string `json:"model_name"`
	SampleRate   uint32 `json:"samplerate"`
	ShouldStream bool   `json:"should_stream"`
	ChunkSize    int32  `json:"chunk_size"`
}

// ModelInfo is one entry of a ConfigReply.
type ModelInfo struct {
	Name       string `json:"model_name"`
	Lang       string `json:"model_lang"`
	SampleRate uint32 `json:"model_samplerate"`
}

// ConfigReply answers ask_config.
type ConfigReply struct {
	Models []ModelInfo `json:"models"`
}

type ErrorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

type ErrorReply struct {
	Type  string    `json:"type"`
	Error ErrorBody `json:"error"`
}

func NewErrorReply(code, message string) ErrorReply {
	return ErrorReply{Type: TypeError, Error: ErrorBody{Code: code, Message: message}}
}

// DecodeAskSay applies defaults: samplerate 44100 when absent, negative
// chunk sizes become 0.
func DecodeAskSay(raw json.RawMessage) (AskSay, error) {
	var req AskSay
	if len(raw) == 0 {
		return req, fmt.Errorf("%w: ask_say without payload", ErrMalformed)
	}
	if err := json.Unmarshal(raw, &req); err != nil {
		return req, fmt.Errorf("%w: %w", ErrMalformed, err)
	}
	if req.PipeName == "" {
		return req, fmt.Errorf("%w: pipe_name is required", ErrMalformed)
	}
	if req.ModelName == "" {
		return req, fmt.Errorf("%w: model_name is required", ErrMalformed)
	}
	if req.SampleRate == 0 {
		req.SampleRate = DefaultSampleRate
	}
	if req.ChunkSize < 0 {
		req.ChunkSize = 0
	}
	return req, nil
}
