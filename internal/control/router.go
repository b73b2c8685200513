package control

import (
	"errors"
	"log/slog"
	"sync/atomic"

	"github.com/loqalabs/loqa-tts/internal/dispatch"
	"github.com/loqalabs/loqa-tts/internal/protocol"
	"github.com/loqalabs/loqa-tts/internal/registry"
	"github.com/loqalabs/loqa-tts/internal/synthesis"
)

// Models answers ask_config.
type Models interface {
	Enumerate() []registry.ModelInfo
}

// Synthesizer accepts decoded ask_say requests.
type Synthesizer interface {
	Submit(req synthesis.Request) (*dispatch.Task, error)
}

// Router decodes envelopes and routes them. It is shared by every listener.
type Router struct {
	models    Models
	synth     Synthesizer
	logger    *slog.Logger
	accepting atomic.Bool
}

func NewRouter(models Models, synth Synthesizer, log *slog.Logger) *Router {
	r := &Router{
		models: models,
		synth:  synth,
		logger: log.With(slog.String("component", "control-router")),
	}
	r.accepting.Store(true)
	return r
}

// StopAccepting makes every later ask_say fail with shutting_down.
// ask_config keeps working.
func (r *Router) StopAccepting() {
	r.accepting.Store(false)
}

func (r *Router) Accepting() bool { return r.accepting.Load() }

// Handle processes one inbound message and returns the reply to send back,
// or nil when the message gets no reply.
func (r *Router) Handle(format protocol.Format, data []byte) []byte {
	env, err := protocol.DecodeEnvelope(format, data)
	if err != nil {
		r.logger.Warn("dropping malformed control message", slog.String("format", format.String()), slogError(err))
		return r.errorReply(format, protocol.CodeMalformed, err.Error())
	}

	switch env.Type {
	case protocol.TypeAskSay:
		return r.handleAskSay(format, env)
	case protocol.TypeAskConfig:
		return r.encode(format, r.configReply())
	default:
		r.logger.Warn("unknown control message type", slog.String("type", env.Type))
		return r.errorReply(format, protocol.CodeUnknownType, "unknown message type "+env.Type)
	}
}

func (r *Router) handleAskSay(format protocol.Format, env protocol.Envelope) []byte {
	if !r.accepting.Load() {
		return r.errorReply(format, protocol.CodeShuttingDown, "daemon is shutting down")
	}
	ask, err := protocol.DecodeAskSay(env.Payload)
	if err != nil {
		r.logger.Warn("invalid ask_say payload", slogError(err))
		return r.errorReply(format, protocol.CodeMalformed, err.Error())
	}

	task, err := r.synth.Submit(synthesis.Request{
		Sink:       ask.PipeName,
		Text:       ask.Content,
		Model:      ask.ModelName,
		SampleRate: int(ask.SampleRate),
		Stream:     ask.ShouldStream,
		ChunkHint:  int(ask.ChunkSize),
	})
	switch {
	case errors.Is(err, dispatch.ErrClosed):
		return r.errorReply(format, protocol.CodeShuttingDown, "daemon is shutting down")
	case errors.Is(err, dispatch.ErrQueueFull):
		r.logger.Warn("dispatch queue full, rejecting request", slog.String("model", ask.ModelName))
		return r.errorReply(format, protocol.CodeQueueFull, err.Error())
	case err != nil:
		r.logger.Error("failed to submit synthesis request", slogError(err))
		return nil
	}
	r.logger.Debug("synthesis request queued",
		slog.String("task_id", task.ID),
		slog.String("model", ask.ModelName),
		slog.Bool("stream", ask.ShouldStream),
	)
	return nil
}

func (r *Router) configReply() protocol.ConfigReply {
	models := r.models.Enumerate()
	reply := protocol.ConfigReply{Models: make([]protocol.ModelInfo, 0, len(models))}
	for _, m := range models {
		reply.Models = append(reply.Models, protocol.ModelInfo{
			Name:       m.Name,
			Lang:       m.Lang,
			SampleRate: uint32(m.SampleRate),
		})
	}
	return reply
}

func (r *Router) errorReply(format protocol.Format, code, message string) []byte {
	return r.encode(format, protocol.NewErrorReply(code, message))
}

func (r *Router) encode(format protocol.Format, v any) []byte {
	data, err := protocol.Encode(format, v)
	if err != nil {
		r.logger.Error("failed to encode reply", slogError(err))
		return nil
	}
	return data
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
