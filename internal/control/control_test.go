package control

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/loqalabs/loqa-tts/internal/config"
	"github.com/loqalabs/loqa-tts/internal/dispatch"
	"github.com/loqalabs/loqa-tts/internal/natsserver"
	"github.com/loqalabs/loqa-tts/internal/protocol"
	"github.com/loqalabs/loqa-tts/internal/registry"
	"github.com/loqalabs/loqa-tts/internal/synthesis"
	"github.com/nats-io/nats.go"
	"github.com/tinylib/msgp/msgp"
)

func newLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

type staticModels []registry.ModelInfo

func (m staticModels) Enumerate() []registry.ModelInfo { return m }

type recordingSynth struct {
	mu       sync.Mutex
	requests []synthesis.Request
	err      error
	got      chan synthesis.Request
}

func (s *recordingSynth) Submit(req synthesis.Request) (*dispatch.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return nil, s.err
	}
	s.requests = append(s.requests, req)
	if s.got != nil {
		s.got <- req
	}
	return &dispatch.Task{ID: "task-1"}, nil
}

var models = staticModels{
	{Name: "lessac", Lang: "en-US", SampleRate: 22050},
	{Name: "thorsten", Lang: "de-DE", SampleRate: 16000},
}

func decodeError(t *testing.T, reply []byte) protocol.ErrorReply {
	t.Helper()
	var out protocol.ErrorReply
	if err := json.Unmarshal(reply, &out); err != nil {
		t.Fatalf("decode error reply %s: %v", reply, err)
	}
	if out.Type != protocol.TypeError {
		t.Fatalf("expected error envelope, got %s", reply)
	}
	return out
}

func TestRouterAskSayIsFireAndForget(t *testing.T) {
	synth := &recordingSynth{}
	router := NewRouter(models, synth, newLogger())

	reply := router.Handle(protocol.FormatJSON, []byte(`{"type":"ask_say","payload":{"pipe_name":"/tmp/p","content":"hi","model_name":"lessac","should_stream":true,"chunk_size":512}}`))
	if reply != nil {
		t.Fatalf("ask_say must not be acknowledged, got %s", reply)
	}
	if len(synth.requests) != 1 {
		t.Fatalf("expected one submission, got %d", len(synth.requests))
	}
	req := synth.requests[0]
	want := synthesis.Request{Sink: "/tmp/p", Text: "hi", Model: "lessac", SampleRate: 44100, Stream: true, ChunkHint: 512}
	if req != want {
		t.Fatalf("unexpected request %+v", req)
	}
}

func TestRouterAskConfig(t *testing.T) {
	router := NewRouter(models, &recordingSynth{}, newLogger())
	reply := router.Handle(protocol.FormatJSON, []byte(`{"type":"ask_config"}`))
	var out protocol.ConfigReply
	if err := json.Unmarshal(reply, &out); err != nil {
		t.Fatalf("decode reply: %v", err)
	}
	if len(out.Models) != 2 || out.Models[1].Name != "thorsten" || out.Models[1].Lang != "de-DE" || out.Models[1].SampleRate != 16000 {
		t.Fatalf("unexpected config reply %+v", out)
	}
}

func TestRouterErrors(t *testing.T) {
	tests := []struct {
		name string
		msg  string
		err  error
		code string
	}{
		{"unknown type", `{"type":"ask_dance"}`, nil, protocol.CodeUnknownType},
		{"garbage", `not json`, nil, protocol.CodeMalformed},
		{"bad payload", `{"type":"ask_say","payload":{"content":"x"}}`, nil, protocol.CodeMalformed},
		{"queue full", `{"type":"ask_say","payload":{"pipe_name":"p","model_name":"m"}}`, dispatch.ErrQueueFull, protocol.CodeQueueFull},
		{"draining", `{"type":"ask_say","payload":{"pipe_name":"p","model_name":"m"}}`, dispatch.ErrClosed, protocol.CodeShuttingDown},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			router := NewRouter(models, &recordingSynth{err: tt.err}, newLogger())
			reply := router.Handle(protocol.FormatJSON, []byte(tt.msg))
			if got := decodeError(t, reply); got.Error.Code != tt.code {
				t.Fatalf("expected code %s, got %+v", tt.code, got)
			}
		})
	}
}

func TestRouterStopAccepting(t *testing.T) {
	synth := &recordingSynth{}
	router := NewRouter(models, synth, newLogger())
	router.StopAccepting()

	reply := router.Handle(protocol.FormatJSON, []byte(`{"type":"ask_say","payload":{"pipe_name":"p","model_name":"lessac"}}`))
	if got := decodeError(t, reply); got.Error.Code != protocol.CodeShuttingDown {
		t.Fatalf("expected shutting_down, got %+v", got)
	}
	if len(synth.requests) != 0 {
		t.Fatal("no request may be submitted after shutdown starts")
	}
	if reply := router.Handle(protocol.FormatJSON, []byte(`{"type":"ask_config"}`)); !strings.Contains(string(reply), "lessac") {
		t.Fatalf("ask_config should still be answered, got %s", reply)
	}
}

func TestWebsocketServer(t *testing.T) {
	synth := &recordingSynth{got: make(chan synthesis.Request, 1)}
	srv := NewWebsocketServer("127.0.0.1:0", 1<<20, NewRouter(models, synth, newLogger()), newLogger())
	ts := httptest.NewServer(srv)
	defer ts.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	conn, _, err := websocket.Dial(ctx, "ws"+strings.TrimPrefix(ts.URL, "http"), nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.CloseNow()

	if err := conn.Write(ctx, websocket.MessageText, []byte(`{"type":"ask_config"}`)); err != nil {
		t.Fatalf("write: %v", err)
	}
	typ, data, err := conn.Read(ctx)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if typ != websocket.MessageText || !strings.Contains(string(data), `"model_name":"lessac"`) {
		t.Fatalf("unexpected reply %v %s", typ, data)
	}

	binary, err := protocol.Encode(protocol.FormatMsgPack, map[string]any{
		"type":    "ask_say",
		"payload": map[string]any{"pipe_name": "p", "content": "hallo", "model_name": "thorsten", "samplerate": 16000},
	})
	if err != nil {
		t.Fatal(err)
	}
	if err := conn.Write(ctx, websocket.MessageBinary, binary); err != nil {
		t.Fatalf("write binary: %v", err)
	}
	select {
	case req := <-synth.got:
		if req.Model != "thorsten" || req.SampleRate != 16000 {
			t.Fatalf("unexpected request %+v", req)
		}
	case <-ctx.Done():
		t.Fatal("binary ask_say never reached the synthesizer")
	}

	if err := conn.Write(ctx, websocket.MessageBinary, []byte{0xc1}); err != nil {
		t.Fatalf("write garbage: %v", err)
	}
	typ, _, err = conn.Read(ctx)
	if err != nil {
		t.Fatalf("read error reply: %v", err)
	}
	if typ != websocket.MessageBinary {
		t.Fatalf("reply must use the request frame type, got %v", typ)
	}
}

func TestWebsocketServerClose(t *testing.T) {
	srv := NewWebsocketServer("127.0.0.1:0", 1<<20, NewRouter(models, &recordingSynth{}, newLogger()), newLogger())
	if err := srv.Start(); err != nil {
		t.Fatalf("start: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	conn, _, err := websocket.Dial(ctx, "ws://"+srv.Addr(), nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.CloseNow()
	if err := conn.Write(ctx, websocket.MessageText, []byte(`{"type":"ask_config"}`)); err != nil {
		t.Fatal(err)
	}
	if _, _, err := conn.Read(ctx); err != nil {
		t.Fatal(err)
	}

	closed := make(chan error, 1)
	go func() { closed <- srv.Close(ctx) }()
	if _, _, err := conn.Read(ctx); websocket.CloseStatus(err) != websocket.StatusGoingAway {
		t.Fatalf("expected going away close, got %v", err)
	}
	if err := <-closed; err != nil {
		t.Fatalf("close: %v", err)
	}
	if srv.Healthy() {
		t.Fatal("closed server must not report healthy")
	}
}

func TestBusListener(t *testing.T) {
	ns, err := natsserver.Start(config.BusConfig{Embedded: true, Port: -1}, newLogger())
	if err != nil {
		t.Fatalf("start nats: %v", err)
	}
	defer ns.Shutdown()

	nc, err := nats.Connect(ns.ClientURL())
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	defer nc.Close()

	synth := &recordingSynth{got: make(chan synthesis.Request, 1)}
	listener := NewBusListener(nc, "", NewRouter(models, synth, newLogger()), newLogger())
	if err := listener.Start(); err != nil {
		t.Fatalf("start listener: %v", err)
	}
	defer listener.Close()

	msg, err := nc.Request(protocol.SubjectControl, []byte(`{"type":"ask_config"}`), 2*time.Second)
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	var reply protocol.ConfigReply
	if err := json.Unmarshal(msg.Data, &reply); err != nil || len(reply.Models) != 2 {
		t.Fatalf("unexpected config reply %s (%v)", msg.Data, err)
	}

	packed, err := protocol.Encode(protocol.FormatMsgPack, map[string]any{"type": "ask_config"})
	if err != nil {
		t.Fatal(err)
	}
	req := nats.NewMsg(protocol.SubjectControl)
	req.Header.Set("Content-Type", ContentTypeMsgPack)
	req.Data = packed
	msg, err = nc.RequestMsg(req, 2*time.Second)
	if err != nil {
		t.Fatalf("msgpack request: %v", err)
	}
	decoded, err := msgp.NewReader(bytes.NewReader(msg.Data)).ReadIntf()
	if err != nil {
		t.Fatalf("reply is not msgpack: %v", err)
	}
	if list, ok := decoded.(map[string]interface{})["models"].([]interface{}); !ok || len(list) != 2 {
		t.Fatalf("unexpected msgpack config reply %v", decoded)
	}

	if err := nc.Publish(protocol.SubjectControl, []byte(`{"type":"ask_say","payload":{"pipe_name":"p","content":"x","model_name":"lessac"}}`)); err != nil {
		t.Fatalf("publish: %v", err)
	}
	select {
	case got := <-synth.got:
		if got.Model != "lessac" {
			t.Fatalf("unexpected request %+v", got)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("published ask_say never reached the synthesizer")
	}
}
