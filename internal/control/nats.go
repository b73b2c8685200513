package control

import (
	"fmt"
	"log/slog"
	"strings"

	"github.com/loqalabs/loqa-tts/internal/protocol"
	"github.com/nats-io/nats.go"
)

// ContentTypeMsgPack in the Content-Type header selects MessagePack decoding.
const ContentTypeMsgPack = "application/msgpack"

// BusListener serves the control protocol on a NATS subject using
// request/reply for in-band answers.
type BusListener struct {
	conn    *nats.Conn
	subject string
	router  *Router
	logger  *slog.Logger
	sub     *nats.Subscription
}

func NewBusListener(conn *nats.Conn, subject string, router *Router, log *slog.Logger) *BusListener {
	if subject == "" {
		subject = protocol.SubjectControl
	}
	return &BusListener{
		conn:    conn,
		subject: subject,
		router:  router,
		logger:  log.With(slog.String("component", "control-bus")),
	}
}

func (l *BusListener) Start() error {
	sub, err := l.conn.Subscribe(l.subject, l.handle)
	if err != nil {
		return fmt.Errorf("subscribe %s: %w", l.subject, err)
	}
	l.sub = sub
	l.logger.Info("control plane subscribed", slog.String("subject", l.subject))
	return nil
}

func (l *BusListener) Healthy() bool { return l.sub != nil && l.sub.IsValid() }

// Close drains the subscription so messages already received are still answered.
func (l *BusListener) Close() {
	if l.sub == nil {
		return
	}
	if err := l.sub.Drain(); err != nil {
		l.logger.Warn("failed to drain control subscription", slogError(err))
	}
}

func (l *BusListener) handle(msg *nats.Msg) {
	format := protocol.FormatJSON
	if msg.Header != nil && strings.EqualFold(msg.Header.Get("Content-Type"), ContentTypeMsgPack) {
		format = protocol.FormatMsgPack
	}
	reply := l.router.Handle(format, msg.Data)
	if reply == nil || msg.Reply == "" {
		return
	}
	if err := msg.Respond(reply); err != nil {
		l.logger.Warn("failed to respond on control subject", slogError(err))
	}
}
