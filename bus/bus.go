// Package bus wraps NATS core pub/sub with the consume/ack/reply/cancel/
// republish primitives the message harness needs, independent of any
// particular serialization the envelope package chooses.
package bus

import (
	"time"
	"unicode/utf8"

	"github.com/nats-io/nats.go"
)

// Header names carried on every request message. TimeoutAt is the absolute
// deadline a publisher wants this request bounded by; CorrelationID is the
// id a cancellation message targets.
const (
	HeaderCorrelationID = "Correlation-Id"
	HeaderTimeoutAt     = "Timeout-At"
)

var ackPayload = []byte("ack")

// Publisher is the minimal surface Message needs to Ack/Reply, satisfied
// by *nats.Conn and by fakes in other packages' tests.
type Publisher interface {
	Publish(subj string, data []byte) error
}

// Message is one inbound request, decoded from its NATS envelope.
type Message struct {
	Data          []byte
	CorrelationID string
	TimeoutAt     *time.Time

	replySubject string
	pub          Publisher
}

// NewMessageForTest builds a Message directly from its fields, for
// packages downstream of bus that need one without a live NATS
// connection.
func NewMessageForTest(data []byte, replySubject string, pub Publisher) *Message {
	return &Message{Data: data, replySubject: replySubject, pub: pub}
}

// Ack acknowledges receipt of the message without replying to it yet. A
// message with no reply subject (the publisher isn't listening for one)
// makes Ack a no-op.
func (m *Message) Ack() error {
	if m.replySubject == "" || m.pub == nil {
		return nil
	}
	return m.pub.Publish(m.replySubject, ackPayload)
}

// Reply sends the final outcome body to the publisher's reply subject.
func (m *Message) Reply(body []byte) error {
	if m.replySubject == "" || m.pub == nil {
		return nil
	}
	return m.pub.Publish(m.replySubject, body)
}

func decodeMessage(raw *nats.Msg, pub Publisher) *Message {
	m := &Message{
		Data:         raw.Data,
		replySubject: raw.Reply,
		pub:          pub,
	}

	if raw.Header != nil {
		if id := raw.Header.Get(HeaderCorrelationID); id != "" {
			m.CorrelationID = id
		}
		if ts := raw.Header.Get(HeaderTimeoutAt); ts != "" {
			if parsed, err := time.Parse(time.RFC3339Nano, ts); err == nil {
				m.TimeoutAt = &parsed
			}
		}
	}

	return m
}

// ParseCorrelationID validates a cancellation message body. Non-UTF-8
// payloads are rejected rather than silently truncated, per the spec's
// "logged and dropped" handling for malformed cancellations.
func ParseCorrelationID(data []byte) (string, bool) {
	if !utf8.Valid(data) {
		return "", false
	}
	return string(data), true
}

// Bus is the configured NATS adapter: one request queue subscription, one
// cancellation subscription, and a republish path back onto the request
// subject for graceful shutdown.
type Bus struct {
	conn           *nats.Conn
	requestSubject string
	cancelSubject  string
	queueGroup     string
}

// Connect dials url and returns a ready-to-use Bus.
func Connect(url, requestSubject, cancelSubject, queueGroup string) (*Bus, error) {
	conn, err := nats.Connect(url)
	if err != nil {
		return nil, err
	}
	return New(conn, requestSubject, cancelSubject, queueGroup), nil
}

// New wraps an already-connected *nats.Conn.
func New(conn *nats.Conn, requestSubject, cancelSubject, queueGroup string) *Bus {
	return &Bus{
		conn:           conn,
		requestSubject: requestSubject,
		cancelSubject:  cancelSubject,
		queueGroup:     queueGroup,
	}
}

// Close drains and closes the underlying connection.
func (b *Bus) Close() error {
	return b.conn.Drain()
}

// Conn exposes the underlying NATS connection for health reporting.
func (b *Bus) Conn() *nats.Conn {
	return b.conn
}

// Consume subscribes to the request subject as part of the configured
// queue group, so each message is delivered to exactly one proxy process
// in the group, and invokes handler for each.
func (b *Bus) Consume(handler func(*Message)) (*nats.Subscription, error) {
	return b.conn.QueueSubscribe(b.requestSubject, b.queueGroup, func(raw *nats.Msg) {
		handler(decodeMessage(raw, b.conn))
	})
}

// ConsumeCancellations subscribes to the cancellation subject. handler
// receives the correlation id for every well-formed message; malformed
// (non-UTF-8) bodies are silently skipped. Callers that log drops use
// ConsumeCancellationsRaw and call ParseCorrelationID themselves.
func (b *Bus) ConsumeCancellations(handler func(correlationID string)) (*nats.Subscription, error) {
	return b.conn.Subscribe(b.cancelSubject, func(raw *nats.Msg) {
		if id, ok := ParseCorrelationID(raw.Data); ok {
			handler(id)
		}
	})
}

// ConsumeCancellationsRaw subscribes to the cancellation subject and hands
// every message's raw bytes to handler, letting the caller log malformed
// payloads instead of silently dropping them.
func (b *Bus) ConsumeCancellationsRaw(handler func(data []byte)) (*nats.Subscription, error) {
	return b.conn.Subscribe(b.cancelSubject, func(raw *nats.Msg) {
		handler(raw.Data)
	})
}

// Republish puts an unfinished request's body back on the request
// subject, for another worker in the queue group to pick up.
func (b *Bus) Republish(data []byte) error {
	return b.conn.Publish(b.requestSubject, data)
}
