package queue

import (
	"time"

	"github.com/nats-io/nats.go"
)

// Message is a delivered job message together with its acknowledgement controls.
type Message interface {
	Data() []byte
	Ack() error
	Nak(delay time.Duration) error
	Term() error
	InProgress() error
	// Deliveries is how many times the broker has delivered this message, starting at 1.
	Deliveries() int
}

type natsMessage struct {
	msg *nats.Msg
}

// FromNATS adapts a JetStream message.
func FromNATS(msg *nats.Msg) Message {
	return natsMessage{msg: msg}
}

func (m natsMessage) Data() []byte { return m.msg.Data }

func (m natsMessage) Ack() error { return m.msg.AckSync() }

func (m natsMessage) Nak(delay time.Duration) error {
	if delay <= 0 {
		return m.msg.Nak()
	}
	return m.msg.NakWithDelay(delay)
}

func (m natsMessage) Term() error { return m.msg.Term() }

func (m natsMessage) InProgress() error { return m.msg.InProgress() }

func (m natsMessage) Deliveries() int {
	md, err := m.msg.Metadata()
	if err != nil {
		return 1
	}
	return int(md.NumDelivered)
}
