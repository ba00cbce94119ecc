package service

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
	"github.com/sifan077/goster/internal/app/model"
)

// ViewPublisher publishes view events to NATS JetStream.
type ViewPublisher struct {
	js      nats.JetStreamContext
	subject string
	now     func() time.Time
}

// NewViewPublisher creates a publisher writing to subject.
func NewViewPublisher(js nats.JetStreamContext, subject string) *ViewPublisher {
	return &ViewPublisher{js: js, subject: subject, now: time.Now}
}

// Publish records one playback of the recording behind linkCode.
func (p *ViewPublisher) Publish(linkCode, ip, userAgent string) error {
	event := model.ViewEvent{
		ID:        uuid.New().String(),
		LinkCode:  linkCode,
		IP:        ip,
		UserAgent: userAgent,
		Timestamp: p.now().UTC(),
	}

	data, err := json.Marshal(event)
	if err != nil {
		return err
	}

	_, err = p.js.Publish(p.subject, data, nats.MsgId(event.ID))
	return err
}
