package api

import (
	"encoding/json"
	"net/http"

	"github.com/flashbots/rollup-boost/dispatcher"
	"github.com/flashbots/rollup-boost/health"
	"github.com/r3labs/sse/v2"
	"github.com/sirupsen/logrus"
)

const (
	StreamPayloads = "payloads"
	StreamHealth   = "health"
)

// EventStream publishes delivered payloads and builder health transitions as
// server-sent events. Clients subscribe with ?stream=payloads or ?stream=health.
type EventStream struct {
	log    *logrus.Entry
	server *sse.Server
}

func NewEventStream(log *logrus.Entry) *EventStream {
	server := sse.New()
	server.AutoReplay = false
	server.CreateStream(StreamPayloads)
	server.CreateStream(StreamHealth)

	return &EventStream{
		log:    log.WithField("component", "events"),
		server: server,
	}
}

func (s *EventStream) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	s.server.ServeHTTP(w, req)
}

// PublishDelivery is a dispatcher.DeliveryListener
func (s *EventStream) PublishDelivery(ev dispatcher.DeliveryEvent) {
	msg := payloadEventJSON{
		PayloadID:      ev.PayloadID.String(),
		Source:         ev.Source.String(),
		FallbackReason: ev.FallbackReason,
		BlockHash:      ev.Envelope.BlockHash().Hex(),
		BlockNumber:    ev.Envelope.ExecutionPayload.Number,
		Value:          ev.Envelope.PayloadValue().ToInt().String(),
		DeliveredAt:    ev.DeliveredAt.UnixMilli(),
	}
	if ev.BuilderPayloadID != nil {
		msg.BuilderPayloadID = ev.BuilderPayloadID.String()
	}
	if ev.BuilderValue != nil {
		msg.BuilderValue = ev.BuilderValue.ToInt().String()
	}
	s.publish(StreamPayloads, "payload_delivered", msg)
}

// PublishHealth is a health.Listener
func (s *EventStream) PublishHealth(t health.Transition) {
	s.publish(StreamHealth, "builder_health", healthEventJSON{
		From:   t.From,
		To:     t.To,
		Reason: t.Reason,
		Health: t.Health,
	})
}

func (s *EventStream) publish(stream, event string, msg any) {
	data, err := json.Marshal(msg)
	if err != nil {
		s.log.WithError(err).WithField("stream", stream).Error("failed to encode event")
		return
	}
	s.server.Publish(stream, &sse.Event{
		Event: []byte(event),
		Data:  data,
	})
}

func (s *EventStream) Close() {
	s.server.Close()
}
