package clinicauth

import (
	"io"

	"go.uber.org/zap"

	"github.com/MrEthical07/clinicauth/internal/audit"
)

// AuditEvent is one audit record. Identifiers appear only as a hash.
type AuditEvent = audit.Event

// AuditSink receives audit events from the engine's dispatcher.
type AuditSink = audit.Sink

// NoOpSink drops audit events.
type NoOpSink = audit.NoOpSink

// ChannelSink buffers audit events in a channel.
type ChannelSink = audit.ChannelSink

// JSONWriterSink writes one JSON object per line.
type JSONWriterSink = audit.JSONWriterSink

// AMQPSink publishes audit events to a RabbitMQ queue.
type AMQPSink = audit.AMQPSink

func NewChannelSink(buffer int) *ChannelSink {
	return audit.NewChannelSink(buffer)
}

func NewJSONWriterSink(w io.Writer) *JSONWriterSink {
	return audit.NewJSONWriterSink(w)
}

// DialAMQPSink connects to url and declares queue (durable).
func DialAMQPSink(url, queue string, logger *zap.Logger) (*AMQPSink, error) {
	return audit.DialAMQP(url, queue, logger)
}
