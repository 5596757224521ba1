// Package pulse exposes a pipeline.AlertSink implementation that publishes
// detected alerts to goa.design/pulse streams. Services build a Redis client,
// pass it to the Pulse client, and hand the resulting sink to the pipeline;
// downstream consumers (notification services, dashboards) subscribe to the
// per-user streams.
package pulse

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/creatorhq/maestro/fault"
	"github.com/creatorhq/maestro/features/alerts/pulse/clients/pulse"
	"github.com/creatorhq/maestro/pipeline"
)

type (
	// Options configures the Pulse sink.
	Options struct {
		// Client is the Pulse client used to publish alerts. Required.
		Client pulse.Client
		// StreamID derives the target Pulse stream from an alert. Defaults
		// to `alerts/<UserID>`.
		StreamID func(pipeline.Alert) (string, error)
		// MarshalEnvelope overrides the envelope serialization (primarily
		// for tests).
		MarshalEnvelope func(envelope) ([]byte, error)
	}

	// Sink publishes pipeline alerts into Pulse streams. Thread-safe for
	// concurrent Publish operations.
	Sink struct {
		client pulse.Client
		opts   sinkOptions
	}

	sinkOptions struct {
		streamID        func(pipeline.Alert) (string, error)
		marshalEnvelope func(envelope) ([]byte, error)
	}

	// envelope wraps alerts for transmission over Pulse streams.
	envelope struct {
		// Kind identifies the alert kind (spike, drop, milestone, anomaly).
		Kind string `json:"kind"`
		// UserID links the alert to a creator.
		UserID string `json:"user_id"`
		// Timestamp records when the alert was published (UTC).
		Timestamp time.Time `json:"timestamp"`
		// Payload carries the full alert.
		Payload pipeline.Alert `json:"payload"`
	}
)

var _ pipeline.AlertSink = (*Sink)(nil)

// NewSink constructs a Pulse-backed alert sink. The Client field in opts is
// required; StreamID and MarshalEnvelope default to the built-in
// implementations.
func NewSink(opts Options) (*Sink, error) {
	if opts.Client == nil {
		return nil, fault.New(fault.KindConfiguration, "pulse client is required")
	}
	cfg := sinkOptions{
		streamID:        defaultStreamID,
		marshalEnvelope: defaultMarshal,
	}
	if opts.StreamID != nil {
		cfg.streamID = opts.StreamID
	}
	if opts.MarshalEnvelope != nil {
		cfg.marshalEnvelope = opts.MarshalEnvelope
	}
	return &Sink{
		client: opts.Client,
		opts:   cfg,
	}, nil
}

// Publish writes the alert to the derived Pulse stream. It derives the stream
// ID, wraps the alert in an envelope, marshals it to JSON, and publishes it
// via the Pulse client.
func (s *Sink) Publish(ctx context.Context, alert pipeline.Alert) error {
	streamID, err := s.opts.streamID(alert)
	if err != nil {
		return err
	}
	handle, err := s.client.Stream(streamID)
	if err != nil {
		return err
	}
	ts := alert.CreatedAt
	if ts.IsZero() {
		ts = time.Now()
	}
	env := envelope{
		Kind:      string(alert.Kind),
		UserID:    alert.UserID,
		Timestamp: ts.UTC(),
		Payload:   alert,
	}
	payload, err := s.opts.marshalEnvelope(env)
	if err != nil {
		return err
	}
	if _, err := handle.Add(ctx, env.Kind, payload); err != nil {
		return err
	}
	return nil
}

// Close releases resources owned by the sink by delegating to the underlying
// Pulse client.
func (s *Sink) Close(ctx context.Context) error {
	return s.client.Close(ctx)
}

// defaultStreamID derives the Pulse stream name from the alert's user id.
func defaultStreamID(alert pipeline.Alert) (string, error) {
	if alert.UserID == "" {
		return "", fault.New(fault.KindValidation, "alert missing user id")
	}
	return fmt.Sprintf("alerts/%s", alert.UserID), nil
}

func defaultMarshal(env envelope) ([]byte, error) {
	return json.Marshal(env)
}
