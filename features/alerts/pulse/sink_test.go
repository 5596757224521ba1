package pulse

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	streamopts "goa.design/pulse/streaming/options"

	"github.com/creatorhq/maestro/fault"
	"github.com/creatorhq/maestro/features/alerts/pulse/clients/pulse"
	"github.com/creatorhq/maestro/pipeline"
)

type fakeStream struct {
	adds []addCall
	err  error
}

type addCall struct {
	event   string
	payload []byte
}

func (s *fakeStream) Add(_ context.Context, event string, payload []byte) (string, error) {
	if s.err != nil {
		return "", s.err
	}
	s.adds = append(s.adds, addCall{event: event, payload: payload})
	return "1-0", nil
}

func (s *fakeStream) NewSink(context.Context, string, ...streamopts.Sink) (pulse.Sink, error) {
	return nil, errors.New("not implemented")
}

func (s *fakeStream) Destroy(context.Context) error { return nil }

type fakeClient struct {
	streams map[string]*fakeStream
}

func newFakeClient() *fakeClient {
	return &fakeClient{streams: make(map[string]*fakeStream)}
}

func (c *fakeClient) Stream(name string, _ ...streamopts.Stream) (pulse.Stream, error) {
	s, ok := c.streams[name]
	if !ok {
		s = &fakeStream{}
		c.streams[name] = s
	}
	return s, nil
}

func (c *fakeClient) Close(context.Context) error { return nil }

func TestNewSinkRequiresClient(t *testing.T) {
	_, err := NewSink(Options{})
	require.Error(t, err)
	assert.True(t, fault.IsKind(err, fault.KindConfiguration))
}

func TestPublishWritesEnvelopeToUserStream(t *testing.T) {
	client := newFakeClient()
	sink, err := NewSink(Options{Client: client})
	require.NoError(t, err)

	created := time.Date(2026, 8, 20, 12, 0, 0, 0, time.UTC)
	alert := pipeline.Alert{
		UserID:       "u1",
		Kind:         pipeline.AlertSpike,
		Metric:       "views",
		Current:      1500,
		Previous:     1000,
		ChangePct:    50,
		Significance: pipeline.SignificanceHigh,
		CreatedAt:    created,
	}
	require.NoError(t, sink.Publish(context.Background(), alert))

	stream, ok := client.streams["alerts/u1"]
	require.True(t, ok, "alerts publish to the per-user stream")
	require.Len(t, stream.adds, 1)
	assert.Equal(t, "spike", stream.adds[0].event)

	var env envelope
	require.NoError(t, json.Unmarshal(stream.adds[0].payload, &env))
	assert.Equal(t, "spike", env.Kind)
	assert.Equal(t, "u1", env.UserID)
	assert.Equal(t, created, env.Timestamp)
	assert.Equal(t, alert, env.Payload)
}

func TestPublishRejectsMissingUserID(t *testing.T) {
	sink, err := NewSink(Options{Client: newFakeClient()})
	require.NoError(t, err)

	err = sink.Publish(context.Background(), pipeline.Alert{Kind: pipeline.AlertDrop})
	require.Error(t, err)
	assert.True(t, fault.IsKind(err, fault.KindValidation))
}

func TestPublishPropagatesStreamErrors(t *testing.T) {
	client := newFakeClient()
	client.streams["alerts/u1"] = &fakeStream{err: errors.New("redis down")}
	sink, err := NewSink(Options{Client: client})
	require.NoError(t, err)

	err = sink.Publish(context.Background(), pipeline.Alert{UserID: "u1", Kind: pipeline.AlertDrop})
	require.Error(t, err)
}

func TestPublishCustomStreamID(t *testing.T) {
	client := newFakeClient()
	sink, err := NewSink(Options{
		Client: client,
		StreamID: func(pipeline.Alert) (string, error) {
			return "alerts/all", nil
		},
	})
	require.NoError(t, err)

	require.NoError(t, sink.Publish(context.Background(), pipeline.Alert{UserID: "u1", Kind: pipeline.AlertMilestone}))
	_, ok := client.streams["alerts/all"]
	assert.True(t, ok)
}
