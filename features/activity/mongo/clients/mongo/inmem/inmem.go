// Package inmem provides an in-memory implementation of the activity Mongo
// client for tests and single-process deployments without a database.
package inmem

import (
	"context"
	"sync"
	"time"

	clientsmongo "github.com/creatorhq/maestro/features/activity/mongo/clients/mongo"
	"github.com/creatorhq/maestro/pipeline"
)

// Client stores activities and alerts in process memory. Safe for concurrent
// use.
type Client struct {
	mu         sync.Mutex
	activities map[string]pipeline.Activity
	alerts     []pipeline.Alert
}

var _ clientsmongo.Client = (*Client)(nil)

// New returns an empty in-memory client.
func New() *Client {
	return &Client{activities: make(map[string]pipeline.Activity)}
}

// Name identifies the client for health reporting.
func (c *Client) Name() string { return "activity-inmem" }

// Ping always succeeds.
func (c *Client) Ping(context.Context) error { return nil }

// ListActivities returns every stored activity record.
func (c *Client) ListActivities(context.Context) ([]pipeline.Activity, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]pipeline.Activity, 0, len(c.activities))
	for _, a := range c.activities {
		out = append(out, a)
	}
	return out, nil
}

// SaveActivity upserts the record keyed by user id.
func (c *Client) SaveActivity(_ context.Context, activity pipeline.Activity) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.activities[activity.UserID] = activity
	return nil
}

// AppendAlert records one alert, filling CreatedAt when unset.
func (c *Client) AppendAlert(_ context.Context, alert pipeline.Alert) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if alert.CreatedAt.IsZero() {
		alert.CreatedAt = time.Now().UTC()
	}
	c.alerts = append(c.alerts, alert)
	return nil
}

// AlertsSince returns the user's alerts created at or after since.
func (c *Client) AlertsSince(_ context.Context, userID string, since time.Time) ([]pipeline.Alert, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []pipeline.Alert
	for _, a := range c.alerts {
		if a.UserID == userID && !a.CreatedAt.Before(since) {
			out = append(out, a)
		}
	}
	return out, nil
}

// PruneAlerts deletes alerts created before the given instant.
func (c *Client) PruneAlerts(_ context.Context, before time.Time) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	var kept []pipeline.Alert
	pruned := 0
	for _, a := range c.alerts {
		if a.CreatedAt.Before(before) {
			pruned++
			continue
		}
		kept = append(kept, a)
	}
	c.alerts = kept
	return pruned, nil
}
