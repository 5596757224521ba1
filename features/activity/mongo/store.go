// Package mongo wires the pipeline's activity and alert persistence to the
// MongoDB client.
package mongo

import (
	"context"
	"time"

	"github.com/creatorhq/maestro/fault"
	clientsmongo "github.com/creatorhq/maestro/features/activity/mongo/clients/mongo"
	"github.com/creatorhq/maestro/pipeline"
)

// Options configures the Store wrapper.
type Options struct {
	Client clientsmongo.Client
}

// Store implements pipeline.ActivityStore and pipeline.AlertStore by
// delegating to the Mongo client.
type Store struct {
	client clientsmongo.Client
}

var (
	_ pipeline.ActivityStore = (*Store)(nil)
	_ pipeline.AlertStore    = (*Store)(nil)
)

// NewStore builds a Mongo-backed store using the provided client.
func NewStore(opts Options) (*Store, error) {
	if opts.Client == nil {
		return nil, fault.New(fault.KindConfiguration, "client is required")
	}
	return &Store{client: opts.Client}, nil
}

// NewStoreFromMongo instantiates the underlying client from driver options.
func NewStoreFromMongo(opts clientsmongo.Options) (*Store, error) {
	client, err := clientsmongo.New(opts)
	if err != nil {
		return nil, err
	}
	return NewStore(Options{Client: client})
}

// List returns every tracked activity record.
func (s *Store) List(ctx context.Context) ([]pipeline.Activity, error) {
	return s.client.ListActivities(ctx)
}

// Save upserts one activity record keyed by user id.
func (s *Store) Save(ctx context.Context, activity pipeline.Activity) error {
	return s.client.SaveActivity(ctx, activity)
}

// Append records one emitted alert.
func (s *Store) Append(ctx context.Context, alert pipeline.Alert) error {
	return s.client.AppendAlert(ctx, alert)
}

// Since returns the user's alerts created at or after the given instant.
func (s *Store) Since(ctx context.Context, userID string, since time.Time) ([]pipeline.Alert, error) {
	return s.client.AlertsSince(ctx, userID, since)
}

// Prune deletes alerts older than the given instant and reports how many
// were removed.
func (s *Store) Prune(ctx context.Context, before time.Time) (int, error) {
	return s.client.PruneAlerts(ctx, before)
}
