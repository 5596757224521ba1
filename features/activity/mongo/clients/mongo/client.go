// Package mongo implements the low-level MongoDB client used by the activity
// store. It persists the pipeline's per-user activity records and alert
// history, the only pipeline state that survives a restart.
package mongo

import (
	"context"
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"
	mongodriver "go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"
	"go.mongodb.org/mongo-driver/v2/mongo/readpref"

	"goa.design/clue/health"

	"github.com/creatorhq/maestro/fault"
	"github.com/creatorhq/maestro/pipeline"
)

const (
	defaultActivityCollection = "pipeline_activity"
	defaultAlertCollection    = "pipeline_alerts"
	defaultTimeout            = 5 * time.Second
	clientName                = "activity-mongo"
)

type (
	// Client exposes Mongo-backed operations for pipeline activity and alert
	// history.
	Client interface {
		health.Pinger

		ListActivities(ctx context.Context) ([]pipeline.Activity, error)
		SaveActivity(ctx context.Context, activity pipeline.Activity) error
		AppendAlert(ctx context.Context, alert pipeline.Alert) error
		AlertsSince(ctx context.Context, userID string, since time.Time) ([]pipeline.Alert, error)
		PruneAlerts(ctx context.Context, before time.Time) (int, error)
	}

	// Options configures the Mongo client implementation.
	Options struct {
		Client             *mongodriver.Client
		Database           string
		ActivityCollection string
		AlertCollection    string
		Timeout            time.Duration
	}
)

type client struct {
	mongo      *mongodriver.Client
	activities collection
	alerts     collection
	timeout    time.Duration
}

// New returns a Client backed by the provided MongoDB client.
func New(opts Options) (Client, error) {
	if opts.Client == nil {
		return nil, fault.New(fault.KindConfiguration, "mongo client is required")
	}
	if opts.Database == "" {
		return nil, fault.New(fault.KindConfiguration, "database name is required")
	}
	activityColl := opts.ActivityCollection
	if activityColl == "" {
		activityColl = defaultActivityCollection
	}
	alertColl := opts.AlertCollection
	if alertColl == "" {
		alertColl = defaultAlertCollection
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	db := opts.Client.Database(opts.Database)
	activities := mongoCollection{coll: db.Collection(activityColl)}
	alerts := mongoCollection{coll: db.Collection(alertColl)}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	if err := ensureIndexes(ctx, activities, alerts); err != nil {
		return nil, fault.Wrap(fault.KindDatabase, "create indexes", err)
	}
	return &client{
		mongo:      opts.Client,
		activities: activities,
		alerts:     alerts,
		timeout:    timeout,
	}, nil
}

func (c *client) Name() string {
	return clientName
}

func (c *client) Ping(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	return c.mongo.Ping(ctx, readpref.Primary())
}

func (c *client) ListActivities(ctx context.Context) ([]pipeline.Activity, error) {
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()

	cur, err := c.activities.Find(ctx, bson.M{})
	if err != nil {
		return nil, fault.Wrap(fault.KindDatabase, "list activities", err)
	}
	var activities []pipeline.Activity
	if err := cur.All(ctx, &activities); err != nil {
		return nil, fault.Wrap(fault.KindDatabase, "decode activities", err)
	}
	return activities, nil
}

func (c *client) SaveActivity(ctx context.Context, activity pipeline.Activity) error {
	if activity.UserID == "" {
		return fault.New(fault.KindValidation, "user id is required")
	}
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()

	filter := bson.M{"user_id": activity.UserID}
	update := bson.M{"$set": activity}
	_, err := c.activities.UpdateOne(ctx, filter, update, options.UpdateOne().SetUpsert(true))
	if err != nil {
		return fault.Wrap(fault.KindDatabase, "save activity", err)
	}
	return nil
}

func (c *client) AppendAlert(ctx context.Context, alert pipeline.Alert) error {
	if alert.UserID == "" {
		return fault.New(fault.KindValidation, "user id is required")
	}
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()

	if alert.CreatedAt.IsZero() {
		alert.CreatedAt = time.Now().UTC()
	}
	if _, err := c.alerts.InsertOne(ctx, alert); err != nil {
		return fault.Wrap(fault.KindDatabase, "append alert", err)
	}
	return nil
}

func (c *client) AlertsSince(ctx context.Context, userID string, since time.Time) ([]pipeline.Alert, error) {
	if userID == "" {
		return nil, fault.New(fault.KindValidation, "user id is required")
	}
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()

	filter := bson.M{
		"user_id":    userID,
		"created_at": bson.M{"$gte": since},
	}
	cur, err := c.alerts.Find(ctx, filter, options.Find().SetSort(bson.D{{Key: "created_at", Value: 1}}))
	if err != nil {
		return nil, fault.Wrap(fault.KindDatabase, "query alerts", err)
	}
	var alerts []pipeline.Alert
	if err := cur.All(ctx, &alerts); err != nil {
		return nil, fault.Wrap(fault.KindDatabase, "decode alerts", err)
	}
	return alerts, nil
}

func (c *client) PruneAlerts(ctx context.Context, before time.Time) (int, error) {
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()

	res, err := c.alerts.DeleteMany(ctx, bson.M{"created_at": bson.M{"$lt": before}})
	if err != nil {
		return 0, fault.Wrap(fault.KindDatabase, "prune alerts", err)
	}
	return int(res.DeletedCount), nil
}

func (c *client) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if ctx == nil {
		ctx = context.Background()
	}
	if c.timeout <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, c.timeout)
}

func ensureIndexes(ctx context.Context, activities, alerts collection) error {
	activityIndex := mongodriver.IndexModel{
		Keys:    bson.D{{Key: "user_id", Value: 1}},
		Options: options.Index().SetUnique(true),
	}
	if _, err := activities.Indexes().CreateOne(ctx, activityIndex); err != nil {
		return err
	}
	alertIndex := mongodriver.IndexModel{
		Keys: bson.D{{Key: "user_id", Value: 1}, {Key: "created_at", Value: 1}},
	}
	if _, err := alerts.Indexes().CreateOne(ctx, alertIndex); err != nil {
		return err
	}
	pruneIndex := mongodriver.IndexModel{
		Keys: bson.D{{Key: "created_at", Value: 1}},
	}
	_, err := alerts.Indexes().CreateOne(ctx, pruneIndex)
	return err
}

// collection abstracts the driver collection so the query logic is testable
// without a server.
type collection interface {
	Find(ctx context.Context, filter any, opts ...options.Lister[options.FindOptions]) (cursor, error)
	InsertOne(ctx context.Context, document any, opts ...options.Lister[options.InsertOneOptions]) (*mongodriver.InsertOneResult, error)
	UpdateOne(ctx context.Context, filter any, update any, opts ...options.Lister[options.UpdateOneOptions]) (*mongodriver.UpdateResult, error)
	DeleteMany(ctx context.Context, filter any, opts ...options.Lister[options.DeleteManyOptions]) (*mongodriver.DeleteResult, error)
	Indexes() indexView
}

type cursor interface {
	All(ctx context.Context, results any) error
}

type indexView interface {
	CreateOne(ctx context.Context, model mongodriver.IndexModel, opts ...options.Lister[options.CreateIndexesOptions]) (string, error)
}

type mongoCollection struct {
	coll *mongodriver.Collection
}

func (c mongoCollection) Find(ctx context.Context, filter any, opts ...options.Lister[options.FindOptions]) (cursor, error) {
	cur, err := c.coll.Find(ctx, filter, opts...)
	if err != nil {
		return nil, err
	}
	return cur, nil
}

func (c mongoCollection) InsertOne(ctx context.Context, document any, opts ...options.Lister[options.InsertOneOptions]) (*mongodriver.InsertOneResult, error) {
	return c.coll.InsertOne(ctx, document, opts...)
}

func (c mongoCollection) UpdateOne(ctx context.Context, filter any, update any, opts ...options.Lister[options.UpdateOneOptions]) (*mongodriver.UpdateResult, error) {
	return c.coll.UpdateOne(ctx, filter, update, opts...)
}

func (c mongoCollection) DeleteMany(ctx context.Context, filter any, opts ...options.Lister[options.DeleteManyOptions]) (*mongodriver.DeleteResult, error) {
	return c.coll.DeleteMany(ctx, filter, opts...)
}

func (c mongoCollection) Indexes() indexView {
	return mongoIndexView{view: c.coll.Indexes()}
}

type mongoIndexView struct {
	view mongodriver.IndexView
}

func (v mongoIndexView) CreateOne(ctx context.Context, model mongodriver.IndexModel, opts ...options.Lister[options.CreateIndexesOptions]) (string, error) {
	return v.view.CreateOne(ctx, model, opts...)
}
