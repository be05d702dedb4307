package taskqueue

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

// MongoQueue implements Queue on top of MongoDB.
//
// Collection schema:
//
//	{
//	  _id:         string,  // task ID
//	  data:        []byte,  // gob-encoded Task
//	  visible_at:  int64,   // unix nanos; NotBefore or lease expiry
//	  enqueued_at: int64,
//	  lease_owner: string,
//	}
type MongoQueue struct {
	coll *mongo.Collection
	now  func() time.Time
}

// NewMongoQueue creates a Mongo-backed queue.
// dbName defaults to "flowgraph", collName to "tasks".
func NewMongoQueue(client *mongo.Client, dbName, collName string) *MongoQueue {
	if dbName == "" {
		dbName = "flowgraph"
	}
	if collName == "" {
		collName = "tasks"
	}
	return &MongoQueue{
		coll: client.Database(dbName).Collection(collName),
		now:  time.Now,
	}
}

// Ensure MongoQueue implements Queue.
var _ Queue = (*MongoQueue)(nil)

type mongoTaskDoc struct {
	ID         string `bson:"_id"`
	Data       []byte `bson:"data"`
	VisibleAt  int64  `bson:"visible_at"`
	EnqueuedAt int64  `bson:"enqueued_at"`
	LeaseOwner string `bson:"lease_owner"`
}

// Enqueue inserts a document for the given Task.
func (q *MongoQueue) Enqueue(ctx context.Context, t Task) error {
	t = prepare(t, q.now())
	data, err := EncodeTask(t)
	if err != nil {
		return err
	}
	_, err = q.coll.InsertOne(ctx, mongoTaskDoc{
		ID:         t.ID,
		Data:       data,
		VisibleAt:  t.NotBefore.UnixNano(),
		EnqueuedAt: t.EnqueuedAt.UnixNano(),
	})
	return err
}

// Dequeue blocks (via polling) until a task is visible or ctx is cancelled.
func (q *MongoQueue) Dequeue(ctx context.Context, owner string, leaseTTL time.Duration) (*Task, error) {
	tmr := newStoppedTimer()
	defer tmr.Stop()

	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		now := q.now()
		var doc mongoTaskDoc
		err := q.coll.FindOneAndUpdate(ctx,
			bson.M{"visible_at": bson.M{"$lte": now.UnixNano()}},
			bson.M{"$set": bson.M{
				"visible_at":  now.Add(leaseTTL).UnixNano(),
				"lease_owner": owner,
			}},
			options.FindOneAndUpdate().
				SetSort(bson.D{{Key: "visible_at", Value: 1}, {Key: "enqueued_at", Value: 1}}).
				SetReturnDocument(options.After),
		).Decode(&doc)

		if err == nil {
			return DecodeTask(doc.Data)
		}
		if !errors.Is(err, mongo.ErrNoDocuments) {
			return nil, err
		}
		if err := sleepCtx(ctx, tmr, defaultPollInterval); err != nil {
			return nil, err
		}
	}
}

func ownedBy(taskID, owner string) bson.M {
	return bson.M{"_id": taskID, "lease_owner": bson.M{"$eq": owner, "$ne": ""}}
}

func (q *MongoQueue) Ack(ctx context.Context, taskID, owner string) error {
	res, err := q.coll.DeleteOne(ctx, ownedBy(taskID, owner))
	if err != nil {
		return err
	}
	if res.DeletedCount == 0 {
		return ErrTaskNotLeased
	}
	return nil
}

func (q *MongoQueue) Nack(ctx context.Context, taskID, owner string, notBefore time.Time, attempts int) error {
	var doc mongoTaskDoc
	err := q.coll.FindOne(ctx, ownedBy(taskID, owner)).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return ErrTaskNotLeased
	}
	if err != nil {
		return err
	}
	t, err := DecodeTask(doc.Data)
	if err != nil {
		return err
	}
	t.NotBefore = notBefore
	t.Attempts = attempts
	data, err := EncodeTask(*t)
	if err != nil {
		return err
	}

	res, err := q.coll.UpdateOne(ctx, ownedBy(taskID, owner), bson.M{"$set": bson.M{
		"data":        data,
		"visible_at":  notBefore.UnixNano(),
		"lease_owner": "",
	}})
	if err != nil {
		return err
	}
	if res.MatchedCount == 0 {
		return ErrTaskNotLeased
	}
	return nil
}

func (q *MongoQueue) RenewLease(ctx context.Context, taskID, owner string, leaseTTL time.Duration) error {
	res, err := q.coll.UpdateOne(ctx, ownedBy(taskID, owner), bson.M{"$set": bson.M{
		"visible_at": q.now().Add(leaseTTL).UnixNano(),
	}})
	if err != nil {
		return err
	}
	if res.MatchedCount == 0 {
		return ErrTaskNotLeased
	}
	return nil
}

// Len returns an approximate number of queued tasks.
func (q *MongoQueue) Len() int {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	n, err := q.coll.CountDocuments(ctx, bson.M{})
	if err != nil {
		slog.Warn("mongo queue: len failed", slog.Any("error", err))
		return 0
	}
	return int(n)
}
