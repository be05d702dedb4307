package persistence

import (
	"context"
	"errors"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/petrijr/flowgraph/pkg/api"
)

// MongoInstanceStore is an InstanceStore backed by a MongoDB collection.
// Lease fields live on the instance document but are only written by the
// lease methods and SaveLeasedInstance.
type MongoInstanceStore struct {
	coll *mongo.Collection
	now  func() time.Time
}

// Ensure it implements InstanceStore.
var _ InstanceStore = (*MongoInstanceStore)(nil)

// NewMongoInstanceStore creates a Mongo-backed instance store.
// dbName defaults to "flowgraph" if empty, collName defaults to "instances".
func NewMongoInstanceStore(client *mongo.Client, dbName, collName string) *MongoInstanceStore {
	if dbName == "" {
		dbName = "flowgraph"
	}
	if collName == "" {
		collName = "instances"
	}

	return &MongoInstanceStore{
		coll: client.Database(dbName).Collection(collName),
		now:  time.Now,
	}
}

type mongoInstanceDoc struct {
	ID              string    `bson:"_id"`
	Workflow        string    `bson:"workflow_name"`
	Status          string    `bson:"status"`
	Input           []byte    `bson:"input,omitempty"`
	Outputs         []byte    `bson:"outputs,omitempty"`
	States          []byte    `bson:"activity_states,omitempty"`
	Awaiting        []byte    `bson:"awaiting,omitempty"`
	Error           string    `bson:"error,omitempty"`
	FaultedActivity string    `bson:"faulted_activity,omitempty"`
	CreatedAt       time.Time `bson:"created_at"`
	UpdatedAt       time.Time `bson:"updated_at"`
	LeaseOwner      string    `bson:"lease_owner"`
	LeaseExpiresAt  time.Time `bson:"lease_expires_at"`
}

func (d mongoInstanceDoc) toInstance() (*api.WorkflowInstance, error) {
	inst := &api.WorkflowInstance{
		ID:              d.ID,
		Name:            d.Workflow,
		Status:          api.Status(d.Status),
		FaultedActivity: d.FaultedActivity,
		CreatedAt:       d.CreatedAt,
		UpdatedAt:       d.UpdatedAt,
	}
	err := decodeInstance(inst, instanceBlobs{
		Input:    d.Input,
		Outputs:  d.Outputs,
		States:   d.States,
		Awaiting: d.Awaiting,
		Error:    d.Error,
	})
	if err != nil {
		return nil, err
	}
	return inst, nil
}

func (s *MongoInstanceStore) SaveInstance(ctx context.Context, inst *api.WorkflowInstance) error {
	return s.insert(ctx, inst, "", time.Time{})
}

func (s *MongoInstanceStore) SaveLeasedInstance(ctx context.Context, inst *api.WorkflowInstance, owner string, ttl time.Duration) error {
	return s.insert(ctx, inst, owner, s.now().Add(ttl))
}

func (s *MongoInstanceStore) insert(ctx context.Context, inst *api.WorkflowInstance, owner string, leaseExpiresAt time.Time) error {
	b, err := encodeInstance(inst)
	if err != nil {
		return err
	}

	doc := mongoInstanceDoc{
		ID:              inst.ID,
		Workflow:        inst.Name,
		Status:          string(inst.Status),
		Input:           b.Input,
		Outputs:         b.Outputs,
		States:          b.States,
		Awaiting:        b.Awaiting,
		Error:           b.Error,
		FaultedActivity: inst.FaultedActivity,
		CreatedAt:       inst.CreatedAt,
		UpdatedAt:       inst.UpdatedAt,
		LeaseOwner:      owner,
		LeaseExpiresAt:  leaseExpiresAt,
	}

	_, err = s.coll.InsertOne(ctx, doc)
	return err
}

func instanceUpdate(inst *api.WorkflowInstance) (bson.M, error) {
	b, err := encodeInstance(inst)
	if err != nil {
		return nil, err
	}
	return bson.M{
		"$set": bson.M{
			"workflow_name":    inst.Name,
			"status":           string(inst.Status),
			"input":            b.Input,
			"outputs":          b.Outputs,
			"activity_states":  b.States,
			"awaiting":         b.Awaiting,
			"error":            b.Error,
			"faulted_activity": inst.FaultedActivity,
			"updated_at":       inst.UpdatedAt,
		},
	}, nil
}

func (s *MongoInstanceStore) UpdateInstance(ctx context.Context, inst *api.WorkflowInstance) error {
	update, err := instanceUpdate(inst)
	if err != nil {
		return err
	}

	res, err := s.coll.UpdateByID(ctx, inst.ID, update)
	if err != nil {
		return err
	}
	if res.MatchedCount == 0 {
		return ErrInstanceNotFound
	}
	return nil
}

func (s *MongoInstanceStore) CheckpointInstance(ctx context.Context, inst *api.WorkflowInstance, owner string) error {
	update, err := instanceUpdate(inst)
	if err != nil {
		return err
	}

	filter := bson.M{
		"_id":              inst.ID,
		"lease_owner":      owner,
		"lease_expires_at": bson.M{"$gt": s.now()},
	}
	res, err := s.coll.UpdateOne(ctx, filter, update)
	if err != nil {
		return err
	}
	if res.MatchedCount > 0 {
		return nil
	}

	n, err := s.coll.CountDocuments(ctx, bson.M{"_id": inst.ID})
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrInstanceNotFound
	}
	return ErrLeaseNotHeld
}

func (s *MongoInstanceStore) GetInstance(ctx context.Context, id string) (*api.WorkflowInstance, error) {
	var doc mongoInstanceDoc
	err := s.coll.FindOne(ctx, bson.M{"_id": id}).Decode(&doc)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, ErrInstanceNotFound
		}
		return nil, err
	}
	return doc.toInstance()
}

func (s *MongoInstanceStore) ListInstances(ctx context.Context, filter InstanceFilter) ([]*api.WorkflowInstance, error) {
	bfilter := bson.M{}
	if filter.WorkflowName != "" {
		bfilter["workflow_name"] = filter.WorkflowName
	}
	if filter.Status != "" {
		bfilter["status"] = string(filter.Status)
	}

	opts := options.Find().SetSort(bson.D{{Key: "created_at", Value: 1}, {Key: "_id", Value: 1}})
	cur, err := s.coll.Find(ctx, bfilter, opts)
	if err != nil {
		return nil, err
	}
	defer cur.Close(ctx)

	var results []*api.WorkflowInstance
	for cur.Next(ctx) {
		var doc mongoInstanceDoc
		if err := cur.Decode(&doc); err != nil {
			return nil, err
		}
		inst, err := doc.toInstance()
		if err != nil {
			return nil, err
		}
		results = append(results, inst)
	}

	if err := cur.Err(); err != nil {
		return nil, err
	}
	return results, nil
}

func (s *MongoInstanceStore) TryAcquireLease(ctx context.Context, instanceID, owner string, ttl time.Duration) (bool, error) {
	now := s.now()
	filter := bson.M{
		"_id": instanceID,
		"$or": bson.A{
			bson.M{"lease_owner": ""},
			bson.M{"lease_owner": owner},
			bson.M{"lease_expires_at": bson.M{"$lte": now}},
		},
	}
	update := bson.M{"$set": bson.M{"lease_owner": owner, "lease_expires_at": now.Add(ttl)}}

	res, err := s.coll.UpdateOne(ctx, filter, update)
	if err != nil {
		return false, err
	}
	if res.MatchedCount > 0 {
		return true, nil
	}

	n, err := s.coll.CountDocuments(ctx, bson.M{"_id": instanceID})
	if err != nil {
		return false, err
	}
	if n == 0 {
		return false, ErrInstanceNotFound
	}
	return false, nil
}

func (s *MongoInstanceStore) RenewLease(ctx context.Context, instanceID, owner string, ttl time.Duration) error {
	res, err := s.coll.UpdateOne(ctx,
		bson.M{"_id": instanceID, "lease_owner": owner},
		bson.M{"$set": bson.M{"lease_expires_at": s.now().Add(ttl)}},
	)
	if err != nil {
		return err
	}
	if res.MatchedCount == 0 {
		return ErrLeaseNotHeld
	}
	return nil
}

func (s *MongoInstanceStore) ReleaseLease(ctx context.Context, instanceID, owner string) error {
	_, err := s.coll.UpdateOne(ctx,
		bson.M{"_id": instanceID, "lease_owner": owner},
		bson.M{"$set": bson.M{"lease_owner": "", "lease_expires_at": time.Time{}}},
	)
	return err
}
