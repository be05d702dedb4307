package persistence

import (
	"bytes"
	"context"
	"encoding/gob"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/petrijr/flowgraph/pkg/api"
)

// RedisInstanceStore is an InstanceStore backed by Redis.
// It uses a simple key structure:
//
//	<prefix>:inst:<id>            => gob-encoded redisInstancePayload
//	<prefix>:lease:<id>           => lease owner, expiring with the lease TTL
//	<prefix>:idx:all              => SET of all instance IDs
//	<prefix>:idx:wf:<workflow>    => SET of instance IDs for a given workflow
//	<prefix>:idx:status:<status>  => SET of instance IDs for a given status
//
// The indexes are best-effort; ListInstances re-checks the filter against
// the decoded payload.
type RedisInstanceStore struct {
	client *redis.Client
	prefix string
}

var _ InstanceStore = (*RedisInstanceStore)(nil)

var allStatuses = []api.Status{
	api.StatusIdle,
	api.StatusExecuting,
	api.StatusFaulted,
	api.StatusFinished,
	api.StatusCancelled,
}

type redisInstancePayload struct {
	ID              string
	Workflow        string
	Status          string
	Blobs           instanceBlobs
	FaultedActivity string
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// NewRedisInstanceStore creates a RedisInstanceStore.
// prefix is optional but recommended (e.g. "flowgraph:").
func NewRedisInstanceStore(client *redis.Client, prefix string) *RedisInstanceStore {
	if prefix == "" {
		prefix = "flowgraph:"
	}
	return &RedisInstanceStore{
		client: client,
		prefix: prefix,
	}
}

func (s *RedisInstanceStore) keyInstance(id string) string {
	return s.prefix + "inst:" + id
}

func (s *RedisInstanceStore) keyLease(id string) string {
	return s.prefix + "lease:" + id
}

func (s *RedisInstanceStore) keyAll() string {
	return s.prefix + "idx:all"
}

func (s *RedisInstanceStore) keyWorkflow(name string) string {
	return s.prefix + "idx:wf:" + name
}

func (s *RedisInstanceStore) keyStatus(status api.Status) string {
	return s.prefix + "idx:status:" + string(status)
}

func encodeRedisPayload(inst *api.WorkflowInstance) ([]byte, error) {
	blobs, err := encodeInstance(inst)
	if err != nil {
		return nil, err
	}

	payload := redisInstancePayload{
		ID:              inst.ID,
		Workflow:        inst.Name,
		Status:          string(inst.Status),
		Blobs:           blobs,
		FaultedActivity: inst.FaultedActivity,
		CreatedAt:       inst.CreatedAt,
		UpdatedAt:       inst.UpdatedAt,
	}

	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(&payload); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func decodeRedisPayload(data []byte) (*api.WorkflowInstance, error) {
	if len(data) == 0 {
		return nil, ErrInstanceNotFound
	}
	var payload redisInstancePayload
	if err := gob.NewDecoder(bytes.NewReader(data)).Decode(&payload); err != nil {
		return nil, err
	}

	inst := &api.WorkflowInstance{
		ID:              payload.ID,
		Name:            payload.Workflow,
		Status:          api.Status(payload.Status),
		FaultedActivity: payload.FaultedActivity,
		CreatedAt:       payload.CreatedAt,
		UpdatedAt:       payload.UpdatedAt,
	}
	if err := decodeInstance(inst, payload.Blobs); err != nil {
		return nil, err
	}
	return inst, nil
}

// reindex moves the instance into its workflow and status index sets.
func (s *RedisInstanceStore) reindex(ctx context.Context, inst *api.WorkflowInstance) {
	pipe := s.client.TxPipeline()
	pipe.SAdd(ctx, s.keyAll(), inst.ID)
	pipe.SAdd(ctx, s.keyWorkflow(inst.Name), inst.ID)
	for _, st := range allStatuses {
		if st != inst.Status {
			pipe.SRem(ctx, s.keyStatus(st), inst.ID)
		}
	}
	pipe.SAdd(ctx, s.keyStatus(inst.Status), inst.ID)
	// Index failures are not fatal; ListInstances filters by payload.
	_, _ = pipe.Exec(ctx)
}

func (s *RedisInstanceStore) SaveInstance(ctx context.Context, inst *api.WorkflowInstance) error {
	data, err := encodeRedisPayload(inst)
	if err != nil {
		return err
	}

	if err := s.client.Set(ctx, s.keyInstance(inst.ID), data, 0).Err(); err != nil {
		return err
	}

	s.reindex(ctx, inst)
	return nil
}

func (s *RedisInstanceStore) SaveLeasedInstance(ctx context.Context, inst *api.WorkflowInstance, owner string, ttl time.Duration) error {
	data, err := encodeRedisPayload(inst)
	if err != nil {
		return err
	}

	pipe := s.client.TxPipeline()
	pipe.Set(ctx, s.keyInstance(inst.ID), data, 0)
	pipe.Set(ctx, s.keyLease(inst.ID), owner, ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		return err
	}

	s.reindex(ctx, inst)
	return nil
}

func (s *RedisInstanceStore) CheckpointInstance(ctx context.Context, inst *api.WorkflowInstance, owner string) error {
	data, err := encodeRedisPayload(inst)
	if err != nil {
		return err
	}

	n, err := redisCheckpoint.Run(ctx, s.client,
		[]string{s.keyLease(inst.ID), s.keyInstance(inst.ID)},
		owner, data,
	).Int()
	if err != nil {
		return err
	}
	switch n {
	case -1:
		return ErrInstanceNotFound
	case 0:
		return ErrLeaseNotHeld
	}

	s.reindex(ctx, inst)
	return nil
}

func (s *RedisInstanceStore) UpdateInstance(ctx context.Context, inst *api.WorkflowInstance) error {
	data, err := encodeRedisPayload(inst)
	if err != nil {
		return err
	}

	ok, err := s.client.SetXX(ctx, s.keyInstance(inst.ID), data, redis.KeepTTL).Result()
	if err != nil {
		return err
	}
	if !ok {
		return ErrInstanceNotFound
	}

	s.reindex(ctx, inst)
	return nil
}

func (s *RedisInstanceStore) GetInstance(ctx context.Context, id string) (*api.WorkflowInstance, error) {
	data, err := s.client.Get(ctx, s.keyInstance(id)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, ErrInstanceNotFound
		}
		return nil, err
	}
	return decodeRedisPayload(data)
}

func (s *RedisInstanceStore) ListInstances(ctx context.Context, filter InstanceFilter) ([]*api.WorkflowInstance, error) {
	var ids []string
	var err error

	switch {
	case filter.WorkflowName != "" && filter.Status != "":
		ids, err = s.client.SInter(ctx,
			s.keyWorkflow(filter.WorkflowName),
			s.keyStatus(filter.Status),
		).Result()
	case filter.WorkflowName != "":
		ids, err = s.client.SMembers(ctx, s.keyWorkflow(filter.WorkflowName)).Result()
	case filter.Status != "":
		ids, err = s.client.SMembers(ctx, s.keyStatus(filter.Status)).Result()
	default:
		ids, err = s.client.SMembers(ctx, s.keyAll()).Result()
	}

	if err != nil {
		if errors.Is(err, redis.Nil) {
			return []*api.WorkflowInstance{}, nil
		}
		return nil, err
	}
	if len(ids) == 0 {
		return []*api.WorkflowInstance{}, nil
	}

	pipe := s.client.Pipeline()
	cmds := make([]*redis.StringCmd, len(ids))
	for i, id := range ids {
		cmds[i] = pipe.Get(ctx, s.keyInstance(id))
	}
	if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, redis.Nil) {
		return nil, err
	}

	var instances []*api.WorkflowInstance
	for _, cmd := range cmds {
		data, err := cmd.Bytes()
		if err != nil {
			if errors.Is(err, redis.Nil) {
				continue
			}
			return nil, err
		}
		inst, err := decodeRedisPayload(data)
		if err != nil {
			return nil, err
		}
		if filter.Matches(inst) {
			instances = append(instances, inst)
		}
	}

	sortInstances(instances)
	return instances, nil
}

// KEYS[1] lease key, KEYS[2] instance key; ARGV[1] owner, ARGV[2] ttl ms.
var redisAcquireLease = redis.NewScript(`
if redis.call('EXISTS', KEYS[2]) == 0 then
	return -1
end
local cur = redis.call('GET', KEYS[1])
if (not cur) or cur == ARGV[1] then
	redis.call('SET', KEYS[1], ARGV[1], 'PX', ARGV[2])
	return 1
end
return 0
`)

// KEYS[1] lease key, KEYS[2] instance key; ARGV[1] owner, ARGV[2] payload.
// The lease key expires with its TTL, so a present key is an unexpired lease.
var redisCheckpoint = redis.NewScript(`
if redis.call('EXISTS', KEYS[2]) == 0 then
	return -1
end
if redis.call('GET', KEYS[1]) ~= ARGV[1] then
	return 0
end
redis.call('SET', KEYS[2], ARGV[2])
return 1
`)

var redisRenewLease = redis.NewScript(`
if redis.call('GET', KEYS[1]) == ARGV[1] then
	return redis.call('PEXPIRE', KEYS[1], ARGV[2])
end
return 0
`)

var redisReleaseLease = redis.NewScript(`
if redis.call('GET', KEYS[1]) == ARGV[1] then
	return redis.call('DEL', KEYS[1])
end
return 0
`)

func (s *RedisInstanceStore) TryAcquireLease(ctx context.Context, instanceID, owner string, ttl time.Duration) (bool, error) {
	n, err := redisAcquireLease.Run(ctx, s.client,
		[]string{s.keyLease(instanceID), s.keyInstance(instanceID)},
		owner, ttl.Milliseconds(),
	).Int()
	if err != nil {
		return false, err
	}
	switch n {
	case -1:
		return false, ErrInstanceNotFound
	case 1:
		return true, nil
	}
	return false, nil
}

func (s *RedisInstanceStore) RenewLease(ctx context.Context, instanceID, owner string, ttl time.Duration) error {
	n, err := redisRenewLease.Run(ctx, s.client, []string{s.keyLease(instanceID)}, owner, ttl.Milliseconds()).Int()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrLeaseNotHeld
	}
	return nil
}

func (s *RedisInstanceStore) ReleaseLease(ctx context.Context, instanceID, owner string) error {
	return redisReleaseLease.Run(ctx, s.client, []string{s.keyLease(instanceID)}, owner).Err()
}
