package state

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"invoiceimport/internal/importer/domain"
	apperrors "invoiceimport/pkg/errors"
	"invoiceimport/pkg/logger"

	"github.com/redis/go-redis/v9"
)

// createScript inserts the record hash, arms the deadline key and indexes the
// deadline for the sweeper. KEYS: record, deadline, deadlines zset.
var createScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 1 then
  return 0
end
redis.call('HSET', KEYS[1], 'id', ARGV[1], 'connectionId', ARGV[2], 'status', ARGV[3],
  'createdAt', ARGV[4], 'expiresAt', ARGV[5], 'requestId', ARGV[6])
redis.call('PEXPIRE', KEYS[1], ARGV[8])
redis.call('SET', KEYS[2], ARGV[1], 'PX', ARGV[7])
redis.call('ZADD', KEYS[3], ARGV[5], ARGV[1])
return 1
`)

// casScript replies {0} when absent, {1, current} on mismatch and
// {2, field, value, ...} with the updated record on success.
var casScript = redis.NewScript(`
local cur = redis.call('HGET', KEYS[1], 'status')
if not cur then
  return {0}
end
if cur ~= ARGV[1] then
  return {1, cur}
end
redis.call('HSET', KEYS[1], 'status', ARGV[2])
local res = {2}
local fields = redis.call('HGETALL', KEYS[1])
for i = 1, #fields do
  res[#res + 1] = fields[i]
end
return res
`)

// reapScript atomically reads and deletes a record. KEYS: record, deadlines
// zset, deadline. Only one caller ever receives the fields.
var reapScript = redis.NewScript(`
local fields = redis.call('HGETALL', KEYS[1])
redis.call('ZREM', KEYS[2], ARGV[1])
redis.call('DEL', KEYS[3])
if #fields == 0 then
  return {}
end
redis.call('DEL', KEYS[1])
return fields
`)

const (
	deadlineSuffix = ":deadline"
	claimSuffix    = ":expired"
	sweepBatchSize = 100
)

// RedisStoreConfig tunes key layout and record lifetimes.
type RedisStoreConfig struct {
	KeyPrefix string
	// Retention keeps the record hash readable after its deadline so the
	// expiry snapshot can still be reaped.
	Retention time.Duration
	DB        int
}

// RedisStore is the Redis implementation of Store and ChangeStream.
type RedisStore struct {
	client    redis.UniversalClient
	prefix    string
	retention time.Duration
	db        int
	logger    *logger.Logger
}

func NewRedisStore(client redis.UniversalClient, cfg RedisStoreConfig) *RedisStore {
	prefix := cfg.KeyPrefix
	if prefix == "" {
		prefix = "invoice"
	}

	s := &RedisStore{
		client:    client,
		prefix:    prefix,
		retention: cfg.Retention,
		db:        cfg.DB,
		logger:    logger.WithField("component", "transaction-store"),
	}

	s.logger.Debug("redis transaction store initialized", "prefix", prefix, "retention", cfg.Retention)
	return s
}

func (s *RedisStore) recordKey(id string) string {
	return s.prefix + ":tx:" + id
}

func (s *RedisStore) deadlineKey(id string) string {
	return s.recordKey(id) + deadlineSuffix
}

func (s *RedisStore) claimKey(id string) string {
	return s.recordKey(id) + claimSuffix
}

func (s *RedisStore) deadlinesKey() string {
	return s.prefix + ":tx:deadlines"
}

func (s *RedisStore) changesChannel() string {
	return s.prefix + ":tx:changes"
}

// ExpiredEventsChannel is the keyspace channel announcing expired keys.
func (s *RedisStore) ExpiredEventsChannel() string {
	return fmt.Sprintf("__keyevent@%d__:expired", s.db)
}

// DeadlineID extracts the transaction id from an expired deadline key.
// Returns false for keys this store does not own.
func (s *RedisStore) DeadlineID(key string) (string, bool) {
	head := s.prefix + ":tx:"
	if !strings.HasPrefix(key, head) || !strings.HasSuffix(key, deadlineSuffix) {
		return "", false
	}
	id := strings.TrimSuffix(strings.TrimPrefix(key, head), deadlineSuffix)
	if id == "" || strings.Contains(id, ":") {
		return "", false
	}
	return id, true
}

// ConfigureNotifications enables expired keyspace events on the server.
func (s *RedisStore) ConfigureNotifications(ctx context.Context) error {
	if err := s.client.ConfigSet(ctx, "notify-keyspace-events", "Ex").Err(); err != nil {
		return fmt.Errorf("enable keyspace notifications: %w", err)
	}
	return nil
}

func (s *RedisStore) Create(ctx context.Context, tx *domain.Transaction) error {
	ttl := tx.TTL()
	if ttl <= 0 {
		return fmt.Errorf("transaction %s has no positive ttl", tx.Id)
	}

	created, err := createScript.Run(ctx, s.client,
		[]string{s.recordKey(tx.Id), s.deadlineKey(tx.Id), s.deadlinesKey()},
		tx.Id,
		tx.ConnectionId,
		string(tx.Status),
		tx.CreatedAt.UnixMilli(),
		tx.ExpiresAt.UnixMilli(),
		tx.RequestId,
		ttl.Milliseconds(),
		(ttl + s.retention).Milliseconds(),
	).Int()
	if err != nil {
		return fmt.Errorf("create transaction %s: %w: %w", tx.Id, apperrors.ErrInfrastructure, err)
	}
	if created == 0 {
		return fmt.Errorf("create transaction %s: %w", tx.Id, apperrors.ErrTransactionExists)
	}

	s.logger.Debug("transaction created", "transactionId", tx.Id, "connectionId", tx.ConnectionId, "ttl", ttl)
	s.publish(ctx, domain.ChangeEvent{
		Entity:    domain.EntityTransaction,
		Operation: domain.OpCreate,
		Key:       tx.Id,
		New:       tx.DeepCopy(),
	})

	return nil
}

func (s *RedisStore) Get(ctx context.Context, id string) (Lookup, error) {
	fields, err := s.client.HGetAll(ctx, s.recordKey(id)).Result()
	if err != nil {
		return NotFound(), fmt.Errorf("get transaction %s: %w: %w", id, apperrors.ErrInfrastructure, err)
	}
	if len(fields) == 0 {
		s.logger.Debug("transaction not found in store", "transactionId", id)
		return NotFound(), nil
	}

	tx, err := decodeRecord(fields)
	if err != nil {
		return NotFound(), fmt.Errorf("decode transaction %s: %w", id, err)
	}
	return Found(tx), nil
}

func (s *RedisStore) CompareAndSetStatus(ctx context.Context, id string, expected, next domain.TransactionStatus) (*domain.Transaction, error) {
	edge := &domain.Transaction{Id: id, Status: expected}
	if err := edge.Transition(next); err != nil {
		return nil, fmt.Errorf("%w: %w", apperrors.ErrInvalidState, err)
	}

	reply, err := casScript.Run(ctx, s.client, []string{s.recordKey(id)}, string(expected), string(next)).Slice()
	if err != nil {
		return nil, fmt.Errorf("update transaction %s: %w: %w", id, apperrors.ErrInfrastructure, err)
	}
	if len(reply) == 0 {
		return nil, fmt.Errorf("update transaction %s: empty script reply", id)
	}

	code, _ := reply[0].(int64)
	switch code {
	case 0:
		return nil, fmt.Errorf("update transaction %s: %w", id, apperrors.ErrTransactionNotFound)
	case 1:
		current, _ := reply[1].(string)
		return nil, &ConditionFailedError{ID: id, Expected: expected, Current: domain.TransactionStatus(current)}
	}

	tx, err := decodeRecord(pairsToMap(reply[1:]))
	if err != nil {
		return nil, fmt.Errorf("decode transaction %s: %w", id, err)
	}

	old := tx.DeepCopy()
	old.Status = expected
	s.logger.Debug("transaction status updated", "transactionId", id, "from", string(expected), "to", string(next))
	s.publish(ctx, domain.ChangeEvent{
		Entity:    domain.EntityTransaction,
		Operation: domain.OpUpdate,
		Key:       id,
		Old:       old,
		New:       tx.DeepCopy(),
	})

	return tx, nil
}

func (s *RedisStore) ClaimExpiry(ctx context.Context, id string) (bool, error) {
	ok, err := s.client.SetNX(ctx, s.claimKey(id), "1", s.retention+time.Minute).Result()
	if err != nil {
		return false, fmt.Errorf("claim expiry %s: %w: %w", id, apperrors.ErrInfrastructure, err)
	}
	return ok, nil
}

// Reap removes the record of id and publishes its last snapshot as a delete
// event. Concurrent reapers race safely; only one sees Found.
func (s *RedisStore) Reap(ctx context.Context, id string) (Lookup, error) {
	reply, err := reapScript.Run(ctx, s.client,
		[]string{s.recordKey(id), s.deadlinesKey(), s.deadlineKey(id)}, id).Slice()
	if err != nil && !errors.Is(err, redis.Nil) {
		return NotFound(), fmt.Errorf("reap transaction %s: %w: %w", id, apperrors.ErrInfrastructure, err)
	}
	if len(reply) == 0 {
		return NotFound(), nil
	}

	tx, err := decodeRecord(pairsToMap(reply))
	if err != nil {
		return NotFound(), fmt.Errorf("decode transaction %s: %w", id, err)
	}

	s.logger.Debug("transaction reaped", "transactionId", id, "status", string(tx.Status))
	s.publish(ctx, domain.ChangeEvent{
		Entity:    domain.EntityTransaction,
		Operation: domain.OpDelete,
		Key:       id,
		Old:       tx.DeepCopy(),
	})

	return Found(tx), nil
}

// DueDeadlines returns ids whose deadline is at or before now.
func (s *RedisStore) DueDeadlines(ctx context.Context, now time.Time) ([]string, error) {
	ids, err := s.client.ZRangeByScore(ctx, s.deadlinesKey(), &redis.ZRangeBy{
		Min:   "-inf",
		Max:   strconv.FormatInt(now.UnixMilli(), 10),
		Count: sweepBatchSize,
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("scan deadlines: %w: %w", apperrors.ErrInfrastructure, err)
	}
	return ids, nil
}

// Subscribe streams change events published by this store and its peers.
func (s *RedisStore) Subscribe(ctx context.Context) (<-chan domain.ChangeEvent, error) {
	sub := s.client.Subscribe(ctx, s.changesChannel())
	if _, err := sub.Receive(ctx); err != nil {
		_ = sub.Close()
		return nil, fmt.Errorf("subscribe to %s: %w", s.changesChannel(), err)
	}

	out := make(chan domain.ChangeEvent, 16)
	go func() {
		defer close(out)
		defer sub.Close()

		msgs := sub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-msgs:
				if !ok {
					return
				}
				ev, err := decodeChange([]byte(msg.Payload))
				if err != nil {
					s.logger.Warn("dropping malformed change event", "error", err)
					continue
				}
				select {
				case out <- ev:
				case <-ctx.Done():
					return
				}
			}
		}
	}()

	return out, nil
}

// SubscribeExpired streams ids of transactions whose deadline key expired.
func (s *RedisStore) SubscribeExpired(ctx context.Context) (<-chan string, error) {
	sub := s.client.Subscribe(ctx, s.ExpiredEventsChannel())
	if _, err := sub.Receive(ctx); err != nil {
		_ = sub.Close()
		return nil, fmt.Errorf("subscribe to %s: %w", s.ExpiredEventsChannel(), err)
	}

	out := make(chan string, 16)
	go func() {
		defer close(out)
		defer sub.Close()

		msgs := sub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-msgs:
				if !ok {
					return
				}
				id, mine := s.DeadlineID(msg.Payload)
				if !mine {
					continue
				}
				select {
				case out <- id:
				case <-ctx.Done():
					return
				}
			}
		}
	}()

	return out, nil
}

// publish is best effort: a lost change event is recovered by the sweeper
// for deletes and is informational for creates and updates.
func (s *RedisStore) publish(ctx context.Context, ev domain.ChangeEvent) {
	payload, err := encodeChange(ev)
	if err != nil {
		s.logger.Warn("failed to encode change event", "key", ev.Key, "error", err)
		return
	}
	if err := s.client.Publish(ctx, s.changesChannel(), payload).Err(); err != nil {
		s.logger.Warn("failed to publish change event", "key", ev.Key, "operation", string(ev.Operation), "error", err)
	}
}

func pairsToMap(vals []interface{}) map[string]string {
	m := make(map[string]string, len(vals)/2)
	for i := 0; i+1 < len(vals); i += 2 {
		k, _ := vals[i].(string)
		v, _ := vals[i+1].(string)
		m[k] = v
	}
	return m
}

func decodeRecord(fields map[string]string) (*domain.Transaction, error) {
	status, err := domain.ParseStatus(fields["status"])
	if err != nil {
		return nil, err
	}
	createdAt, err := strconv.ParseInt(fields["createdAt"], 10, 64)
	if err != nil {
		return nil, fmt.Errorf("bad createdAt: %w", err)
	}
	expiresAt, err := strconv.ParseInt(fields["expiresAt"], 10, 64)
	if err != nil {
		return nil, fmt.Errorf("bad expiresAt: %w", err)
	}

	return &domain.Transaction{
		Id:           fields["id"],
		ConnectionId: fields["connectionId"],
		Status:       status,
		CreatedAt:    time.UnixMilli(createdAt).UTC(),
		ExpiresAt:    time.UnixMilli(expiresAt).UTC(),
		RequestId:    fields["requestId"],
	}, nil
}

type changeRecord struct {
	ID           string `json:"id"`
	ConnectionID string `json:"connectionId"`
	Status       string `json:"status"`
	CreatedAt    int64  `json:"createdAt"`
	ExpiresAt    int64  `json:"expiresAt"`
	RequestID    string `json:"requestId,omitempty"`
}

type changeMessage struct {
	Entity    string        `json:"entity"`
	Operation string        `json:"operation"`
	Key       string        `json:"key"`
	Old       *changeRecord `json:"old,omitempty"`
	New       *changeRecord `json:"new,omitempty"`
}

func toChangeRecord(tx *domain.Transaction) *changeRecord {
	if tx == nil {
		return nil
	}
	return &changeRecord{
		ID:           tx.Id,
		ConnectionID: tx.ConnectionId,
		Status:       string(tx.Status),
		CreatedAt:    tx.CreatedAt.UnixMilli(),
		ExpiresAt:    tx.ExpiresAt.UnixMilli(),
		RequestID:    tx.RequestId,
	}
}

func fromChangeRecord(r *changeRecord) (*domain.Transaction, error) {
	if r == nil {
		return nil, nil
	}
	status, err := domain.ParseStatus(r.Status)
	if err != nil {
		return nil, err
	}
	return &domain.Transaction{
		Id:           r.ID,
		ConnectionId: r.ConnectionID,
		Status:       status,
		CreatedAt:    time.UnixMilli(r.CreatedAt).UTC(),
		ExpiresAt:    time.UnixMilli(r.ExpiresAt).UTC(),
		RequestId:    r.RequestID,
	}, nil
}

func encodeChange(ev domain.ChangeEvent) ([]byte, error) {
	return json.Marshal(changeMessage{
		Entity:    string(ev.Entity),
		Operation: string(ev.Operation),
		Key:       ev.Key,
		Old:       toChangeRecord(ev.Old),
		New:       toChangeRecord(ev.New),
	})
}

func decodeChange(data []byte) (domain.ChangeEvent, error) {
	var msg changeMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return domain.ChangeEvent{}, err
	}

	oldTx, err := fromChangeRecord(msg.Old)
	if err != nil {
		return domain.ChangeEvent{}, err
	}
	newTx, err := fromChangeRecord(msg.New)
	if err != nil {
		return domain.ChangeEvent{}, err
	}

	return domain.ChangeEvent{
		Entity:    domain.EntityKind(msg.Entity),
		Operation: domain.Operation(msg.Operation),
		Key:       msg.Key,
		Old:       oldTx,
		New:       newTx,
	}, nil
}
