// Package redisstream carries events over Redis Streams.
//
// Every shard is its own stream (<prefix>:<n>) read by one consumer group, so
// ordering holds inside a shard and shards are consumed in parallel. A message
// stays in the consumer's pending list until it is acked; reading the pending
// list again is how unacked messages are redelivered.
package redisstream

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/redis/go-redis/v9"

	"github.com/d60-Lab/notification-service/internal/event"
	"github.com/d60-Lab/notification-service/internal/pipeline"
)

// Entry field names.
const (
	fieldType    = "type"
	fieldKey     = "key"
	fieldPayload = "payload"
)

var ErrNoSuchEntry = errors.New("no such stream entry")

type Options struct {
	Prefix     string
	Shards     int
	Group      string
	Consumer   string
	BatchSize  int64
	Block      time.Duration
	MaxLen     int64
	DeadLetter string
}

// Broker implements pipeline.Transport and pipeline.DeadLetterSink.
type Broker struct {
	client *redis.Client
	opts   Options
}

func New(client *redis.Client, opts Options) *Broker {
	if opts.Shards <= 0 {
		opts.Shards = 1
	}
	if opts.BatchSize <= 0 {
		opts.BatchSize = 32
	}
	if opts.Block <= 0 {
		opts.Block = 2 * time.Second
	}
	if opts.Consumer == "" {
		opts.Consumer = "consumer"
	}
	if opts.DeadLetter == "" {
		opts.DeadLetter = opts.Prefix + ":dlq"
	}
	return &Broker{client: client, opts: opts}
}

func (b *Broker) Shards() int { return b.opts.Shards }

// StreamName returns the stream backing shard n.
func (b *Broker) StreamName(shard int) string {
	return b.opts.Prefix + ":" + strconv.Itoa(shard)
}

func (b *Broker) consumerName(shard int) string {
	return b.opts.Consumer + "-" + strconv.Itoa(shard)
}

// ShardFor routes a partition key to a shard.
func (b *Broker) ShardFor(key string) int {
	return int(xxhash.Sum64String(key) % uint64(b.opts.Shards))
}

// EnsureGroups creates the consumer group on every shard stream.
func (b *Broker) EnsureGroups(ctx context.Context) error {
	for i := 0; i < b.opts.Shards; i++ {
		err := b.client.XGroupCreateMkStream(ctx, b.StreamName(i), b.opts.Group, "0").Err()
		if err != nil && !strings.Contains(err.Error(), "BUSYGROUP") {
			return fmt.Errorf("create group on %s: %w", b.StreamName(i), err)
		}
	}
	return nil
}

// Publish encodes e and appends it to the shard owning its partition key.
func (b *Broker) Publish(ctx context.Context, e event.Event) (string, error) {
	typ, payload, err := event.Encode(e)
	if err != nil {
		return "", err
	}
	return b.PublishRaw(ctx, string(typ), e.PartitionKey(), payload)
}

// PublishRaw appends an already serialized payload. Used for replaying dead letters.
func (b *Broker) PublishRaw(ctx context.Context, typ, key string, payload []byte) (string, error) {
	args := &redis.XAddArgs{
		Stream: b.StreamName(b.ShardFor(key)),
		Values: map[string]interface{}{
			fieldType:    typ,
			fieldKey:     key,
			fieldPayload: string(payload),
		},
	}
	if b.opts.MaxLen > 0 {
		args.MaxLen = b.opts.MaxLen
		args.Approx = true
	}
	id, err := b.client.XAdd(ctx, args).Result()
	if err != nil {
		return "", fmt.Errorf("xadd %s: %w", args.Stream, err)
	}
	return id, nil
}

// Fetch reads from one shard. With pending set it returns this consumer's
// delivered but unacked entries (oldest first) without blocking; otherwise it
// blocks up to Block for new entries.
func (b *Broker) Fetch(ctx context.Context, shard int, pending bool) ([]pipeline.Message, error) {
	start, block := ">", b.opts.Block
	if pending {
		start, block = "0", -1
	}
	streams, err := b.client.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    b.opts.Group,
		Consumer: b.consumerName(shard),
		Streams:  []string{b.StreamName(shard), start},
		Count:    b.opts.BatchSize,
		Block:    block,
	}).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("xreadgroup %s: %w", b.StreamName(shard), err)
	}

	var out []pipeline.Message
	for _, s := range streams {
		for _, m := range s.Messages {
			out = append(out, toMessage(shard, s.Stream, m))
		}
	}
	return out, nil
}

func toMessage(shard int, stream string, m redis.XMessage) pipeline.Message {
	msg := pipeline.Message{ID: m.ID, Shard: shard, Stream: stream}
	if v, ok := m.Values[fieldType].(string); ok {
		msg.Type = v
	}
	if v, ok := m.Values[fieldKey].(string); ok {
		msg.Key = v
	}
	if v, ok := m.Values[fieldPayload].(string); ok {
		msg.Payload = []byte(v)
	}
	return msg
}

func (b *Broker) Ack(ctx context.Context, msg pipeline.Message) error {
	if err := b.client.XAck(ctx, msg.Stream, b.opts.Group, msg.ID).Err(); err != nil {
		return fmt.Errorf("xack %s %s: %w", msg.Stream, msg.ID, err)
	}
	return nil
}

// deadLetterScript appends to the dead-letter stream once per source entry.
// KEYS[1] dead-letter stream, KEYS[2] marker key; ARGV[1] marker ttl seconds,
// ARGV[2..] field/value pairs.
var deadLetterScript = redis.NewScript(`
if not redis.call('SET', KEYS[2], '1', 'NX', 'EX', ARGV[1]) then
  return 0
end
redis.call('XADD', KEYS[1], '*', unpack(ARGV, 2))
return 1
`)

// deadLetterMarkerTTL bounds how long a redelivered message is recognised as
// already dead-lettered. Far longer than any retry backoff.
const deadLetterMarkerTTL = 7 * 24 * time.Hour

func (b *Broker) deadLetterMarker(msg pipeline.Message) string {
	return b.opts.DeadLetter + ":seen:" + msg.Stream + ":" + msg.ID
}

// DeadLetter copies msg and the failure reason to the dead-letter stream.
// A message redelivered after its ack failed is not written twice.
func (b *Broker) DeadLetter(ctx context.Context, msg pipeline.Message, reason error) error {
	args := []interface{}{
		int64(deadLetterMarkerTTL / time.Second),
		fieldType, msg.Type,
		fieldKey, msg.Key,
		fieldPayload, string(msg.Payload),
		"reason", reason.Error(),
		"source_stream", msg.Stream,
		"source_id", msg.ID,
		"failed_at", time.Now().UTC().Format(time.RFC3339Nano),
	}
	err := deadLetterScript.Run(ctx, b.client, []string{b.opts.DeadLetter, b.deadLetterMarker(msg)}, args...).Err()
	if err != nil {
		return fmt.Errorf("xadd %s: %w", b.opts.DeadLetter, err)
	}
	return nil
}

// DeadLetters lists up to count dead-letter entries, oldest first.
func (b *Broker) DeadLetters(ctx context.Context, count int64) ([]redis.XMessage, error) {
	return b.client.XRangeN(ctx, b.opts.DeadLetter, "-", "+", count).Result()
}

// ReplayDeadLetter republishes dead-letter entry id onto its shard and removes
// it from the dead-letter stream. The returned id is the new stream entry.
func (b *Broker) ReplayDeadLetter(ctx context.Context, id string) (string, error) {
	entries, err := b.client.XRangeN(ctx, b.opts.DeadLetter, id, id, 1).Result()
	if err != nil {
		return "", fmt.Errorf("xrange %s: %w", b.opts.DeadLetter, err)
	}
	if len(entries) == 0 {
		return "", fmt.Errorf("dead letter %s: %w", id, ErrNoSuchEntry)
	}
	m := toMessage(0, b.opts.DeadLetter, entries[0])
	newID, err := b.PublishRaw(ctx, m.Type, m.Key, m.Payload)
	if err != nil {
		return "", err
	}
	if err := b.client.XDel(ctx, b.opts.DeadLetter, id).Err(); err != nil {
		return newID, fmt.Errorf("xdel %s %s: %w", b.opts.DeadLetter, id, err)
	}
	return newID, nil
}
