// internal/store/nats.go
// JetStream-backed message log and KeyValue-backed credential store.
package store

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
)

// StreamSettings names the JetStream objects the hub uses.
type StreamSettings struct {
	Stream    string
	Subject   string
	Bucket    string
	Retention time.Duration
}

// streamAdmin is the slice of nats.JetStreamContext used to declare streams.
type streamAdmin interface {
	StreamInfo(stream string, opts ...nats.JSOpt) (*nats.StreamInfo, error)
	AddStream(cfg *nats.StreamConfig, opts ...nats.JSOpt) (*nats.StreamInfo, error)
	UpdateStream(cfg *nats.StreamConfig, opts ...nats.JSOpt) (*nats.StreamInfo, error)
}

// EnsureStream creates the message stream, or updates it to match
// settings when it already exists.
func EnsureStream(js streamAdmin, settings StreamSettings) error {
	streamConfig := &nats.StreamConfig{
		Name:     settings.Stream,
		Subjects: []string{settings.Subject},
		Storage:  nats.FileStorage,
		MaxAge:   settings.Retention,
	}
	if _, err := js.StreamInfo(streamConfig.Name); err != nil {
		if !errors.Is(err, nats.ErrStreamNotFound) {
			return fmt.Errorf("stream info %s: %w", settings.Stream, err)
		}
		if _, err := js.AddStream(streamConfig); err != nil {
			return fmt.Errorf("create stream %s: %w", settings.Stream, err)
		}
		return nil
	}
	if _, err := js.UpdateStream(streamConfig); err != nil {
		return fmt.Errorf("update stream %s: %w", settings.Stream, err)
	}
	return nil
}

// EnsureBucket opens the credential bucket, creating it on first use.
func EnsureBucket(js nats.KeyValueManager, bucket string) (nats.KeyValue, error) {
	kv, err := js.KeyValue(bucket)
	if err == nil {
		return kv, nil
	}
	if !errors.Is(err, nats.ErrBucketNotFound) {
		return nil, fmt.Errorf("open bucket %s: %w", bucket, err)
	}
	kv, err = js.CreateKeyValue(&nats.KeyValueConfig{
		Bucket:      bucket,
		Description: "chathub user credentials",
		History:     1,
		Storage:     nats.FileStorage,
	})
	if err != nil {
		return nil, fmt.Errorf("create bucket %s: %w", bucket, err)
	}
	return kv, nil
}

type streamClient interface {
	Publish(subj string, data []byte, opts ...nats.PubOpt) (*nats.PubAck, error)
	StreamInfo(stream string, opts ...nats.JSOpt) (*nats.StreamInfo, error)
	GetMsg(name string, seq uint64, opts ...nats.JSOpt) (*nats.RawStreamMsg, error)
	PurgeStream(name string, opts ...nats.JSOpt) error
}

type streamRecord struct {
	Sender    string    `json:"sender"`
	Kind      string    `json:"kind"`
	Content   string    `json:"content"`
	CreatedAt time.Time `json:"created_at"`
}

// JetStreamLog appends records to a JetStream stream. The stream sequence
// is the record ID.
type JetStreamLog struct {
	js      streamClient
	stream  string
	subject string
	now     func() time.Time
}

func NewJetStreamLog(js streamClient, stream, subject string) *JetStreamLog {
	return &JetStreamLog{js: js, stream: stream, subject: subject, now: time.Now}
}

func (l *JetStreamLog) Append(ctx context.Context, sender, kind, content string) (uint64, error) {
	if err := ValidateKind(kind); err != nil {
		return 0, err
	}
	data, err := json.Marshal(streamRecord{
		Sender:    sender,
		Kind:      kind,
		Content:   content,
		CreatedAt: l.now().UTC(),
	})
	if err != nil {
		return 0, fmt.Errorf("marshal record: %w", err)
	}
	ack, err := l.js.Publish(l.subject, data, nats.Context(ctx))
	if err != nil {
		return 0, fmt.Errorf("publish to %s: %w", l.subject, err)
	}
	return ack.Sequence, nil
}

// Count returns the number of messages the stream currently holds.
func (l *JetStreamLog) Count(ctx context.Context) (uint64, error) {
	info, err := l.js.StreamInfo(l.stream, nats.Context(ctx))
	if err != nil {
		return 0, fmt.Errorf("stream info %s: %w", l.stream, err)
	}
	return info.State.Msgs, nil
}

// Reset purges the stream. Sequences keep counting from where they were,
// so IDs handed out after a reset never repeat earlier ones.
func (l *JetStreamLog) Reset(ctx context.Context) error {
	if err := l.js.PurgeStream(l.stream, nats.Context(ctx)); err != nil {
		return fmt.Errorf("purge stream %s: %w", l.stream, err)
	}
	return nil
}

// Recent walks the stream backwards from its last sequence. Sequences
// removed by retention or deletion are skipped.
func (l *JetStreamLog) Recent(ctx context.Context, limit int) ([]Record, error) {
	info, err := l.js.StreamInfo(l.stream, nats.Context(ctx))
	if err != nil {
		return nil, fmt.Errorf("stream info %s: %w", l.stream, err)
	}
	first, last := info.State.FirstSeq, info.State.LastSeq
	if info.State.Msgs == 0 || last == 0 {
		return []Record{}, nil
	}
	if limit <= 0 {
		limit = int(info.State.Msgs)
	}

	records := make([]Record, 0, limit)
	for seq := last; seq >= first && seq > 0 && len(records) < limit; seq-- {
		msg, err := l.js.GetMsg(l.stream, seq, nats.Context(ctx))
		if errors.Is(err, nats.ErrMsgNotFound) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("get message %d: %w", seq, err)
		}
		var rec streamRecord
		if err := json.Unmarshal(msg.Data, &rec); err != nil {
			continue
		}
		records = append(records, Record{
			ID:        msg.Sequence,
			Sender:    rec.Sender,
			Kind:      rec.Kind,
			Content:   rec.Content,
			CreatedAt: rec.CreatedAt,
		})
	}
	reverse(records)
	return records, nil
}

type kvBucket interface {
	Create(key string, value []byte) (uint64, error)
	Get(key string) (nats.KeyValueEntry, error)
	Keys(opts ...nats.WatchOpt) ([]string, error)
	Purge(key string, opts ...nats.DeleteOpt) error
}

// KVCredentials stores bcrypt hashes in a JetStream KeyValue bucket. Keys
// are hex encoded so any username maps to a valid subject token.
type KVCredentials struct {
	kv kvBucket
}

func NewKVCredentials(kv kvBucket) *KVCredentials {
	return &KVCredentials{kv: kv}
}

func userKey(username string) string {
	return "u." + hex.EncodeToString([]byte(username))
}

func (c *KVCredentials) Register(_ context.Context, username, secret string) error {
	username = normalizeUsername(username)
	if username == "" || secret == "" {
		return ErrEmptyUsername
	}
	hash, err := hashSecret(secret)
	if err != nil {
		return err
	}
	if _, err := c.kv.Create(userKey(username), hash); err != nil {
		if errors.Is(err, nats.ErrKeyExists) {
			return ErrDuplicateUser
		}
		return fmt.Errorf("store credentials: %w", err)
	}
	return nil
}

func (c *KVCredentials) Verify(_ context.Context, username, secret string) (bool, error) {
	entry, err := c.kv.Get(userKey(normalizeUsername(username)))
	if errors.Is(err, nats.ErrKeyNotFound) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("load credentials: %w", err)
	}
	return checkSecret(entry.Value(), secret)
}

// Count returns the number of registered users.
func (c *KVCredentials) Count(ctx context.Context) (uint64, error) {
	keys, err := c.kv.Keys(nats.Context(ctx))
	if errors.Is(err, nats.ErrNoKeysFound) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("list credentials: %w", err)
	}
	return uint64(len(keys)), nil
}

// Reset purges every account from the bucket.
func (c *KVCredentials) Reset(ctx context.Context) error {
	keys, err := c.kv.Keys(nats.Context(ctx))
	if errors.Is(err, nats.ErrNoKeysFound) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("list credentials: %w", err)
	}
	for _, key := range keys {
		if err := c.kv.Purge(key); err != nil {
			return fmt.Errorf("purge %s: %w", key, err)
		}
	}
	return nil
}
