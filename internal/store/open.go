// internal/store/open.go
package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/erilali/chathub/internal/config"
	"github.com/erilali/chathub/internal/logger"
	"github.com/nats-io/nats.go"
	"github.com/redis/go-redis/v9"
)

const (
	natsReconnectWait = 2 * time.Second
	redisPingTimeout  = 5 * time.Second
)

// Backend bundles the stores selected by configuration with the broker
// connections behind them.
type Backend struct {
	Name        string
	Messages    MessageLog
	Credentials CredentialStore
	Blobs       BlobStore
	// UploadDir is set when blobs are stored on local disk.
	UploadDir string

	nc  *nats.Conn
	rdb *redis.Client
	log *logger.Logger
}

// Counter is implemented by stores that can report how many entries they
// hold.
type Counter interface {
	Count(ctx context.Context) (uint64, error)
}

// Resetter is implemented by stores that can delete everything they hold.
type Resetter interface {
	Reset(ctx context.Context) error
}

type openOptions struct {
	requireBroker bool
}

// OpenOption adjusts Open.
type OpenOption func(*openOptions)

// RequireBroker makes Open fail when the configured broker is unreachable
// instead of falling back to in-memory stores.
func RequireBroker() OpenOption {
	return func(o *openOptions) { o.requireBroker = true }
}

// Open connects the configured backends. An unreachable broker is logged
// and replaced by in-memory stores unless RequireBroker is given.
func Open(ctx context.Context, cfg config.StorageConfig, log *logger.Logger, opts ...OpenOption) (*Backend, error) {
	if log == nil {
		log = logger.Nop()
	}
	var o openOptions
	for _, opt := range opts {
		opt(&o)
	}
	b := &Backend{Name: cfg.Backend, log: log}

	var err error
	switch cfg.Backend {
	case config.StorageNATS:
		if err = b.openNATS(cfg.NATS); err != nil && !o.requireBroker {
			log.Errorf("NATS storage unavailable: %v", err)
			log.Warn("Running without NATS. Messages and accounts will not survive a restart.")
			b.useMemory()
			err = nil
		}
	case config.StorageRedis:
		if err = b.openRedis(ctx, cfg.Redis); err != nil && !o.requireBroker {
			log.Errorf("Redis storage unavailable: %v", err)
			log.Warn("Running without Redis. Messages and accounts will not survive a restart.")
			b.useMemory()
			err = nil
		}
	default:
		b.useMemory()
	}
	if err != nil {
		return nil, fmt.Errorf("%s storage unavailable: %w", cfg.Backend, err)
	}

	if err := b.openBlobs(ctx, cfg); err != nil {
		b.Close()
		return nil, err
	}
	return b, nil
}

func (b *Backend) useMemory() {
	b.Name = config.StorageMemory
	b.Messages = NewMemoryLog()
	b.Credentials = NewMemoryCredentials()
}

func (b *Backend) openNATS(cfg config.NATSConfig) error {
	b.log.Infof("Connecting to NATS at %s", cfg.URL)
	nc, err := nats.Connect(cfg.URL,
		nats.Name("chathub"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(natsReconnectWait),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				b.log.Warnf("NATS disconnected: %v", err)
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			b.log.Infof("NATS reconnected to %s", nc.ConnectedUrl())
		}),
	)
	if err != nil {
		return fmt.Errorf("connect %s: %w", cfg.URL, err)
	}
	js, err := nc.JetStream()
	if err != nil {
		nc.Close()
		return fmt.Errorf("jetstream context: %w", err)
	}
	if err := EnsureStream(js, StreamSettings{
		Stream:    cfg.Stream,
		Subject:   cfg.Subject,
		Retention: cfg.Retention.Std(),
	}); err != nil {
		nc.Close()
		return err
	}
	kv, err := EnsureBucket(js, cfg.Bucket)
	if err != nil {
		nc.Close()
		return err
	}
	b.log.Infof("Using JetStream stream %s and bucket %s", cfg.Stream, cfg.Bucket)

	b.nc = nc
	b.Messages = NewJetStreamLog(js, cfg.Stream, cfg.Subject)
	b.Credentials = NewKVCredentials(kv)
	return nil
}

func (b *Backend) openRedis(ctx context.Context, cfg config.RedisConfig) error {
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	pingCtx, cancel := context.WithTimeout(ctx, redisPingTimeout)
	defer cancel()
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		rdb.Close()
		return fmt.Errorf("ping %s: %w", cfg.Addr, err)
	}
	b.log.Infof("Using Redis at %s (history key %s)", cfg.Addr, cfg.Key)

	b.rdb = rdb
	b.Messages = NewRedisLog(rdb, cfg.Key, cfg.MaxHistory)
	b.Credentials = NewRedisCredentials(rdb, cfg.UsersKey)
	return nil
}

func (b *Backend) openBlobs(ctx context.Context, cfg config.StorageConfig) error {
	switch cfg.Blobs {
	case config.BlobsS3:
		if cfg.S3.Bucket == "" {
			return errors.New("s3 blob store requires a bucket")
		}
		client, err := NewS3Client(ctx, S3ClientOptions{
			Region:    cfg.S3.Region,
			Endpoint:  cfg.S3.Endpoint,
			AccessKey: cfg.S3.AccessKey,
			SecretKey: cfg.S3.SecretKey,
		})
		if err != nil {
			return err
		}
		b.Blobs = NewS3Blobs(client, cfg.S3.Bucket, cfg.S3.Prefix)
		b.log.Infof("Storing uploads in s3://%s/%s", cfg.S3.Bucket, cfg.S3.Prefix)
	case config.BlobsMemory:
		b.Blobs = NewMemoryBlobs()
	default:
		disk, err := NewDiskBlobs(cfg.UploadDir)
		if err != nil {
			return err
		}
		b.Blobs = disk
		b.UploadDir = disk.Dir()
		b.log.Infof("Storing uploads in %s", disk.Dir())
	}
	return nil
}

// Status reports backend health for the health endpoint.
func (b *Backend) Status(ctx context.Context) map[string]interface{} {
	status := map[string]interface{}{"storage": b.Name}
	if b.nc != nil {
		natsStatus := "disconnected"
		if b.nc.Status() == nats.CONNECTED {
			natsStatus = "connected"
		}
		status["nats"] = natsStatus
	}
	if b.rdb != nil {
		redisStatus := "connected"
		if err := b.rdb.Ping(ctx).Err(); err != nil {
			redisStatus = err.Error()
		}
		status["redis"] = redisStatus
	}
	if counter, ok := b.Messages.(Counter); ok {
		if n, err := counter.Count(ctx); err == nil {
			status["messages"] = n
		}
	}
	return status
}

// Stats is a summary of the message log and the account store.
type Stats struct {
	Count  uint64
	Users  uint64
	Latest *Record
}

// Stats counts stored messages and accounts and returns the newest message.
func (b *Backend) Stats(ctx context.Context) (Stats, error) {
	var stats Stats
	latest, err := b.Messages.Recent(ctx, 1)
	if err != nil {
		return stats, err
	}
	if len(latest) > 0 {
		stats.Latest = &latest[0]
	}
	if counter, ok := b.Messages.(Counter); ok {
		if stats.Count, err = counter.Count(ctx); err != nil {
			return stats, err
		}
	}
	if counter, ok := b.Credentials.(Counter); ok {
		if stats.Users, err = counter.Count(ctx); err != nil {
			return stats, err
		}
	}
	return stats, nil
}

// Reset deletes every stored message and account. Uploaded blobs are
// left alone.
func (b *Backend) Reset(ctx context.Context) error {
	for _, s := range []interface{}{b.Messages, b.Credentials} {
		r, ok := s.(Resetter)
		if !ok {
			return fmt.Errorf("%s storage cannot be reset", b.Name)
		}
		if err := r.Reset(ctx); err != nil {
			return err
		}
	}
	b.log.Warnf("Deleted all messages and accounts from %s storage", b.Name)
	return nil
}

func (b *Backend) Close() {
	if b.nc != nil {
		if err := b.nc.Drain(); err != nil {
			b.log.Warnf("Draining NATS connection: %v", err)
		}
	}
	if b.rdb != nil {
		if err := b.rdb.Close(); err != nil {
			b.log.Warnf("Closing Redis client: %v", err)
		}
	}
}
