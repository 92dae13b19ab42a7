package store

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
)

// fakeRedis implements the handful of list, hash and counter commands the
// Redis stores issue. Any other command panics on the nil embedded client.
type fakeRedis struct {
	redis.Cmdable

	mu       sync.Mutex
	counters map[string]int64
	lists    map[string][]string
	hashes   map[string]map[string]string
	execErr  error
}

func newFakeRedis() *fakeRedis {
	return &fakeRedis{
		counters: make(map[string]int64),
		lists:    make(map[string][]string),
		hashes:   make(map[string]map[string]string),
	}
}

func redisString(v interface{}) string {
	switch v := v.(type) {
	case string:
		return v
	case []byte:
		return string(v)
	default:
		return fmt.Sprint(v)
	}
}

func listRange(items []string, start, stop int64) []string {
	n := int64(len(items))
	if start < 0 {
		start += n
	}
	if stop < 0 {
		stop += n
	}
	if start < 0 {
		start = 0
	}
	if stop >= n {
		stop = n - 1
	}
	if start >= n || start > stop {
		return []string{}
	}
	return append([]string(nil), items[start:stop+1]...)
}

func (f *fakeRedis) Incr(_ context.Context, key string) *redis.IntCmd {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.counters[key]++
	return redis.NewIntResult(f.counters[key], nil)
}

func (f *fakeRedis) LLen(_ context.Context, key string) *redis.IntCmd {
	f.mu.Lock()
	defer f.mu.Unlock()
	return redis.NewIntResult(int64(len(f.lists[key])), nil)
}

func (f *fakeRedis) LRange(_ context.Context, key string, start, stop int64) *redis.StringSliceCmd {
	f.mu.Lock()
	defer f.mu.Unlock()
	return redis.NewStringSliceResult(listRange(f.lists[key], start, stop), nil)
}

func (f *fakeRedis) HSetNX(_ context.Context, key, field string, value interface{}) *redis.BoolCmd {
	f.mu.Lock()
	defer f.mu.Unlock()
	h, ok := f.hashes[key]
	if !ok {
		h = make(map[string]string)
		f.hashes[key] = h
	}
	if _, exists := h[field]; exists {
		return redis.NewBoolResult(false, nil)
	}
	h[field] = redisString(value)
	return redis.NewBoolResult(true, nil)
}

func (f *fakeRedis) HGet(_ context.Context, key, field string) *redis.StringCmd {
	f.mu.Lock()
	defer f.mu.Unlock()
	v, ok := f.hashes[key][field]
	if !ok {
		return redis.NewStringResult("", redis.Nil)
	}
	return redis.NewStringResult(v, nil)
}

func (f *fakeRedis) HLen(_ context.Context, key string) *redis.IntCmd {
	f.mu.Lock()
	defer f.mu.Unlock()
	return redis.NewIntResult(int64(len(f.hashes[key])), nil)
}

func (f *fakeRedis) Del(_ context.Context, keys ...string) *redis.IntCmd {
	f.mu.Lock()
	defer f.mu.Unlock()
	var n int64
	for _, key := range keys {
		if _, ok := f.lists[key]; ok {
			delete(f.lists, key)
			n++
		}
		if _, ok := f.hashes[key]; ok {
			delete(f.hashes, key)
			n++
		}
		if _, ok := f.counters[key]; ok {
			delete(f.counters, key)
			n++
		}
	}
	return redis.NewIntResult(n, nil)
}

func (f *fakeRedis) TxPipeline() redis.Pipeliner {
	return &fakePipeline{rdb: f}
}

// fakePipeline queues list writes and applies them together on Exec.
type fakePipeline struct {
	redis.Pipeliner

	rdb *fakeRedis
	ops []func()
}

func (p *fakePipeline) LPush(_ context.Context, key string, values ...interface{}) *redis.IntCmd {
	p.ops = append(p.ops, func() {
		for _, v := range values {
			p.rdb.lists[key] = append([]string{redisString(v)}, p.rdb.lists[key]...)
		}
	})
	return redis.NewIntResult(0, nil)
}

func (p *fakePipeline) LTrim(_ context.Context, key string, start, stop int64) *redis.StatusCmd {
	p.ops = append(p.ops, func() {
		p.rdb.lists[key] = listRange(p.rdb.lists[key], start, stop)
	})
	return redis.NewStatusResult("OK", nil)
}

func (p *fakePipeline) Exec(context.Context) ([]redis.Cmder, error) {
	p.rdb.mu.Lock()
	defer p.rdb.mu.Unlock()
	if p.rdb.execErr != nil {
		return nil, p.rdb.execErr
	}
	for _, op := range p.ops {
		op()
	}
	p.ops = nil
	return nil, nil
}

func TestRedisLogAppendTrimsAndReadsChronologically(t *testing.T) {
	ctx := context.Background()
	rdb := newFakeRedis()
	log := NewRedisLog(rdb, "chathub:history", 3)
	fixed := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	log.now = func() time.Time { return fixed }

	for i := 1; i <= 5; i++ {
		id, err := log.Append(ctx, "dave", "text", fmt.Sprintf("m%d", i))
		if err != nil {
			t.Fatalf("Append() error = %v", err)
		}
		if id != uint64(i) {
			t.Errorf("Append() id = %d, want %d", id, i)
		}
	}

	if n, err := log.Count(ctx); err != nil || n != 3 {
		t.Errorf("Count() = %d, %v, want 3 after trim", n, err)
	}

	recent, err := log.Recent(ctx, 2)
	if err != nil {
		t.Fatalf("Recent() error = %v", err)
	}
	if len(recent) != 2 || recent[0].Content != "m4" || recent[1].Content != "m5" {
		t.Fatalf("Recent(2) = %+v", recent)
	}
	if recent[1].ID != 5 || recent[1].Sender != "dave" || !recent[1].CreatedAt.Equal(fixed) {
		t.Errorf("record fields = %+v", recent[1])
	}

	all, err := log.Recent(ctx, 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(all) != 3 || all[0].Content != "m3" || all[2].Content != "m5" {
		t.Errorf("Recent(0) = %+v", all)
	}
}

func TestRedisLogRejectsUnknownKindWithoutAllocatingID(t *testing.T) {
	rdb := newFakeRedis()
	log := NewRedisLog(rdb, "h", 0)

	if _, err := log.Append(context.Background(), "dave", "video", "x.mp4"); !errors.Is(err, ErrInvalidKind) {
		t.Fatalf("Append() error = %v, want ErrInvalidKind", err)
	}
	if n := rdb.counters["h:seq"]; n != 0 {
		t.Errorf("id counter = %d after rejected append", n)
	}
	if id, err := log.Append(context.Background(), "dave", "text", "ok"); err != nil || id != 1 {
		t.Errorf("Append() = %d, %v", id, err)
	}
}

func TestRedisLogUnboundedWhenMaxHistoryIsZero(t *testing.T) {
	ctx := context.Background()
	log := NewRedisLog(newFakeRedis(), "h", 0)
	for i := 0; i < 10; i++ {
		if _, err := log.Append(ctx, "dave", "text", "x"); err != nil {
			t.Fatal(err)
		}
	}
	if n, _ := log.Count(ctx); n != 10 {
		t.Errorf("Count() = %d, want 10", n)
	}
}

func TestRedisLogPipelineFailure(t *testing.T) {
	rdb := newFakeRedis()
	rdb.execErr = errors.New("READONLY")
	log := NewRedisLog(rdb, "h", 10)

	if _, err := log.Append(context.Background(), "dave", "text", "lost"); err == nil {
		t.Fatal("Append() succeeded with a failing pipeline")
	}
	if len(rdb.lists["h"]) != 0 {
		t.Errorf("list = %v", rdb.lists["h"])
	}
}

func TestRedisLogSkipsCorruptEntries(t *testing.T) {
	ctx := context.Background()
	rdb := newFakeRedis()
	log := NewRedisLog(rdb, "h", 0)
	if _, err := log.Append(ctx, "dave", "text", "good"); err != nil {
		t.Fatal(err)
	}
	rdb.lists["h"] = append([]string{"{not json"}, rdb.lists["h"]...)

	recent, err := log.Recent(ctx, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(recent) != 1 || recent[0].Content != "good" {
		t.Errorf("Recent() = %+v", recent)
	}
}

func TestRedisLogReset(t *testing.T) {
	ctx := context.Background()
	rdb := newFakeRedis()
	log := NewRedisLog(rdb, "h", 0)
	for i := 0; i < 3; i++ {
		if _, err := log.Append(ctx, "dave", "text", "x"); err != nil {
			t.Fatal(err)
		}
	}

	if err := log.Reset(ctx); err != nil {
		t.Fatalf("Reset() error = %v", err)
	}
	if n, _ := log.Count(ctx); n != 0 {
		t.Errorf("Count() = %d after reset", n)
	}
	if id, err := log.Append(ctx, "dave", "text", "fresh"); err != nil || id != 1 {
		t.Errorf("Append() after reset = %d, %v", id, err)
	}
}

func TestRedisCredentials(t *testing.T) {
	testCredentialStore(t, NewRedisCredentials(newFakeRedis(), "chathub:users"))
}

func TestRedisCredentialsStoresHashNotSecret(t *testing.T) {
	rdb := newFakeRedis()
	creds := NewRedisCredentials(rdb, "users")
	if err := creds.Register(context.Background(), "Erin", "hunter2"); err != nil {
		t.Fatal(err)
	}
	stored, ok := rdb.hashes["users"]["Erin"]
	if !ok {
		t.Fatalf("no hash field for Erin: %v", rdb.hashes)
	}
	if stored == "hunter2" || len(stored) < 50 {
		t.Errorf("stored value %q is not a bcrypt hash", stored)
	}
}

func TestRedisCredentialsCountAndReset(t *testing.T) {
	testCredentialCountAndReset(t, NewRedisCredentials(newFakeRedis(), "users"))
}
