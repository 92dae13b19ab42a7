package hub

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/erilali/chathub/internal/message"
	"github.com/erilali/chathub/internal/store"
)

type fakeConn struct {
	id     string
	fail   bool
	block  bool
	onSend func()

	mu     sync.Mutex
	frames []map[string]interface{}
	sends  atomic.Int32
	closed atomic.Bool
}

func newFakeConn(id string) *fakeConn { return &fakeConn{id: id} }

func (f *fakeConn) ID() string { return f.id }

func (f *fakeConn) Send(ctx context.Context, data []byte) error {
	f.sends.Add(1)
	if f.closed.Load() {
		return ErrConnClosed
	}
	if f.fail {
		return errors.New("broken pipe")
	}
	if f.block {
		<-ctx.Done()
		return ctx.Err()
	}
	if f.onSend != nil {
		f.onSend()
	}
	var frame map[string]interface{}
	if err := json.Unmarshal(data, &frame); err != nil {
		return err
	}
	f.mu.Lock()
	f.frames = append(f.frames, frame)
	f.mu.Unlock()
	return nil
}

func (f *fakeConn) Closed() bool { return f.closed.Load() }

func (f *fakeConn) Close() error {
	f.closed.Store(true)
	return nil
}

func (f *fakeConn) received() []map[string]interface{} {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]map[string]interface{}(nil), f.frames...)
}

func (f *fakeConn) ofType(typ string) []map[string]interface{} {
	var out []map[string]interface{}
	for _, fr := range f.received() {
		if fr["type"] == typ {
			out = append(out, fr)
		}
	}
	return out
}

type failingLog struct{}

func (failingLog) Append(context.Context, string, string, string) (uint64, error) {
	return 0, errors.New("disk full")
}

func (failingLog) Recent(context.Context, int) ([]store.Record, error) { return nil, nil }

func newTestHub(t *testing.T) (*Hub, *store.MemoryLog, *store.MemoryBlobs) {
	t.Helper()
	log := store.NewMemoryLog()
	blobs := store.NewMemoryBlobs()
	h := NewHub(log, blobs, nil, nil, Options{SendTimeout: 100 * time.Millisecond})
	t.Cleanup(func() { _ = h.Shutdown(context.Background()) })
	return h, log, blobs
}

func openConns(h *Hub, ids ...string) []*fakeConn {
	conns := make([]*fakeConn, len(ids))
	for i, id := range ids {
		conns[i] = newFakeConn(id)
		h.Open(conns[i])
	}
	return conns
}

func TestAuthNotifiesSenderAndOthers(t *testing.T) {
	h, _, _ := newTestHub(t)
	conns := openConns(h, "a", "b", "c")
	alice := conns[0]

	h.HandleEvent(context.Background(), alice, message.Auth{Username: " alice "})

	okFrames := alice.ofType(message.TypeAuthOK)
	if len(okFrames) != 1 || okFrames[0]["username"] != "alice" {
		t.Fatalf("sender auth_ok frames = %v", okFrames)
	}
	if joins := alice.ofType(message.TypeJoin); len(joins) != 0 {
		t.Errorf("sender received its own join: %v", joins)
	}
	for _, other := range conns[1:] {
		joins := other.ofType(message.TypeJoin)
		if len(joins) != 1 || joins[0]["username"] != "alice" {
			t.Errorf("%s join frames = %v", other.id, joins)
		}
		if oks := other.ofType(message.TypeAuthOK); len(oks) != 0 {
			t.Errorf("%s received auth_ok meant for the sender", other.id)
		}
	}
	if id, _ := h.Registry.Lookup(alice); id.Username() != "alice" {
		t.Errorf("identity = %q", id.Username())
	}
}

func TestAuthWithBlankUsernameIsIgnored(t *testing.T) {
	h, _, _ := newTestHub(t)
	conns := openConns(h, "a", "b")

	h.HandleEvent(context.Background(), conns[0], message.Auth{Username: "   "})

	for _, c := range conns {
		if n := len(c.received()); n != 0 {
			t.Errorf("%s received %d frames", c.id, n)
		}
	}
}

func TestReauthOverwritesAndRejoins(t *testing.T) {
	h, _, _ := newTestHub(t)
	conns := openConns(h, "a", "b")

	h.HandleEvent(context.Background(), conns[0], message.Auth{Username: "alice"})
	h.HandleEvent(context.Background(), conns[0], message.Auth{Username: "alicia"})

	joins := conns[1].ofType(message.TypeJoin)
	if len(joins) != 2 || joins[1]["username"] != "alicia" {
		t.Errorf("join frames = %v", joins)
	}
	if leaves := conns[1].ofType(message.TypeLeave); len(leaves) != 0 {
		t.Errorf("re-auth emitted leave: %v", leaves)
	}
}

func TestAuthOnBrokenConnectionIsNeverAnnounced(t *testing.T) {
	h, _, _ := newTestHub(t)
	conns := openConns(h, "ghost", "b")
	ghost, b := conns[0], conns[1]
	ghost.fail = true

	h.HandleEvent(context.Background(), ghost, message.Auth{Username: "ghost"})

	if _, ok := h.Registry.Lookup(ghost); ok {
		t.Error("connection still registered after failed auth_ok")
	}
	if !ghost.Closed() {
		t.Error("connection not closed after failed auth_ok")
	}
	if got := b.received(); len(got) != 0 {
		t.Errorf("b received %v", got)
	}
}

func TestReauthOnBrokenConnectionAnnouncesOnlyLeave(t *testing.T) {
	h, _, _ := newTestHub(t)
	conns := openConns(h, "a", "b")
	h.HandleEvent(context.Background(), conns[0], message.Auth{Username: "ann"})
	conns[0].fail = true

	h.HandleEvent(context.Background(), conns[0], message.Auth{Username: "anna"})

	joins := conns[1].ofType(message.TypeJoin)
	if len(joins) != 1 || joins[0]["username"] != "ann" {
		t.Errorf("join frames = %v", joins)
	}
	leaves := conns[1].ofType(message.TypeLeave)
	if len(leaves) != 1 || leaves[0]["username"] != "ann" {
		t.Errorf("leave frames = %v", leaves)
	}
}

func TestTextIsLoggedThenBroadcastToAll(t *testing.T) {
	h, log, _ := newTestHub(t)
	conns := openConns(h, "bob", "x", "y")
	bob := conns[0]
	h.HandleEvent(context.Background(), bob, message.Auth{Username: "bob"})

	var loggedFirst atomic.Bool
	loggedFirst.Store(true)
	for _, c := range conns {
		c.onSend = func() {
			if log.Len() == 0 {
				loggedFirst.Store(false)
			}
		}
	}

	h.HandleEvent(context.Background(), bob, message.Text{Body: "hi"})

	for _, c := range conns {
		msgs := c.ofType(message.TypeMessage)
		if len(msgs) != 1 {
			t.Fatalf("%s received %d messages", c.id, len(msgs))
		}
		m := msgs[0]
		if m["sender"] != "bob" || m["mtype"] != "text" || m["content"] != "hi" {
			t.Errorf("%s message = %v", c.id, m)
		}
	}
	if !loggedFirst.Load() {
		t.Error("message was delivered before it was logged")
	}
	recent, _ := log.Recent(context.Background(), 10)
	if len(recent) != 1 || recent[0].Sender != "bob" || recent[0].Kind != "text" || recent[0].Content != "hi" {
		t.Errorf("log = %+v", recent)
	}
}

func TestTextBeforeAuthIsIgnored(t *testing.T) {
	h, log, _ := newTestHub(t)
	conns := openConns(h, "a", "b")

	h.HandleEvent(context.Background(), conns[0], message.Text{Body: "hello?"})

	if log.Len() != 0 {
		t.Error("unauthenticated text was logged")
	}
	for _, c := range conns {
		if n := len(c.received()); n != 0 {
			t.Errorf("%s received %d frames", c.id, n)
		}
	}
}

func TestBlankTextIsIgnored(t *testing.T) {
	h, log, _ := newTestHub(t)
	conns := openConns(h, "a")
	h.HandleEvent(context.Background(), conns[0], message.Auth{Username: "a"})

	h.HandleEvent(context.Background(), conns[0], message.Text{Body: " \n\t "})

	if log.Len() != 0 || len(conns[0].ofType(message.TypeMessage)) != 0 {
		t.Error("blank text was accepted")
	}
}

func TestTextNotBroadcastWhenLogFails(t *testing.T) {
	h := NewHub(failingLog{}, store.NewMemoryBlobs(), nil, nil, Options{})
	defer h.Shutdown(context.Background())
	conns := openConns(h, "a", "b")
	h.HandleEvent(context.Background(), conns[0], message.Auth{Username: "a"})

	h.HandleEvent(context.Background(), conns[0], message.Text{Body: "lost"})

	for _, c := range conns {
		if msgs := c.ofType(message.TypeMessage); len(msgs) != 0 {
			t.Errorf("%s received %v despite log failure", c.id, msgs)
		}
	}
}

func TestAnonymousUploadIsStoredAndBroadcast(t *testing.T) {
	h, log, blobs := newTestHub(t)
	conns := openConns(h, "a", "b")

	h.HandleEvent(context.Background(), conns[0], message.MediaUpload{
		Filename:     "evil/../../passwd.png",
		DeclaredKind: "file",
		Sender:       "mallory",
		Payload:      []byte{0x89, 'P', 'N', 'G'},
	})

	if blobs.Len() != 1 {
		t.Fatalf("blob count = %d", blobs.Len())
	}
	recent, _ := log.Recent(context.Background(), 1)
	if len(recent) != 1 || recent[0].Sender != "anon" || recent[0].Kind != "image" {
		t.Fatalf("log = %+v", recent)
	}
	if _, ok := blobs.Get(recent[0].Content); !ok {
		t.Errorf("logged content %q is not a stored blob", recent[0].Content)
	}
	for _, c := range conns {
		msgs := c.ofType(message.TypeMessage)
		if len(msgs) != 1 {
			t.Fatalf("%s received %d messages", c.id, len(msgs))
		}
		m := msgs[0]
		if m["sender"] != "anon" || m["mtype"] != "image" || m["filename"] != "evil/../../passwd.png" || m["content"] != recent[0].Content {
			t.Errorf("%s message = %v", c.id, m)
		}
	}
}

func TestUploadWithUnknownKindIsNotBroadcast(t *testing.T) {
	h, log, _ := newTestHub(t)
	conns := openConns(h, "a")

	h.HandleEvent(context.Background(), conns[0], message.MediaUpload{Filename: "clip.mp4", DeclaredKind: "video"})

	if log.Len() != 0 {
		t.Error("record with unknown kind was logged")
	}
	if n := len(conns[0].received()); n != 0 {
		t.Errorf("received %d frames", n)
	}
}

func TestSignalsExcludeSender(t *testing.T) {
	h, _, _ := newTestHub(t)
	conns := openConns(h, "a", "b", "c")
	h.HandleEvent(context.Background(), conns[0], message.Auth{Username: "carol"})

	events := []message.Inbound{
		message.CallSignal{Signal: message.TypeCallInvite, Fields: map[string]json.RawMessage{"media": json.RawMessage(`"audio"`)}},
		message.WebRTCOffer{Offer: json.RawMessage(`{"sdp":"o"}`)},
		message.WebRTCAnswer{Answer: json.RawMessage(`{"sdp":"a"}`)},
		message.WebRTCIce{Candidate: json.RawMessage(`{"candidate":"c"}`)},
	}
	for _, ev := range events {
		h.HandleEvent(context.Background(), conns[0], ev)
	}

	if got := len(conns[0].received()); got != 1 {
		t.Errorf("sender received %d frames, want only auth_ok", got)
	}
	for _, c := range conns[1:] {
		for _, ev := range events {
			frames := c.ofType(ev.Type())
			if len(frames) != 1 || frames[0]["from"] != "carol" {
				t.Errorf("%s %s frames = %v", c.id, ev.Type(), frames)
			}
		}
		if invite := c.ofType(message.TypeCallInvite); len(invite) == 1 && invite[0]["media"] != "audio" {
			t.Errorf("call fields not relayed: %v", invite[0])
		}
	}
}

func TestSignalFromAnonymousSender(t *testing.T) {
	h, _, _ := newTestHub(t)
	conns := openConns(h, "a", "b")

	h.HandleEvent(context.Background(), conns[0], message.CallSignal{Signal: message.TypeCallEnd})

	frames := conns[1].ofType(message.TypeCallEnd)
	if len(frames) != 1 || frames[0]["from"] != "anon" {
		t.Errorf("frames = %v", frames)
	}
}

func TestFailingConnectionIsEvictedOnce(t *testing.T) {
	h, _, _ := newTestHub(t)
	conns := openConns(h, "good1", "dead", "good2")
	dead := conns[1]
	dead.fail = true

	report := h.Deliver(message.Join{Username: "zed"}, All())

	if failed := report.Failed(); len(failed) != 1 || failed[0] != Conn(dead) {
		t.Fatalf("failed = %v", failed)
	}
	if report.Delivered() != 2 {
		t.Errorf("delivered = %d, want 2", report.Delivered())
	}
	if _, ok := h.Registry.Lookup(dead); ok {
		t.Error("dead connection still registered")
	}
	if !dead.Closed() {
		t.Error("dead connection not closed")
	}

	h.Deliver(message.Join{Username: "yan"}, All())

	if n := dead.sends.Load(); n != 1 {
		t.Errorf("dead connection saw %d send attempts, want 1", n)
	}
	for _, c := range []*fakeConn{conns[0], conns[2]} {
		if n := len(c.ofType(message.TypeJoin)); n != 2 {
			t.Errorf("%s received %d joins, want 2", c.id, n)
		}
	}
}

func TestSlowConnectionDoesNotBlockOthers(t *testing.T) {
	h, _, _ := newTestHub(t)
	conns := openConns(h, "slow", "fast")
	conns[0].block = true

	start := time.Now()
	report := h.Deliver(message.Join{Username: "q"}, All())
	elapsed := time.Since(start)

	if elapsed > time.Second {
		t.Errorf("delivery took %v", elapsed)
	}
	if len(conns[1].ofType(message.TypeJoin)) != 1 {
		t.Error("fast connection missed the broadcast")
	}
	if len(report.Failed()) != 1 || h.Registry.Len() != 1 {
		t.Errorf("slow connection not evicted: failed=%d live=%d", len(report.Failed()), h.Registry.Len())
	}
}

func TestEvictingNamedConnectionAnnouncesLeave(t *testing.T) {
	h, _, _ := newTestHub(t)
	conns := openConns(h, "a", "b")
	h.HandleEvent(context.Background(), conns[0], message.Auth{Username: "ann"})
	conns[0].fail = true

	h.Deliver(message.Join{Username: "late"}, All())

	leaves := conns[1].ofType(message.TypeLeave)
	if len(leaves) != 1 || leaves[0]["username"] != "ann" {
		t.Errorf("leave frames = %v", leaves)
	}
}

func TestDisconnectIsIdempotent(t *testing.T) {
	h, _, _ := newTestHub(t)
	conns := openConns(h, "a", "b", "c")
	h.HandleEvent(context.Background(), conns[0], message.Auth{Username: "ann"})

	h.Disconnect(conns[0], "peer closed")
	h.Disconnect(conns[0], "error callback")

	for _, c := range conns[1:] {
		leaves := c.ofType(message.TypeLeave)
		if len(leaves) != 1 || leaves[0]["username"] != "ann" {
			t.Errorf("%s leave frames = %v", c.id, leaves)
		}
	}
	if h.Registry.Len() != 2 {
		t.Errorf("registry len = %d", h.Registry.Len())
	}
}

func TestDisconnectAnonymousIsSilent(t *testing.T) {
	h, _, _ := newTestHub(t)
	conns := openConns(h, "a", "b")

	h.Disconnect(conns[0], "peer closed")

	if n := len(conns[1].received()); n != 0 {
		t.Errorf("received %d frames for anonymous disconnect", n)
	}
}

func TestConcurrentChurnKeepsRegistryExact(t *testing.T) {
	h, _, _ := newTestHub(t)
	const workers = 32
	var wg sync.WaitGroup
	kept := make([]*fakeConn, workers)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			transient := newFakeConn(fmt.Sprintf("t%d", i))
			h.Open(transient)
			h.HandleEvent(context.Background(), transient, message.Auth{Username: fmt.Sprintf("u%d", i)})
			h.Disconnect(transient, "done")
			h.Disconnect(transient, "done again")

			kept[i] = newFakeConn(fmt.Sprintf("k%d", i))
			h.Open(kept[i])
		}(i)
	}
	wg.Wait()

	if got := h.Registry.Len(); got != workers {
		t.Fatalf("registry len = %d, want %d", got, workers)
	}
	for _, c := range kept {
		if _, ok := h.Registry.Lookup(c); !ok {
			t.Errorf("%s missing from registry", c.id)
		}
	}
}

func TestShutdownClosesConnections(t *testing.T) {
	h := NewHub(store.NewMemoryLog(), store.NewMemoryBlobs(), nil, nil, Options{})
	conns := openConns(h, "a", "b")

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := h.Shutdown(ctx); err != nil {
		t.Fatalf("Shutdown() error = %v", err)
	}
	for _, c := range conns {
		if !c.Closed() {
			t.Errorf("%s still open", c.id)
		}
	}
	if h.Registry.Len() != 0 {
		t.Errorf("registry len = %d", h.Registry.Len())
	}
}

func TestZeroRateLimitAdmitsEveryFrame(t *testing.T) {
	c := newClient(nil, "", Options{RateLimit: 0, RateBurst: 1}.withDefaults())
	for i := 0; i < 1000; i++ {
		if !c.allow() {
			t.Fatalf("frame %d dropped with the limit disabled", i)
		}
	}

	limited := newClient(nil, "", Options{RateLimit: 1, RateBurst: 2}.withDefaults())
	allowed := 0
	for i := 0; i < 10; i++ {
		if limited.allow() {
			allowed++
		}
	}
	if allowed != 2 {
		t.Errorf("limited client allowed %d frames in a burst, want 2", allowed)
	}
}
