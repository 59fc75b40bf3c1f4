package cache

import (
	"context"
	"testing"
	"time"
)

func TestSetGetRoundTrip(t *testing.T) {
	c := New(100, time.Minute, nil, nil)
	ctx := context.Background()

	c.Set(ctx, "k1", []byte("hello"), time.Minute)
	payload, ok := c.Get(ctx, "k1")
	if !ok {
		t.Fatal("expected cache hit")
	}
	if string(payload) != "hello" {
		t.Fatalf("got %q, want %q", payload, "hello")
	}
}

func TestZeroTTLIsNoOp(t *testing.T) {
	c := New(100, time.Minute, nil, nil)
	ctx := context.Background()

	c.Set(ctx, "k1", []byte("hello"), 0)
	if _, ok := c.Get(ctx, "k1"); ok {
		t.Fatal("expected zero-TTL set to be a no-op")
	}
}

func TestExpiredEntryMisses(t *testing.T) {
	c := New(100, time.Minute, nil, nil)
	ctx := context.Background()

	c.Set(ctx, "k1", []byte("hello"), 5*time.Millisecond)
	time.Sleep(15 * time.Millisecond)
	if _, ok := c.Get(ctx, "k1"); ok {
		t.Fatal("expected expired entry to miss")
	}
}

func TestOverflowEvictsOldest(t *testing.T) {
	c := New(10, time.Minute, nil, nil)
	ctx := context.Background()

	for i := 0; i < 11; i++ {
		key := string(rune('a' + i))
		c.Set(ctx, key, []byte(key), time.Hour)
	}

	if _, ok := c.Get(ctx, "a"); ok {
		t.Fatal("expected oldest entry to be evicted on overflow")
	}
	if _, ok := c.Get(ctx, string(rune('a'+10))); !ok {
		t.Fatal("expected newest entry to survive overflow eviction")
	}
}

func TestArgsFingerprintIgnoresKeyOrder(t *testing.T) {
	a := ArgsFingerprint(map[string]any{"a": 1.0, "b": 2.0})
	b := ArgsFingerprint(map[string]any{"b": 2.0, "a": 1.0})
	if a != b {
		t.Fatalf("expected fingerprint independent of map key order: %s != %s", a, b)
	}
}

func TestKeyDefaultsNamespace(t *testing.T) {
	withEmpty := Key("srv", "tool", "", map[string]any{})
	withDefault := Key("srv", "tool", "default", map[string]any{})
	if withEmpty != withDefault {
		t.Fatalf("expected empty namespace to fold to \"default\": %s != %s", withEmpty, withDefault)
	}
}

func TestInvalidatePattern(t *testing.T) {
	c := New(100, time.Minute, nil, nil)
	ctx := context.Background()
	c.Set(ctx, "srv1:toolA:default:x", []byte("a"), time.Hour)
	c.Set(ctx, "srv1:toolB:default:y", []byte("b"), time.Hour)
	c.Set(ctx, "srv2:toolA:default:z", []byte("c"), time.Hour)

	removed := c.InvalidatePattern("srv1:")
	if removed != 2 {
		t.Fatalf("expected 2 removed, got %d", removed)
	}
	if _, ok := c.Get(ctx, "srv2:toolA:default:z"); !ok {
		t.Fatal("expected unrelated key to survive")
	}
}

func TestGetStatusEmptyCacheIsHealthy(t *testing.T) {
	c := New(100, time.Minute, nil, nil)
	status := c.GetStatus()
	if status.Health != "ok" {
		t.Fatalf("expected fresh cache to report ok, got %s", status.Health)
	}
	if status.Entries != 0 {
		t.Fatalf("expected 0 entries, got %d", status.Entries)
	}
}

type fakeRemote struct {
	store map[string][]byte
}

func (f *fakeRemote) Get(ctx context.Context, key string) ([]byte, bool, error) {
	v, ok := f.store[key]
	return v, ok, nil
}

func (f *fakeRemote) Set(ctx context.Context, key string, payload []byte, ttl time.Duration) error {
	f.store[key] = payload
	return nil
}

func (f *fakeRemote) Ping(ctx context.Context) error { return nil }

func TestStaticTTLPolicyBlocksMutatingToolsRegardlessOfDefault(t *testing.T) {
	p := StaticTTLPolicy{Default: time.Hour}
	for _, name := range []string{"create_file", "update_record", "delete_row", "execute_query", "remove_item", "write_config", "run_job", "set_flag", "apply_patch"} {
		if ttl := p.TTLFor(name); ttl != 0 {
			t.Fatalf("expected %s to be non-cacheable, got ttl=%s", name, ttl)
		}
	}
}

func TestStaticTTLPolicyPerToolOverridesMutatingPrefix(t *testing.T) {
	p := StaticTTLPolicy{PerTool: map[string]time.Duration{"create_file": 10 * time.Second}}
	if ttl := p.TTLFor("create_file"); ttl != 10*time.Second {
		t.Fatalf("expected explicit PerTool entry to win over the mutating-prefix rule, got %s", ttl)
	}
}

func TestStaticTTLPolicyClassifiesListingsAndTaskState(t *testing.T) {
	p := StaticTTLPolicy{Default: time.Hour, ListingTTL: 45 * time.Second, TaskStateTTL: 5 * time.Second}
	if ttl := p.TTLFor("list_files"); ttl != 45*time.Second {
		t.Fatalf("expected listing bucket, got %s", ttl)
	}
	if ttl := p.TTLFor("get_task_status"); ttl != 5*time.Second {
		t.Fatalf("expected task-state bucket, got %s", ttl)
	}
	if ttl := p.TTLFor("read_file"); ttl != time.Hour {
		t.Fatalf("expected read-only lookups to fall through to Default, got %s", ttl)
	}
}

func TestStaticTTLPolicyNonCacheableOverridesEverything(t *testing.T) {
	p := StaticTTLPolicy{Default: time.Hour, NonCacheable: map[string]struct{}{"read_file": {}}}
	if ttl := p.TTLFor("read_file"); ttl != 0 {
		t.Fatalf("expected explicit NonCacheable entry to block caching, got %s", ttl)
	}
}

func TestL2HitPromotesToL1(t *testing.T) {
	remote := &fakeRemote{store: map[string][]byte{"tool-cache:k1": []byte("from-l2")}}
	c := New(100, time.Second, remote, nil)
	ctx := context.Background()

	payload, ok := c.Get(ctx, "k1")
	if !ok || string(payload) != "from-l2" {
		t.Fatalf("expected l2 hit, got ok=%v payload=%q", ok, payload)
	}

	remote.store = map[string][]byte{}
	payload, ok = c.Get(ctx, "k1")
	if !ok || string(payload) != "from-l2" {
		t.Fatal("expected l1 promotion to serve the second read without l2")
	}
}
