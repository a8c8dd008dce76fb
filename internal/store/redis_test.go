package store

import (
	"context"
	"errors"
	"strconv"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
)

func newTestRedis(t *testing.T) (*miniredis.Miniredis, *Redis) {
	t.Helper()
	mr := miniredis.RunT(t)
	r, err := NewRedis(RedisOptions{Addr: mr.Addr(), Timeout: time.Second})
	if err != nil {
		t.Fatalf("NewRedis: %v", err)
	}
	t.Cleanup(func() { _ = r.Close() })
	return mr, r
}

func TestNewRedisRequiresAddr(t *testing.T) {
	if _, err := NewRedis(RedisOptions{}); !errors.Is(err, ErrMissingCredentials) {
		t.Fatalf("expected ErrMissingCredentials, got %v", err)
	}
}

func TestRedisIncrExpireGet(t *testing.T) {
	mr, r := newTestRedis(t)
	ctx := context.Background()
	key := "liq:202401010000"

	if err := r.IncrByFloat(ctx, key, 100); err != nil {
		t.Fatalf("incr: %v", err)
	}
	if err := r.IncrByFloat(ctx, key, 50.5); err != nil {
		t.Fatalf("incr: %v", err)
	}
	if err := r.Expire(ctx, key, 25*time.Hour); err != nil {
		t.Fatalf("expire: %v", err)
	}

	v, err := r.Get(ctx, key)
	if err != nil || v == nil {
		t.Fatalf("get: value=%v err=%v", v, err)
	}
	if f, _ := strconv.ParseFloat(*v, 64); f != 150.5 {
		t.Fatalf("value = %s, want 150.5", *v)
	}
	if ttl := mr.TTL(key); ttl != 25*time.Hour {
		t.Fatalf("ttl = %s", ttl)
	}

	missing, err := r.Get(ctx, "liq:none")
	if err != nil || missing != nil {
		t.Fatalf("missing key: value=%v err=%v", missing, err)
	}
}

func TestRedisMGetAndDelAcrossChunks(t *testing.T) {
	mr, r := newTestRedis(t)
	ctx := context.Background()

	keys := keysN(450)
	for i, k := range keys {
		if i%2 == 0 {
			if err := mr.Set(k, strconv.Itoa(i)); err != nil {
				t.Fatalf("seed: %v", err)
			}
		}
	}

	values, err := r.MGet(ctx, keys)
	if err != nil {
		t.Fatalf("mget: %v", err)
	}
	if len(values) != len(keys) {
		t.Fatalf("len(values) = %d", len(values))
	}
	for i, v := range values {
		if i%2 == 0 && (v == nil || *v != strconv.Itoa(i)) {
			t.Fatalf("value %d = %v", i, v)
		}
		if i%2 == 1 && v != nil {
			t.Fatalf("value %d should be absent, got %s", i, *v)
		}
	}

	n, err := r.Del(ctx, keys)
	if err != nil {
		t.Fatalf("del: %v", err)
	}
	if n != 225 {
		t.Fatalf("deleted = %d, want 225", n)
	}
	if len(mr.Keys()) != 0 {
		t.Fatalf("keys left: %v", mr.Keys())
	}
}

func TestRedisMGetUnavailableReturnsNilValues(t *testing.T) {
	mr, r := newTestRedis(t)
	mr.Close()

	values, err := r.MGet(context.Background(), keysN(3))
	if err == nil {
		t.Fatal("expected error with store down")
	}
	if len(values) != 3 {
		t.Fatalf("len(values) = %d", len(values))
	}
	for i, v := range values {
		if v != nil {
			t.Fatalf("value %d should be nil", i)
		}
	}
}
