package redis_test

import (
	"context"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	goredis "github.com/redis/go-redis/v9"

	redisstore "github.com/rryowa/dashboard_session/internal/storage/redis"
)

func newRedisForTest(t *testing.T) (*miniredis.Miniredis, *goredis.Client) {
	t.Helper()

	mini, err := miniredis.Run()
	if err != nil {
		t.Fatalf("start miniredis: %v", err)
	}
	client := goredis.NewClient(&goredis.Options{Addr: mini.Addr()})
	t.Cleanup(func() {
		_ = client.Close()
		mini.Close()
	})
	return mini, client
}

func TestKVSetGetDelete(t *testing.T) {
	_, client := newRedisForTest(t)
	kv := redisstore.NewKV(client)
	ctx := context.Background()

	if err := kv.SetMany(ctx, map[string]string{"p:user": "{}", "p:accessToken": "AT"}); err != nil {
		t.Fatalf("set: %v", err)
	}

	got, err := kv.GetMany(ctx, "p:user", "p:accessToken", "p:missing")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if len(got) != 2 || got["p:accessToken"] != "AT" {
		t.Fatalf("unexpected values: %v", got)
	}

	if err := kv.DeleteMany(ctx, "p:user", "p:accessToken"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	got, err = kv.GetMany(ctx, "p:user", "p:accessToken")
	if err != nil {
		t.Fatalf("get after delete: %v", err)
	}
	if len(got) != 0 {
		t.Fatalf("expected empty after delete, got %v", got)
	}
}

func TestKVEmptyArgs(t *testing.T) {
	_, client := newRedisForTest(t)
	kv := redisstore.NewKV(client)
	ctx := context.Background()

	if got, err := kv.GetMany(ctx); err != nil || len(got) != 0 {
		t.Fatalf("get with no keys: %v %v", got, err)
	}
	if err := kv.SetMany(ctx, nil); err != nil {
		t.Fatalf("set with no values: %v", err)
	}
	if err := kv.DeleteMany(ctx); err != nil {
		t.Fatalf("delete with no keys: %v", err)
	}
}

func TestTokenStorageExpires(t *testing.T) {
	mini, client := newRedisForTest(t)
	tokens := redisstore.NewTokenStorage(client)
	ctx := context.Background()

	if err := tokens.InvalidateToken(ctx, "tok", time.Minute); err != nil {
		t.Fatalf("invalidate: %v", err)
	}
	revoked, err := tokens.IsTokenInvalidated(ctx, "tok")
	if err != nil || !revoked {
		t.Fatalf("expected revoked token, got %v %v", revoked, err)
	}

	mini.FastForward(2 * time.Minute)

	revoked, err = tokens.IsTokenInvalidated(ctx, "tok")
	if err != nil {
		t.Fatalf("check after expiry: %v", err)
	}
	if revoked {
		t.Fatal("token should no longer be blacklisted after ttl")
	}
}
