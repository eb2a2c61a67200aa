package store

import (
	"context"
	"errors"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func newTestRedis(t *testing.T) (*miniredis.Miniredis, *redis.Client) {
	t.Helper()

	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis run failed: %v", err)
	}
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() {
		_ = rdb.Close()
		mr.Close()
	})
	return mr, rdb
}

func TestRedisGetSetRemove(t *testing.T) {
	mr, rdb := newTestRedis(t)
	s := NewRedis(rdb, "t:")
	ctx := context.Background()

	if _, ok, err := s.GetItem(ctx, KeyRoleBinding); err != nil || ok {
		t.Fatalf("expected absent key, got ok=%v err=%v", ok, err)
	}
	if err := s.SetItem(ctx, KeyRoleBinding, `{"role":"admin"}`); err != nil {
		t.Fatalf("set failed: %v", err)
	}
	if got, _ := mr.Get("t:" + KeyRoleBinding); got != `{"role":"admin"}` {
		t.Fatalf("expected prefixed raw key, got %q", got)
	}
	v, ok, err := s.GetItem(ctx, KeyRoleBinding)
	if err != nil || !ok || v != `{"role":"admin"}` {
		t.Fatalf("unexpected get result %q %v %v", v, ok, err)
	}
	if err := s.RemoveItem(ctx, KeyRoleBinding); err != nil {
		t.Fatalf("remove failed: %v", err)
	}
	if mr.Exists("t:" + KeyRoleBinding) {
		t.Fatal("expected key removed")
	}
}

func TestRedisDefaultPrefix(t *testing.T) {
	mr, rdb := newTestRedis(t)
	s := NewRedis(rdb, "")
	if err := s.SetItem(context.Background(), "k", "v"); err != nil {
		t.Fatalf("set failed: %v", err)
	}
	if !mr.Exists("clinicauth:k") {
		t.Fatal("expected default prefix")
	}
}

func TestRedisUnavailable(t *testing.T) {
	mr, rdb := newTestRedis(t)
	s := NewRedis(rdb, "t:")
	mr.Close()

	_, _, err := s.GetItem(context.Background(), "k")
	if !errors.Is(err, ErrUnavailable) {
		t.Fatalf("expected ErrUnavailable, got %v", err)
	}
	if err := s.SetItem(context.Background(), "k", "v"); !errors.Is(err, ErrUnavailable) {
		t.Fatalf("expected ErrUnavailable on set, got %v", err)
	}
	if err := s.Ping(context.Background()); !errors.Is(err, ErrUnavailable) {
		t.Fatalf("expected ErrUnavailable on ping, got %v", err)
	}
}

func TestRedisUpdateItemConcurrent(t *testing.T) {
	_, rdb := newTestRedis(t)
	ctx := context.Background()

	const writers = 4
	const perWriter = 10

	var wg sync.WaitGroup
	for w := 0; w < writers; w++ {
		s := NewRedis(rdb, "t:")
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < perWriter; i++ {
				for {
					err := s.UpdateItem(ctx, "counter", func(cur string, ok bool) (string, bool, error) {
						n := 0
						if ok {
							n, _ = strconv.Atoi(cur)
						}
						return strconv.Itoa(n + 1), false, nil
					})
					if errors.Is(err, ErrUpdateContention) {
						continue
					}
					if err != nil {
						t.Errorf("update failed: %v", err)
					}
					break
				}
			}
		}()
	}
	wg.Wait()

	v, _, err := NewRedis(rdb, "t:").GetItem(ctx, "counter")
	if err != nil {
		t.Fatalf("get failed: %v", err)
	}
	if v != strconv.Itoa(writers*perWriter) {
		t.Fatalf("expected %d, got %s", writers*perWriter, v)
	}
}

func TestRedisUpdateItemPropagatesCallbackError(t *testing.T) {
	_, rdb := newTestRedis(t)
	s := NewRedis(rdb, "t:")
	boom := errors.New("boom")

	err := s.UpdateItem(context.Background(), "k", func(string, bool) (string, bool, error) {
		return "", false, boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("expected callback error, got %v", err)
	}
	if errors.Is(err, ErrUnavailable) {
		t.Fatal("callback error must not be reported as unavailability")
	}
}

func TestRedisUpdateItemRemove(t *testing.T) {
	mr, rdb := newTestRedis(t)
	s := NewRedis(rdb, "t:")
	ctx := context.Background()
	_ = s.SetItem(ctx, "k", "v")

	err := s.UpdateItem(ctx, "k", func(cur string, ok bool) (string, bool, error) {
		if !ok || cur != "v" {
			t.Fatalf("expected current value, got %q %v", cur, ok)
		}
		return "", true, nil
	})
	if err != nil {
		t.Fatalf("update failed: %v", err)
	}
	if mr.Exists("t:k") {
		t.Fatal("expected key removed")
	}
}

func TestRedisWatchSkipsOwnWrites(t *testing.T) {
	_, rdb := newTestRedis(t)
	ctx := context.Background()
	local := NewRedis(rdb, "t:")
	remote := NewRedis(rdb, "t:")

	changes := make(chan Change, 4)
	stop, err := local.Watch(ctx, func(c Change) { changes <- c })
	if err != nil {
		t.Fatalf("watch failed: %v", err)
	}
	defer stop()

	if err := local.SetItem(ctx, "own", "x"); err != nil {
		t.Fatalf("set failed: %v", err)
	}
	if err := remote.RemoveItem(ctx, KeyRoleBinding); err != nil {
		t.Fatalf("remove failed: %v", err)
	}

	select {
	case c := <-changes:
		if c.Key != KeyRoleBinding || !c.Removed {
			t.Fatalf("unexpected change %+v", c)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("expected change notification from remote writer")
	}

	select {
	case c := <-changes:
		t.Fatalf("unexpected extra change %+v", c)
	case <-time.After(50 * time.Millisecond):
	}
}
