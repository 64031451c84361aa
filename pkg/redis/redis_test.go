package redis

import (
	"strings"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
)

func TestReleaseReportsFailure(t *testing.T) {
	rc := New(redis.NewClient(&redis.Options{
		Addr:        "127.0.0.1:1",
		DialTimeout: 200 * time.Millisecond,
		MaxRetries:  -1,
	}))
	defer rc.Close()

	var got []string
	rc.OnReleaseError(func(key string, err error) {
		got = append(got, key+": "+err.Error())
	})

	start := time.Now()
	rc.releaser("sync:1:2:3", "token")()
	if elapsed := time.Since(start); elapsed > releaseTimeout+time.Second {
		t.Fatalf("unlock took %v", elapsed)
	}
	if len(got) != 1 || !strings.HasPrefix(got[0], "sync:1:2:3: release lock sync:1:2:3") {
		t.Fatalf("release errors = %v", got)
	}
}

func TestReleaseWithoutHookIsSilent(t *testing.T) {
	rc := New(redis.NewClient(&redis.Options{Addr: "127.0.0.1:1", MaxRetries: -1}))
	defer rc.Close()
	rc.releaser("k", "t")()
}
