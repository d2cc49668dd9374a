// Command memolockd is a small diagnostic binary that wires memolock's logging
// and metrics together against a local Redis, exercising a single key so the
// lock-or-wait protocol can be observed end to end. It is not a product surface;
// memolock is a library, not a service.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/stumble/memolock"
)

func main() {
	addr := flag.String("redis", "127.0.0.1:6379", "redis address")
	key := flag.String("key", "memolockd:demo", "cache key to exercise")
	flag.Parse()

	log.Logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout}).With().Timestamp().Logger()

	cmdClient := redis.NewClient(&redis.Options{Addr: *addr})
	subClient := redis.NewClient(&redis.Options{Addr: *addr})

	svc := memolock.NewCacheService(cmdClient, subClient, memolock.NewConfig(
		memolock.WithLockTimeout(time.Second),
		memolock.WithMaxAttempts(3),
		memolock.WithMetrics("memolockd"),
	))
	defer func() {
		if err := svc.Disconnect(context.Background()); err != nil {
			log.Err(err).Msg("disconnect failed")
		}
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	var calls int
	v, err := svc.Get(ctx, *key, memolock.GetOptions{TTL: memolock.FixedTTL(5 * time.Second)}, func(ctx context.Context) (any, error) {
		calls++
		log.Info().Str("key", *key).Msg("fetching")
		return time.Now().Unix(), nil
	})
	if err != nil {
		log.Err(err).Msg("get failed")
		os.Exit(1)
	}
	fmt.Printf("value=%v fetchInvocations=%d\n", v, calls)
}
