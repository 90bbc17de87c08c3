package main

import (
	"context"
	"fmt"
	"os"
	"strconv"

	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"

	"github.com/d60-Lab/notification-service/config"
	"github.com/d60-Lab/notification-service/internal/transport/redisstream"
)

const usage = `usage:
  dlqtool list [count]     列出死信（默认 50 条）
  dlqtool replay <id>...   重新投递指定死信并从死信流删除
  dlqtool replay-all       重新投递全部死信`

func main() {
	if len(os.Args) < 2 {
		fmt.Fprintln(os.Stderr, usage)
		os.Exit(2)
	}
	_ = godotenv.Load()
	cfg, err := config.Load()
	if err != nil {
		fail(err)
	}
	rdb := redis.NewClient(&redis.Options{Addr: cfg.Redis.Addr, Password: cfg.Redis.Password, DB: cfg.Redis.DB})
	defer rdb.Close()
	broker := redisstream.New(rdb, redisstream.Options{
		Prefix:     cfg.Stream.Prefix,
		Shards:     cfg.Stream.Shards,
		Group:      cfg.Stream.Group,
		MaxLen:     cfg.Stream.MaxLen,
		DeadLetter: cfg.Stream.DeadLetterStream(),
	})
	ctx := context.Background()

	switch os.Args[1] {
	case "list":
		count := int64(50)
		if len(os.Args) > 2 {
			if n, err := strconv.ParseInt(os.Args[2], 10, 64); err == nil && n > 0 {
				count = n
			}
		}
		dead, err := broker.DeadLetters(ctx, count)
		if err != nil {
			fail(err)
		}
		for _, m := range dead {
			fmt.Printf("%s\ttype=%v key=%v failed_at=%v\n\treason=%v\n\tpayload=%v\n",
				m.ID, m.Values["type"], m.Values["key"], m.Values["failed_at"], m.Values["reason"], m.Values["payload"])
		}
		fmt.Printf("%d entries\n", len(dead))
	case "replay":
		if len(os.Args) < 3 {
			fmt.Fprintln(os.Stderr, usage)
			os.Exit(2)
		}
		for _, id := range os.Args[2:] {
			replay(ctx, broker, id)
		}
	case "replay-all":
		// 重投成功的条目已从死信流删除，分批读到空为止
		total := 0
		for {
			dead, err := broker.DeadLetters(ctx, 100)
			if err != nil {
				fail(err)
			}
			if len(dead) == 0 {
				break
			}
			for _, m := range dead {
				replay(ctx, broker, m.ID)
			}
			total += len(dead)
		}
		fmt.Printf("replayed %d entries\n", total)
	default:
		fmt.Fprintln(os.Stderr, usage)
		os.Exit(2)
	}
}

func replay(ctx context.Context, b *redisstream.Broker, id string) {
	newID, err := b.ReplayDeadLetter(ctx, id)
	if err != nil {
		fail(err)
	}
	fmt.Printf("%s -> %s\n", id, newID)
}

func fail(err error) {
	fmt.Fprintln(os.Stderr, err)
	os.Exit(1)
}
