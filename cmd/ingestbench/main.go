package main

import (
	"context"
	"fmt"
	"math"
	"os"
	"sort"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"

	"github.com/d60-Lab/notification-service/config"
	"github.com/d60-Lab/notification-service/internal/event"
	"github.com/d60-Lab/notification-service/internal/model"
	"github.com/d60-Lab/notification-service/internal/pipeline"
	"github.com/d60-Lab/notification-service/internal/repository"
	"github.com/d60-Lab/notification-service/internal/service"
	"github.com/d60-Lab/notification-service/internal/transport/redisstream"
	"github.com/d60-Lab/notification-service/pkg/database"
)

func must[T any](v T, err error) T {
	if err != nil {
		panic(err)
	}
	return v
}

func pct(vs []time.Duration, p float64) time.Duration {
	if len(vs) == 0 {
		return 0
	}
	xs := append([]time.Duration(nil), vs...)
	sort.Slice(xs, func(i, j int) bool { return xs[i] < xs[j] })
	k := int(math.Ceil(p*float64(len(xs)))) - 1
	if k < 0 {
		k = 0
	}
	if k >= len(xs) {
		k = len(xs) - 1
	}
	return xs[k]
}

func envInt(name string, def int) int {
	if s := os.Getenv(name); s != "" {
		if v, err := strconv.Atoi(s); err == nil && v > 0 {
			return v
		}
	}
	return def
}

// 压测：一个作者 N 个粉丝，发布 POSTS 条帖子 + LIKES 条点赞（含重复投递），
// 统计从 XADD 到全部通知落库的延迟。
func main() {
	_ = godotenv.Load()
	cfg := must(config.Load())
	db := must(database.InitDB(cfg))
	rdb := redis.NewClient(&redis.Options{Addr: cfg.Redis.Addr, Password: cfg.Redis.Password, DB: cfg.Redis.DB})
	defer rdb.Close()
	ctx := context.Background()

	N := envInt("N", 2000)
	POSTS := envInt("POSTS", 50)
	LIKES := envInt("LIKES", 500)
	DUP := envInt("DUP", 2) // 每条点赞投递次数

	// clean tables for a reproducible run (ok for local bench)
	must(0, db.Exec("DELETE FROM notifications").Error)
	must(0, db.Exec("DELETE FROM fans").Error)

	prefix := fmt.Sprintf("bench:%d", time.Now().UnixNano())
	broker := redisstream.New(rdb, redisstream.Options{
		Prefix: prefix, Shards: cfg.Stream.Shards, Group: "bench", Consumer: "bench",
		BatchSize: cfg.Stream.BatchSize, Block: 200 * time.Millisecond,
	})
	must(0, broker.EnsureGroups(ctx))

	fanRepo := repository.NewFanRepository(db)
	notifRepo := repository.NewNotificationRepository(db)
	const author = int64(1)
	for i := 0; i < N; i++ {
		must(0, fanRepo.Create(ctx, author, int64(i+2)))
	}

	p := pipeline.New(broker, broker,
		service.NewProcessor(service.NewFanIndexResolver(fanRepo, rdb, cfg.Follower.CacheTTL, cfg.Follower.PageSize), cfg.Pipeline.ContentLength),
		notifRepo, service.NewFollowerIndex(fanRepo, rdb),
		pipeline.Options{RetryInitial: cfg.Pipeline.RetryInitial, RetryMax: cfg.Pipeline.RetryMax, WriteTimeout: cfg.Pipeline.WriteTimeout})
	stop := p.Start(ctx)

	start := time.Now()
	published := 0
	postAt := make(map[int64]time.Time, POSTS)
	for i := 0; i < POSTS; i++ {
		postID := int64(i + 1)
		postAt[postID] = time.Now()
		must(broker.Publish(ctx, event.PostCreated{CreatorID: author, PostID: postID, Content: fmt.Sprintf("post %d", i)}))
		published++
	}
	for i := 0; i < LIKES; i++ {
		ev := event.PostLiked{PostID: int64(i%POSTS + 1), CreatorID: author, LikedByUserID: int64(i%N + 2)}
		for d := 0; d < DUP; d++ {
			must(broker.Publish(ctx, ev))
			published++
		}
	}
	pubDur := time.Since(start)

	for p.Stats().Acked < int64(published) {
		time.Sleep(10 * time.Millisecond)
	}
	total := time.Since(start)

	shutdownCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	must(0, stop(shutdownCtx))

	var rows int64
	must(0, db.Model(&model.Notification{}).Count(&rows).Error)

	// 每条帖子：发布到最后一个粉丝收到通知的耗时
	type fanoutDone struct {
		SubjectID int64
		Last      time.Time
	}
	var done []fanoutDone
	must(0, db.Model(&model.Notification{}).
		Select("subject_id, MAX(created_at) AS last").
		Where("type = ?", model.NotificationPostCreated).
		Group("subject_id").
		Scan(&done).Error)
	lat := make([]time.Duration, 0, len(done))
	for _, d := range done {
		if at, ok := postAt[d.SubjectID]; ok {
			lat = append(lat, d.Last.Sub(at))
		}
	}

	st := p.Stats()
	fmt.Printf("N=%d POSTS=%d LIKES=%d DUP=%d SHARDS=%d\n", N, POSTS, LIKES, DUP, cfg.Stream.Shards)
	fmt.Printf("published=%d in %v; drained in %v (%.0f msg/s)\n", published, pubDur, total, float64(published)/total.Seconds())
	fmt.Printf("rows=%d persisted=%d duplicates=%d dead=%d retries=%d\n", rows, st.Persisted, st.Duplicates, st.DeadLettered, st.Retries)
	fmt.Printf("fanout latency p50=%v p95=%v p99=%v\n", pct(lat, 0.50), pct(lat, 0.95), pct(lat, 0.99))
}
