package service

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/d60-Lab/notification-service/internal/event"
	"github.com/d60-Lab/notification-service/internal/repository"
	"github.com/d60-Lab/notification-service/pkg/logger"
)

func followerIndexKey(userID int64) string {
	return "followers:index:" + strconv.FormatInt(userID, 10)
}

// 粉丝表每次变更都递增版本号；回填缓存前版本变了说明读到的是旧数据
func followerVersionKey(userID int64) string {
	return "followers:ver:" + strconv.FormatInt(userID, 10)
}

// FanIndexResolver 基于本地粉丝表解析粉丝，Redis List 做整表缓存。
// 缓存不可用时直接回源数据库；数据库失败才算解析失败。
type FanIndexResolver struct {
	fanRepo  repository.FanRepository
	cache    *redis.Client
	ttl      time.Duration
	pageSize int
}

func NewFanIndexResolver(fanRepo repository.FanRepository, cache *redis.Client, ttl time.Duration, pageSize int) *FanIndexResolver {
	if ttl <= 0 {
		ttl = 10 * time.Minute
	}
	if pageSize <= 0 {
		pageSize = 1000
	}
	return &FanIndexResolver{fanRepo: fanRepo, cache: cache, ttl: ttl, pageSize: pageSize}
}

func (r *FanIndexResolver) ResolveFollowers(ctx context.Context, userID int64) ([]int64, error) {
	if ids, ok := r.fromCache(ctx, userID); ok {
		return ids, nil
	}
	// 先取版本再读库，顺序不能颠倒
	ver, verOK := r.version(ctx, userID)

	var ids []int64
	offset := 0
	for {
		page, err := r.fanRepo.ListFanIDs(ctx, userID, offset, r.pageSize)
		if err != nil {
			return nil, fmt.Errorf("%w: list fans of %d: %w", ErrRecipientResolution, userID, err)
		}
		ids = append(ids, page...)
		if len(page) < r.pageSize {
			break
		}
		offset += r.pageSize
	}

	if verOK {
		r.storeCache(ctx, userID, ver, ids)
	}
	return ids, nil
}

func (r *FanIndexResolver) version(ctx context.Context, userID int64) (string, bool) {
	if r.cache == nil {
		return "", false
	}
	v, err := r.cache.Get(ctx, followerVersionKey(userID)).Result()
	if errors.Is(err, redis.Nil) {
		return "", true
	}
	if err != nil {
		logger.Warn("follower version read failed", zap.Int64("user", userID), zap.Error(err))
		return "", false
	}
	return v, true
}

func (r *FanIndexResolver) fromCache(ctx context.Context, userID int64) ([]int64, bool) {
	if r.cache == nil {
		return nil, false
	}
	vals, err := r.cache.LRange(ctx, followerIndexKey(userID), 0, -1).Result()
	if err != nil {
		logger.Warn("follower cache read failed", zap.Int64("user", userID), zap.Error(err))
		return nil, false
	}
	if len(vals) == 0 {
		return nil, false
	}
	ids := make([]int64, 0, len(vals))
	for _, v := range vals {
		id, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			logger.Warn("corrupt follower cache entry", zap.Int64("user", userID), zap.String("value", v))
			return nil, false
		}
		ids = append(ids, id)
	}
	return ids, true
}

// storeCache 仅在版本号未变时回填，WATCH 保证检查与写入之间没有并发变更
func (r *FanIndexResolver) storeCache(ctx context.Context, userID int64, ver string, ids []int64) {
	if len(ids) == 0 {
		return
	}
	key, verKey := followerIndexKey(userID), followerVersionKey(userID)
	vals := make([]interface{}, len(ids))
	for i, id := range ids {
		vals[i] = strconv.FormatInt(id, 10)
	}
	err := r.cache.Watch(ctx, func(tx *redis.Tx) error {
		cur, err := tx.Get(ctx, verKey).Result()
		if err != nil && !errors.Is(err, redis.Nil) {
			return err
		}
		if cur != ver {
			return errStaleFollowers
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Del(ctx, key)
			pipe.RPush(ctx, key, vals...)
			pipe.Expire(ctx, key, r.ttl)
			return nil
		})
		return err
	}, verKey)
	switch {
	case err == nil:
	case errors.Is(err, errStaleFollowers), errors.Is(err, redis.TxFailedErr):
		logger.Debug("follower index changed during load, cache not filled", zap.Int64("user", userID))
	default:
		logger.Warn("follower cache write failed", zap.Int64("user", userID), zap.Error(err))
	}
}

var errStaleFollowers = errors.New("follower index changed")

// FollowerIndex 根据关注/取关事件维护粉丝表，并使缓存失效
type FollowerIndex struct {
	fanRepo repository.FanRepository
	cache   *redis.Client
}

func NewFollowerIndex(fanRepo repository.FanRepository, cache *redis.Client) *FollowerIndex {
	return &FollowerIndex{fanRepo: fanRepo, cache: cache}
}

// Apply 对非关注类事件无操作；写入幂等，可随消息重投重复执行
func (x *FollowerIndex) Apply(ctx context.Context, ev event.Event) error {
	var (
		userID int64
		err    error
	)
	switch e := ev.(type) {
	case event.UserFollowed:
		if e.FollowerID == e.FolloweeID {
			return nil
		}
		userID = e.FolloweeID
		err = x.fanRepo.Create(ctx, e.FolloweeID, e.FollowerID)
	case event.UserUnfollowed:
		userID = e.FolloweeID
		err = x.fanRepo.Delete(ctx, e.FolloweeID, e.FollowerID)
	default:
		return nil
	}
	if err != nil {
		return fmt.Errorf("%w: update fan index: %w", repository.ErrStore, err)
	}

	if x.cache != nil {
		_, err := x.cache.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Incr(ctx, followerVersionKey(userID))
			pipe.Del(ctx, followerIndexKey(userID))
			return nil
		})
		if err != nil {
			// 缓存未失效会导致扇出读到旧粉丝列表，交给重投再试
			return fmt.Errorf("invalidate follower cache of %d: %w", userID, err)
		}
	}
	return nil
}
