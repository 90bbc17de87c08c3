package service

import (
	"context"
	"errors"
	"fmt"
	"unicode/utf8"

	"github.com/d60-Lab/notification-service/internal/event"
	"github.com/d60-Lab/notification-service/internal/model"
)

var (
	// ErrRecipientResolution 粉丝列表查询失败，可重试
	ErrRecipientResolution = errors.New("recipient resolution failed")
)

// FollowerResolver 查询某用户的粉丝
type FollowerResolver interface {
	ResolveFollowers(ctx context.Context, userID int64) ([]int64, error)
}

const defaultPreviewLength = 140

// Processor 将入站事件映射为通知草稿，不产生写入
type Processor struct {
	followers     FollowerResolver
	previewLength int
}

func NewProcessor(followers FollowerResolver, previewLength int) *Processor {
	if previewLength <= 0 {
		previewLength = defaultPreviewLength
	}
	return &Processor{followers: followers, previewLength: previewLength}
}

// Process 返回零到多条草稿。自己触发的事件不会通知自己。
func (p *Processor) Process(ctx context.Context, ev event.Event) ([]model.Draft, error) {
	switch e := ev.(type) {
	case event.PostLiked:
		return p.postLiked(e), nil
	case event.PostCreated:
		return p.postCreated(ctx, e)
	case event.UserFollowed:
		return p.userFollowed(e), nil
	case event.UserUnfollowed:
		return nil, nil
	default:
		return nil, fmt.Errorf("%w: %T", event.ErrUnsupportedEventType, ev)
	}
}

func (p *Processor) postLiked(e event.PostLiked) []model.Draft {
	if e.LikedByUserID == e.CreatorID {
		return nil
	}
	return []model.Draft{{
		RecipientID: e.CreatorID,
		ActorID:     e.LikedByUserID,
		Type:        model.NotificationPostLiked,
		SubjectID:   e.PostID,
		Content:     fmt.Sprintf("user %d liked your post %d", e.LikedByUserID, e.PostID),
		DedupKey:    DedupKey(model.NotificationPostLiked, e.LikedByUserID, e.PostID, e.CreatorID),
	}}
}

func (p *Processor) postCreated(ctx context.Context, e event.PostCreated) ([]model.Draft, error) {
	if p.followers == nil {
		return nil, fmt.Errorf("%w: no follower resolver configured", ErrRecipientResolution)
	}
	followers, err := p.followers.ResolveFollowers(ctx, e.CreatorID)
	if err != nil {
		if errors.Is(err, ErrRecipientResolution) {
			return nil, err
		}
		return nil, fmt.Errorf("%w: user %d: %w", ErrRecipientResolution, e.CreatorID, err)
	}

	content := fmt.Sprintf("user %d published a new post: %s", e.CreatorID, preview(e.Content, p.previewLength))
	drafts := make([]model.Draft, 0, len(followers))
	seen := make(map[int64]struct{}, len(followers))
	for _, uid := range followers {
		if uid == e.CreatorID {
			continue
		}
		if _, ok := seen[uid]; ok {
			continue
		}
		seen[uid] = struct{}{}
		drafts = append(drafts, model.Draft{
			RecipientID: uid,
			ActorID:     e.CreatorID,
			Type:        model.NotificationPostCreated,
			SubjectID:   e.PostID,
			Content:     content,
			DedupKey:    DedupKey(model.NotificationPostCreated, e.CreatorID, e.PostID, uid),
		})
	}
	return drafts, nil
}

func (p *Processor) userFollowed(e event.UserFollowed) []model.Draft {
	if e.FollowerID == e.FolloweeID {
		return nil
	}
	return []model.Draft{{
		RecipientID: e.FolloweeID,
		ActorID:     e.FollowerID,
		Type:        model.NotificationUserFollowed,
		SubjectID:   e.FollowerID,
		Content:     fmt.Sprintf("user %d started following you", e.FollowerID),
		DedupKey:    DedupKey(model.NotificationUserFollowed, e.FollowerID, e.FollowerID, e.FolloweeID),
	}}
}

// preview 按字符截断正文
func preview(s string, n int) string {
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	r := []rune(s)
	return string(r[:n]) + "…"
}
