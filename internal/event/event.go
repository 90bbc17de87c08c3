// Package event 定义上游服务（帖子服务、用户服务）发出的领域事件。
//
// Event 是一个封闭的联合类型：只有本包内的结构体实现它，
// 消费方通过 type switch 逐一处理。
package event

import (
	"errors"
	"strconv"
)

// Type 事件类型，随消息头一同传输
type Type string

const (
	TypePostCreated    Type = "PostCreated"
	TypePostLiked      Type = "PostLiked"
	TypeUserFollowed   Type = "UserFollowed"
	TypeUserUnfollowed Type = "UserUnfollowed"
)

var (
	// ErrMalformedEvent 负载缺字段或字段类型不对，重试无意义
	ErrMalformedEvent = errors.New("malformed event")
	// ErrUnsupportedEventType 未知事件类型，重试无意义
	ErrUnsupportedEventType = errors.New("unsupported event type")
)

// Event 入站事件
type Event interface {
	Type() Type
	// PartitionKey 决定事件落在哪个分片，同 key 的事件按投递顺序处理
	PartitionKey() string
	sealed()
}

// PostCreated 用户发布了新帖子
type PostCreated struct {
	CreatorID int64
	Content   string
	PostID    int64
}

// PostLiked 用户点赞了某个帖子
type PostLiked struct {
	PostID        int64
	CreatorID     int64
	LikedByUserID int64
}

// UserFollowed FollowerID 关注了 FolloweeID
type UserFollowed struct {
	FollowerID int64
	FolloweeID int64
}

// UserUnfollowed FollowerID 取消关注 FolloweeID
type UserUnfollowed struct {
	FollowerID int64
	FolloweeID int64
}

func (PostCreated) Type() Type    { return TypePostCreated }
func (PostLiked) Type() Type      { return TypePostLiked }
func (UserFollowed) Type() Type   { return TypeUserFollowed }
func (UserUnfollowed) Type() Type { return TypeUserUnfollowed }

func (e PostCreated) PartitionKey() string    { return postKey(e.PostID) }
func (e PostLiked) PartitionKey() string      { return postKey(e.PostID) }
func (e UserFollowed) PartitionKey() string   { return userKey(e.FolloweeID) }
func (e UserUnfollowed) PartitionKey() string { return userKey(e.FolloweeID) }

func (PostCreated) sealed()    {}
func (PostLiked) sealed()      {}
func (UserFollowed) sealed()   {}
func (UserUnfollowed) sealed() {}

func postKey(id int64) string { return "post:" + strconv.FormatInt(id, 10) }
func userKey(id int64) string { return "user:" + strconv.FormatInt(id, 10) }
