package event

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"
)

var validate = validator.New()

// 线上格式：字段名与上游服务保持一致（camelCase）。
// 指针字段用于区分“缺失”与“零值”。
type postCreatedWire struct {
	CreatorID *int64  `json:"creatorId" validate:"required,gt=0"`
	Content   *string `json:"content" validate:"required"`
	PostID    *int64  `json:"postId" validate:"required,gt=0"`
}

type postLikedWire struct {
	PostID        *int64 `json:"postId" validate:"required,gt=0"`
	CreatorID     *int64 `json:"creatorId" validate:"required,gt=0"`
	LikedByUserID *int64 `json:"likedByUserId" validate:"required,gt=0"`
}

type followWire struct {
	FollowerID *int64 `json:"followerId" validate:"required,gt=0"`
	FolloweeID *int64 `json:"followeeId" validate:"required,gt=0"`
}

// Decode 按事件类型反序列化负载
func Decode(typ string, payload []byte) (Event, error) {
	switch Type(typ) {
	case TypePostCreated:
		var w postCreatedWire
		if err := unmarshal(typ, payload, &w); err != nil {
			return nil, err
		}
		return PostCreated{CreatorID: *w.CreatorID, Content: *w.Content, PostID: *w.PostID}, nil
	case TypePostLiked:
		var w postLikedWire
		if err := unmarshal(typ, payload, &w); err != nil {
			return nil, err
		}
		return PostLiked{PostID: *w.PostID, CreatorID: *w.CreatorID, LikedByUserID: *w.LikedByUserID}, nil
	case TypeUserFollowed:
		var w followWire
		if err := unmarshal(typ, payload, &w); err != nil {
			return nil, err
		}
		return UserFollowed{FollowerID: *w.FollowerID, FolloweeID: *w.FolloweeID}, nil
	case TypeUserUnfollowed:
		var w followWire
		if err := unmarshal(typ, payload, &w); err != nil {
			return nil, err
		}
		return UserUnfollowed{FollowerID: *w.FollowerID, FolloweeID: *w.FolloweeID}, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedEventType, typ)
	}
}

func unmarshal(typ string, payload []byte, dst interface{}) error {
	if err := json.Unmarshal(payload, dst); err != nil {
		return fmt.Errorf("%w: %s: %v", ErrMalformedEvent, typ, err)
	}
	if err := validate.Struct(dst); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			fields := make([]string, 0, len(verrs))
			for _, fe := range verrs {
				fields = append(fields, fe.Field()+"("+fe.Tag()+")")
			}
			return fmt.Errorf("%w: %s: invalid fields %s", ErrMalformedEvent, typ, strings.Join(fields, ", "))
		}
		return fmt.Errorf("%w: %s: %v", ErrMalformedEvent, typ, err)
	}
	return nil
}

// Encode 序列化为线上格式，供生产方和压测工具使用
func Encode(e Event) (Type, []byte, error) {
	var w interface{}
	switch ev := e.(type) {
	case PostCreated:
		w = postCreatedWire{CreatorID: &ev.CreatorID, Content: &ev.Content, PostID: &ev.PostID}
	case PostLiked:
		w = postLikedWire{PostID: &ev.PostID, CreatorID: &ev.CreatorID, LikedByUserID: &ev.LikedByUserID}
	case UserFollowed:
		w = followWire{FollowerID: &ev.FollowerID, FolloweeID: &ev.FolloweeID}
	case UserUnfollowed:
		w = followWire{FollowerID: &ev.FollowerID, FolloweeID: &ev.FolloweeID}
	default:
		return "", nil, fmt.Errorf("%w: %T", ErrUnsupportedEventType, e)
	}
	b, err := json.Marshal(w)
	if err != nil {
		return "", nil, err
	}
	return e.Type(), b, nil
}
