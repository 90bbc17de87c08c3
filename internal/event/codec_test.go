package event

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecode(t *testing.T) {
	tests := []struct {
		name    string
		typ     string
		payload string
		want    Event
	}{
		{
			name:    "post created",
			typ:     "PostCreated",
			payload: `{"creatorId":5,"content":"hi","postId":1}`,
			want:    PostCreated{CreatorID: 5, Content: "hi", PostID: 1},
		},
		{
			name:    "post created with empty content",
			typ:     "PostCreated",
			payload: `{"creatorId":5,"content":"","postId":1}`,
			want:    PostCreated{CreatorID: 5, Content: "", PostID: 1},
		},
		{
			name:    "post liked",
			typ:     "PostLiked",
			payload: `{"postId":1,"creatorId":5,"likedByUserId":9}`,
			want:    PostLiked{PostID: 1, CreatorID: 5, LikedByUserID: 9},
		},
		{
			name:    "user followed",
			typ:     "UserFollowed",
			payload: `{"followerId":3,"followeeId":5}`,
			want:    UserFollowed{FollowerID: 3, FolloweeID: 5},
		},
		{
			name:    "user unfollowed ignores unknown fields",
			typ:     "UserUnfollowed",
			payload: `{"followerId":3,"followeeId":5,"at":"2024-01-01"}`,
			want:    UserUnfollowed{FollowerID: 3, FolloweeID: 5},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Decode(tt.typ, []byte(tt.payload))
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestDecode_Malformed(t *testing.T) {
	tests := []struct {
		name    string
		typ     string
		payload string
	}{
		{"missing postId", "PostLiked", `{"creatorId":5,"likedByUserId":9}`},
		{"missing content", "PostCreated", `{"creatorId":5,"postId":1}`},
		{"wrong shape", "PostLiked", `{"postId":"one","creatorId":5,"likedByUserId":9}`},
		{"zero id", "UserFollowed", `{"followerId":0,"followeeId":5}`},
		{"null payload", "PostCreated", `null`},
		{"not json", "PostLiked", `postId=1`},
		{"array", "PostLiked", `[1,5,9]`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Decode(tt.typ, []byte(tt.payload))
			assert.Nil(t, got)
			assert.ErrorIs(t, err, ErrMalformedEvent)
			assert.NotErrorIs(t, err, ErrUnsupportedEventType)
		})
	}
}

func TestDecode_MalformedNamesField(t *testing.T) {
	_, err := Decode("PostLiked", []byte(`{"creatorId":5,"likedByUserId":9}`))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "PostID")
}

func TestDecode_Unsupported(t *testing.T) {
	_, err := Decode("CommentAdded", []byte(`{}`))
	assert.ErrorIs(t, err, ErrUnsupportedEventType)

	_, err = Decode("", nil)
	assert.ErrorIs(t, err, ErrUnsupportedEventType)
}

func TestEncode_DecodesBack(t *testing.T) {
	in := PostLiked{PostID: 1, CreatorID: 5, LikedByUserID: 9}
	typ, payload, err := Encode(in)
	require.NoError(t, err)
	assert.Equal(t, TypePostLiked, typ)
	assert.JSONEq(t, `{"postId":1,"creatorId":5,"likedByUserId":9}`, string(payload))

	out, err := Decode(string(typ), payload)
	require.NoError(t, err)
	assert.Equal(t, in, out)
}

func TestPartitionKey(t *testing.T) {
	assert.Equal(t, "post:1", PostLiked{PostID: 1, CreatorID: 2, LikedByUserID: 3}.PartitionKey())
	assert.Equal(t, "post:1", PostCreated{PostID: 1, CreatorID: 2}.PartitionKey())
	assert.Equal(t, "user:5", UserFollowed{FollowerID: 3, FolloweeID: 5}.PartitionKey())
	assert.Equal(t, "user:5", UserUnfollowed{FollowerID: 3, FolloweeID: 5}.PartitionKey())
}
