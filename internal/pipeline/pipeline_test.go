package pipeline

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/d60-Lab/notification-service/internal/event"
	"github.com/d60-Lab/notification-service/internal/model"
	"github.com/d60-Lab/notification-service/internal/repository"
	"github.com/d60-Lab/notification-service/internal/service"
)

// memTransport 内存分片队列，语义与 Redis Streams 消费组一致：
// 新消息投递后进入待确认列表，ack 前可从待确认列表重读。
type memTransport struct {
	mu      sync.Mutex
	shards  int
	queued  [][]Message
	pending [][]Message
	acked   []string
	dead    []Message
	dlqErr  error
}

func newMemTransport(shards int) *memTransport {
	return &memTransport{shards: shards, queued: make([][]Message, shards), pending: make([][]Message, shards)}
}

func (m *memTransport) Shards() int { return m.shards }

func (m *memTransport) push(shard int, id, typ string, payload string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.queued[shard] = append(m.queued[shard], Message{ID: id, Shard: shard, Type: typ, Payload: []byte(payload)})
}

func (m *memTransport) Fetch(ctx context.Context, shard int, pending bool) ([]Message, error) {
	m.mu.Lock()
	if pending {
		out := append([]Message(nil), m.pending[shard]...)
		m.mu.Unlock()
		return out, nil
	}
	out := m.queued[shard]
	m.queued[shard] = nil
	m.pending[shard] = append(m.pending[shard], out...)
	m.mu.Unlock()

	if len(out) == 0 {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(5 * time.Millisecond):
		}
	}
	return out, nil
}

func (m *memTransport) Ack(_ context.Context, msg Message) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	p := m.pending[msg.Shard]
	for i := range p {
		if p[i].ID == msg.ID {
			m.pending[msg.Shard] = append(p[:i:i], p[i+1:]...)
			break
		}
	}
	m.acked = append(m.acked, msg.ID)
	return nil
}

func (m *memTransport) DeadLetter(_ context.Context, msg Message, _ error) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.dlqErr != nil {
		return m.dlqErr
	}
	m.dead = append(m.dead, msg)
	return nil
}

func (m *memTransport) snapshot() (acked []string, dead []Message, pending int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, p := range m.pending {
		pending += len(p)
	}
	return append([]string(nil), m.acked...), append([]Message(nil), m.dead...), pending
}

// memStore 记录写入顺序，可注入前 N 次失败
type memStore struct {
	mu       sync.Mutex
	rows     map[string]*model.Notification
	order    []model.Draft
	failures int
	calls    int
}

func newMemStore() *memStore { return &memStore{rows: map[string]*model.Notification{}} }

func (s *memStore) InsertIfAbsent(_ context.Context, d model.Draft) (*model.Notification, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	if s.failures > 0 {
		s.failures--
		return nil, false, repository.ErrStore
	}
	if n, ok := s.rows[d.DedupKey]; ok {
		return n, false, nil
	}
	n := &model.Notification{ID: d.DedupKey[:8], RecipientID: d.RecipientID, ActorID: d.ActorID, SubjectID: d.SubjectID, DedupKey: d.DedupKey}
	s.rows[d.DedupKey] = n
	s.order = append(s.order, d)
	return n, true, nil
}

func (s *memStore) writes() []model.Draft {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]model.Draft(nil), s.order...)
}

func (s *memStore) callCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

type countingProcessor struct {
	inner *service.Processor
	mu    sync.Mutex
	seen  int
}

func (c *countingProcessor) Process(ctx context.Context, ev event.Event) ([]model.Draft, error) {
	c.mu.Lock()
	c.seen++
	c.mu.Unlock()
	return c.inner.Process(ctx, ev)
}

func (c *countingProcessor) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.seen
}

type followers map[int64][]int64

func (f followers) ResolveFollowers(_ context.Context, id int64) ([]int64, error) {
	ids, ok := f[id]
	if !ok {
		return nil, errors.New("user service unavailable")
	}
	return ids, nil
}

var fastRetry = Options{RetryInitial: time.Millisecond, RetryMax: 5 * time.Millisecond, WriteTimeout: time.Second}

func startPipeline(t *testing.T, tr *memTransport, proc Processor, store Store, projector Projector) *Pipeline {
	t.Helper()
	p := New(tr, tr, proc, store, projector, fastRetry)
	stop := p.Start(context.Background())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		require.NoError(t, stop(ctx))
	})
	return p
}

const (
	like1 = `{"postId":1,"creatorId":5,"likedByUserId":9}`
	like2 = `{"postId":1,"creatorId":5,"likedByUserId":8}`
)

func TestPipeline_PersistsAndAcks(t *testing.T) {
	tr := newMemTransport(1)
	store := newMemStore()
	tr.push(0, "1-0", "PostLiked", like1)

	p := startPipeline(t, tr, service.NewProcessor(nil, 0), store, nil)

	require.Eventually(t, func() bool {
		acked, _, _ := tr.snapshot()
		return len(acked) == 1
	}, time.Second, 5*time.Millisecond)

	writes := store.writes()
	require.Len(t, writes, 1)
	assert.Equal(t, int64(5), writes[0].RecipientID)
	assert.Equal(t, int64(1), p.Stats().Persisted)
}

func TestPipeline_DuplicateDeliveryCollapsed(t *testing.T) {
	tr := newMemTransport(1)
	store := newMemStore()
	tr.push(0, "1-0", "PostLiked", like1)
	tr.push(0, "2-0", "PostLiked", like1)

	p := startPipeline(t, tr, service.NewProcessor(nil, 0), store, nil)

	require.Eventually(t, func() bool {
		acked, _, _ := tr.snapshot()
		return len(acked) == 2
	}, time.Second, 5*time.Millisecond)
	assert.Len(t, store.writes(), 1)
	assert.Equal(t, int64(1), p.Stats().Duplicates)
}

func TestPipeline_MalformedIsDeadLetteredNotProcessed(t *testing.T) {
	tr := newMemTransport(1)
	store := newMemStore()
	proc := &countingProcessor{inner: service.NewProcessor(nil, 0)}
	tr.push(0, "1-0", "PostLiked", `{"creatorId":5,"likedByUserId":9}`)
	tr.push(0, "2-0", "CommentAdded", `{}`)

	p := startPipeline(t, tr, proc, store, nil)

	require.Eventually(t, func() bool {
		acked, dead, pending := tr.snapshot()
		return len(acked) == 2 && len(dead) == 2 && pending == 0
	}, time.Second, 5*time.Millisecond)
	assert.Zero(t, proc.count())
	assert.Zero(t, store.callCount())
	assert.Equal(t, int64(2), p.Stats().DeadLettered)
}

func TestPipeline_SelfLikeAckedWithoutWrite(t *testing.T) {
	tr := newMemTransport(1)
	store := newMemStore()
	tr.push(0, "1-0", "PostLiked", `{"postId":1,"creatorId":5,"likedByUserId":5}`)

	startPipeline(t, tr, service.NewProcessor(nil, 0), store, nil)

	require.Eventually(t, func() bool {
		acked, dead, _ := tr.snapshot()
		return len(acked) == 1 && len(dead) == 0
	}, time.Second, 5*time.Millisecond)
	assert.Zero(t, store.callCount())
}

func TestPipeline_TransientStoreErrorRedeliversInOrder(t *testing.T) {
	tr := newMemTransport(1)
	store := newMemStore()
	store.failures = 3
	tr.push(0, "1-0", "PostLiked", like1)
	tr.push(0, "2-0", "PostLiked", like2)

	p := startPipeline(t, tr, service.NewProcessor(nil, 0), store, nil)

	require.Eventually(t, func() bool {
		acked, _, pending := tr.snapshot()
		return len(acked) == 2 && pending == 0
	}, 2*time.Second, 5*time.Millisecond)

	acked, dead, _ := tr.snapshot()
	assert.Equal(t, []string{"1-0", "2-0"}, acked)
	assert.Empty(t, dead)

	writes := store.writes()
	require.Len(t, writes, 2)
	assert.Equal(t, int64(9), writes[0].ActorID)
	assert.Equal(t, int64(8), writes[1].ActorID)
	assert.Equal(t, int64(3), p.Stats().Retries)
}

func TestPipeline_ResolutionErrorNotAcked(t *testing.T) {
	tr := newMemTransport(1)
	store := newMemStore()
	tr.push(0, "1-0", "PostCreated", `{"creatorId":77,"content":"hi","postId":1}`)

	p := startPipeline(t, tr, service.NewProcessor(followers{}, 0), store, nil)

	require.Eventually(t, func() bool { return p.Stats().Retries >= 2 }, time.Second, 5*time.Millisecond)
	acked, dead, pending := tr.snapshot()
	assert.Empty(t, acked)
	assert.Empty(t, dead)
	assert.Equal(t, 1, pending)
}

func TestPipeline_DeadLetterFailureKeepsMessage(t *testing.T) {
	tr := newMemTransport(1)
	tr.dlqErr = errors.New("dlq down")
	tr.push(0, "1-0", "Nope", `{}`)

	p := startPipeline(t, tr, service.NewProcessor(nil, 0), newMemStore(), nil)

	require.Eventually(t, func() bool { return p.Stats().Retries >= 1 }, time.Second, 5*time.Millisecond)
	acked, _, pending := tr.snapshot()
	assert.Empty(t, acked)
	assert.Equal(t, 1, pending)
}

func TestPipeline_FanOutAcrossShards(t *testing.T) {
	tr := newMemTransport(2)
	store := newMemStore()
	tr.push(0, "1-0", "PostCreated", `{"creatorId":5,"content":"hi","postId":1}`)
	tr.push(1, "1-0", "PostLiked", `{"postId":2,"creatorId":6,"likedByUserId":9}`)

	startPipeline(t, tr, service.NewProcessor(followers{5: {2, 3}}, 0), store, nil)

	require.Eventually(t, func() bool {
		acked, _, _ := tr.snapshot()
		return len(acked) == 2
	}, time.Second, 5*time.Millisecond)

	var got []int64
	for _, d := range store.writes() {
		got = append(got, d.RecipientID)
	}
	assert.ElementsMatch(t, []int64{2, 3, 6}, got)
}

type recordingProjector struct {
	mu     sync.Mutex
	events []event.Event
}

func (r *recordingProjector) Apply(_ context.Context, ev event.Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
	return nil
}

func TestPipeline_ProjectorSeesEvents(t *testing.T) {
	tr := newMemTransport(1)
	proj := &recordingProjector{}
	tr.push(0, "1-0", "UserFollowed", `{"followerId":3,"followeeId":5}`)

	startPipeline(t, tr, service.NewProcessor(nil, 0), newMemStore(), proj)

	require.Eventually(t, func() bool {
		acked, _, _ := tr.snapshot()
		return len(acked) == 1
	}, time.Second, 5*time.Millisecond)
	proj.mu.Lock()
	defer proj.mu.Unlock()
	assert.Equal(t, []event.Event{event.UserFollowed{FollowerID: 3, FolloweeID: 5}}, proj.events)
}

func TestPipeline_StopIsPrompt(t *testing.T) {
	tr := newMemTransport(3)
	p := New(tr, tr, service.NewProcessor(nil, 0), newMemStore(), nil, fastRetry)
	stop := p.Start(context.Background())

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	assert.NoError(t, stop(ctx))
}

// gatedStore 第一次写入时通知 entered 并等待 release
type gatedStore struct {
	*memStore
	once    sync.Once
	entered chan struct{}
	release chan struct{}
}

func (g *gatedStore) InsertIfAbsent(ctx context.Context, d model.Draft) (*model.Notification, bool, error) {
	g.once.Do(func() {
		close(g.entered)
		<-g.release
	})
	return g.memStore.InsertIfAbsent(ctx, d)
}

func TestPipeline_StopDuringWriteFinishesInFlightOnly(t *testing.T) {
	tr := newMemTransport(1)
	tr.push(0, "1-0", "PostLiked", `{"postId":1,"creatorId":5,"likedByUserId":9}`)
	tr.push(0, "2-0", "PostLiked", `{"postId":1,"creatorId":5,"likedByUserId":8}`)
	store := &gatedStore{memStore: newMemStore(), entered: make(chan struct{}), release: make(chan struct{})}

	p := New(tr, tr, service.NewProcessor(nil, 0), store, nil, fastRetry)
	stop := p.Start(context.Background())

	select {
	case <-store.entered:
	case <-time.After(time.Second):
		t.Fatal("first write never started")
	}

	// 已过期的 ctx：stop 立即取消 worker 并返回，不等待
	expired, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, stop(expired), context.Canceled)

	acked, _, pending := tr.snapshot()
	assert.Empty(t, acked, "nothing acked while the write is in flight")
	assert.Equal(t, 2, pending)

	close(store.release)
	ctx, cancelWait := context.WithTimeout(context.Background(), time.Second)
	defer cancelWait()
	require.NoError(t, stop(ctx))

	acked, _, pending = tr.snapshot()
	assert.Equal(t, []string{"1-0"}, acked)
	assert.Equal(t, 1, pending)
	writes := store.writes()
	require.Len(t, writes, 1)
	assert.Equal(t, int64(9), writes[0].ActorID)
	assert.Equal(t, int64(1), p.Stats().Acked)
}

func TestIsPermanent(t *testing.T) {
	assert.True(t, IsPermanent(event.ErrMalformedEvent))
	assert.True(t, IsPermanent(event.ErrUnsupportedEventType))
	assert.False(t, IsPermanent(service.ErrRecipientResolution))
	assert.False(t, IsPermanent(repository.ErrStore))
	assert.False(t, IsPermanent(errors.New("boom")))
}
