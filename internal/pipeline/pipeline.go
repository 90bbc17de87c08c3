// Package pipeline 事件消费流水线：每个分片一个 worker，分片内严格按投递顺序处理。
//
// 单条消息状态：Received → Deserialized → Processed → Persisted → Acknowledged，
// 任一步失败进入 Failed。永久失败写死信后 ack；暂时失败不 ack，退避后重读
// 本分片的待确认列表，由传输层重投同一条消息。
package pipeline

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v5"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"

	"github.com/d60-Lab/notification-service/internal/event"
	"github.com/d60-Lab/notification-service/internal/model"
	"github.com/d60-Lab/notification-service/pkg/errtrack"
	"github.com/d60-Lab/notification-service/pkg/logger"
)

// Message 传输层投递的一条消息
type Message struct {
	ID      string
	Shard   int
	Stream  string
	Type    string // 事件类型头
	Key     string // 分区 key
	Payload []byte
}

// Transport 分片消息源
type Transport interface {
	Shards() int
	// Fetch pending=true 时返回已投递未确认的消息（不阻塞），否则等待新消息
	Fetch(ctx context.Context, shard int, pending bool) ([]Message, error)
	Ack(ctx context.Context, msg Message) error
}

// DeadLetterSink 无法处理的消息去处
type DeadLetterSink interface {
	DeadLetter(ctx context.Context, msg Message, reason error) error
}

type Processor interface {
	Process(ctx context.Context, ev event.Event) ([]model.Draft, error)
}

type Store interface {
	InsertIfAbsent(ctx context.Context, d model.Draft) (*model.Notification, bool, error)
}

// Projector 在持久化通知前更新派生索引（如粉丝表），必须幂等
type Projector interface {
	Apply(ctx context.Context, ev event.Event) error
}

type Options struct {
	RetryInitial time.Duration
	RetryMax     time.Duration
	WriteTimeout time.Duration
}

// Stats 运行计数（采样值）
type Stats struct {
	Acked        int64
	Persisted    int64
	Duplicates   int64
	DeadLettered int64
	Retries      int64
}

type Pipeline struct {
	transport Transport
	dlq       DeadLetterSink
	processor Processor
	store     Store
	projector Projector
	opts      Options

	acked        atomic.Int64
	persisted    atomic.Int64
	duplicates   atomic.Int64
	deadLettered atomic.Int64
	retries      atomic.Int64
}

func New(transport Transport, dlq DeadLetterSink, processor Processor, store Store, projector Projector, opts Options) *Pipeline {
	if opts.RetryInitial <= 0 {
		opts.RetryInitial = 200 * time.Millisecond
	}
	if opts.RetryMax <= 0 {
		opts.RetryMax = 30 * time.Second
	}
	if opts.WriteTimeout <= 0 {
		opts.WriteTimeout = 5 * time.Second
	}
	return &Pipeline{transport: transport, dlq: dlq, processor: processor, store: store, projector: projector, opts: opts}
}

func (p *Pipeline) Stats() Stats {
	return Stats{
		Acked:        p.acked.Load(),
		Persisted:    p.persisted.Load(),
		Duplicates:   p.duplicates.Load(),
		DeadLettered: p.deadLettered.Load(),
		Retries:      p.retries.Load(),
	}
}

// Start 为每个分片启动一个 worker；返回停止函数。
// 停止时不再拉取新消息，正在处理的消息处理完毕后 worker 退出。
func (p *Pipeline) Start(ctx context.Context) func(context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	var wg sync.WaitGroup
	for shard := 0; shard < p.transport.Shards(); shard++ {
		wg.Add(1)
		go func(shard int) {
			defer wg.Done()
			p.runShard(ctx, shard)
		}(shard)
	}
	logger.Info("pipeline started", zap.Int("shards", p.transport.Shards()))

	return func(stopCtx context.Context) error {
		cancel()
		done := make(chan struct{})
		go func() {
			wg.Wait()
			close(done)
		}()
		select {
		case <-done:
			logger.Info("pipeline stopped")
			return nil
		case <-stopCtx.Done():
			return stopCtx.Err()
		}
	}
}

func (p *Pipeline) newBackOff() *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = p.opts.RetryInitial
	b.MaxInterval = p.opts.RetryMax
	return b
}

func (p *Pipeline) runShard(ctx context.Context, shard int) {
	bo := p.newBackOff()
	// 启动时先处理上次遗留的待确认消息
	pending := true
	for ctx.Err() == nil {
		msgs, err := p.transport.Fetch(ctx, shard, pending)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			logger.Warn("fetch failed", zap.Int("shard", shard), zap.Error(err))
			p.sleep(ctx, bo.NextBackOff())
			continue
		}
		if pending && len(msgs) == 0 {
			pending = false
			continue
		}

		failed := false
		for _, msg := range msgs {
			if ctx.Err() != nil {
				// 未开始处理的消息留在待确认列表，下次启动重投
				return
			}
			if err := p.handle(ctx, msg); err != nil {
				failed = true
				p.retries.Add(1)
				wait := bo.NextBackOff()
				logger.Warn("message not acknowledged, will redeliver",
					zap.Int("shard", shard),
					zap.String("id", msg.ID),
					zap.String("type", msg.Type),
					zap.Duration("backoff", wait),
					zap.Error(err))
				p.sleep(ctx, wait)
				break
			}
			bo.Reset()
		}
		// 失败后从待确认列表重读，保证重投消息排在后续消息之前
		pending = failed || pending
	}
}

func (p *Pipeline) sleep(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}

// handle 处理一条消息。返回 nil 表示已 ack；返回错误表示未 ack，需要重投。
func (p *Pipeline) handle(ctx context.Context, msg Message) error {
	// 写入不随停机取消，避免半途中断
	wctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), p.opts.WriteTimeout)
	defer cancel()

	wctx, span := otel.Tracer("notification-service/pipeline").Start(wctx, "pipeline.handle")
	defer span.End()
	span.SetAttributes(
		attribute.String("message.id", msg.ID),
		attribute.String("event.type", msg.Type),
		attribute.Int("shard", msg.Shard),
	)

	stage, err := p.deliver(wctx, msg)
	if err == nil {
		if err := p.transport.Ack(wctx, msg); err != nil {
			span.RecordError(err)
			return err
		}
		p.acked.Add(1)
		span.SetAttributes(attribute.String("stage", StageAcknowledged.String()))
		return nil
	}

	span.RecordError(err)
	span.SetAttributes(attribute.String("failed_at", stage.String()))
	if !IsPermanent(err) {
		span.SetStatus(codes.Error, "transient failure")
		return err
	}

	logger.Warn("dead-lettering message",
		zap.String("id", msg.ID),
		zap.String("type", msg.Type),
		zap.String("stage", stage.String()),
		zap.Error(err))
	if dlqErr := p.dlq.DeadLetter(wctx, msg, err); dlqErr != nil {
		span.SetStatus(codes.Error, "dead letter write failed")
		return dlqErr
	}
	errtrack.Capture(err, map[string]string{"event_type": msg.Type, "stage": stage.String()})
	p.deadLettered.Add(1)
	if err := p.transport.Ack(wctx, msg); err != nil {
		return err
	}
	p.acked.Add(1)
	return nil
}

// deliver 执行反序列化、处理、投影和持久化，返回失败时所处阶段
func (p *Pipeline) deliver(ctx context.Context, msg Message) (Stage, error) {
	ev, err := event.Decode(msg.Type, msg.Payload)
	if err != nil {
		return StageReceived, err
	}

	drafts, err := p.processor.Process(ctx, ev)
	if err != nil {
		return StageDeserialized, err
	}

	if p.projector != nil {
		if err := p.projector.Apply(ctx, ev); err != nil {
			return StageProcessed, err
		}
	}

	for _, d := range drafts {
		n, created, err := p.store.InsertIfAbsent(ctx, d)
		if err != nil {
			return StageProcessed, err
		}
		if created {
			p.persisted.Add(1)
		} else {
			p.duplicates.Add(1)
			logger.Debug("duplicate notification collapsed", zap.String("id", n.ID), zap.String("message", msg.ID))
		}
	}
	return StagePersisted, nil
}

// IsPermanent 重试无法成功的错误
func IsPermanent(err error) bool {
	return errors.Is(err, event.ErrMalformedEvent) || errors.Is(err, event.ErrUnsupportedEventType)
}
