package runtime

import (
	"chat-relay/contract"
	"chat-relay/domain/event"
	"chat-relay/errors"
	"chat-relay/observability"
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/samber/lo"
)

// Ensure *Broadcaster implements the contract.IBroadcaster interface at compile time.
var _ contract.IBroadcaster = (*Broadcaster)(nil)

// FanoutPolicy decides whether the sender gets its own message back.
type FanoutPolicy int

const (
	// IncludeSender echoes the message to the sender like any other member.
	IncludeSender FanoutPolicy = iota
	// ExcludeSender skips the sender.
	ExcludeSender
)

func PolicyFromEcho(echo bool) FanoutPolicy {
	if echo {
		return IncludeSender
	}
	return ExcludeSender
}

// Broadcaster delivers a message to every member of a room.
//
// It provides best-effort fan-out with no guarantees regarding delivery,
// ordering or retries. The member set is a snapshot taken from the registry,
// no registry lock is held while sinks are consumed.
//
// Broadcaster is safe for concurrent use by multiple goroutines.
type Broadcaster struct {
	log         *slog.Logger
	registry    contract.IRegistry
	monitor     *observability.Monitor
	policy      FanoutPolicy
	sinkTimeout time.Duration
}

func NewBroadcaster(log *slog.Logger, registry contract.IRegistry, monitor *observability.Monitor,
	policy FanoutPolicy, sinkTimeout time.Duration) *Broadcaster {
	return &Broadcaster{
		log:         log,
		registry:    registry,
		monitor:     monitor,
		policy:      policy,
		sinkTimeout: sinkTimeout,
	}
}

type delivery struct {
	member contract.Member
	err    error
}

// Broadcast hands the message to each recipient sink in its own goroutine,
// bounded by sinkTimeout. A failing member never prevents the others from
// receiving the message and is only reported.
func (b *Broadcaster) Broadcast(ctx context.Context, msg event.ChatMessage) contract.DeliveryReport {
	recipients := lo.Filter(b.registry.Members(msg.Room), func(m contract.Member, _ int) bool {
		return b.policy == IncludeSender || m.ID != msg.Sender
	})

	results := make(chan delivery, len(recipients))
	var wg sync.WaitGroup
	for _, member := range recipients {
		wg.Add(1)
		go func(m contract.Member) {
			defer wg.Done()
			results <- delivery{member: m, err: b.deliver(ctx, m, msg)}
		}(member)
	}
	wg.Wait()
	close(results)

	report := contract.DeliveryReport{Room: msg.Room, Recipients: len(recipients)}
	for res := range results {
		if res.err == nil {
			report.Delivered++
			continue
		}
		report.Failures = append(report.Failures, contract.MemberFailure{ID: res.member.ID, Err: res.err})
		b.log.Warn("Delivery failed",
			"room", msg.Room,
			"connection_id", res.member.ID,
			"error", res.err)
	}

	b.monitor.RecordBroadcast(report.Delivered, report.Failed())
	b.log.Debug("Message fanned out",
		"room", msg.Room,
		"recipients", report.Recipients,
		"delivered", report.Delivered)
	return report
}

func (b *Broadcaster) deliver(ctx context.Context, m contract.Member, msg event.ChatMessage) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%w: sink panic: %v", errors.ErrMemberUnreachable, r)
		}
	}()
	sinkCtx, cancel := context.WithTimeout(ctx, b.sinkTimeout)
	defer cancel()
	if err := m.Sink.Consume(sinkCtx, msg); err != nil {
		return fmt.Errorf("%w: %w", errors.ErrMemberUnreachable, err)
	}
	return nil
}
