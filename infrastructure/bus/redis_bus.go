package bus

import (
	"chat-relay/contract"
	"chat-relay/domain"
	"chat-relay/domain/event"
	"chat-relay/errors"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// Ensure *RedisBus implements the contract.IBroadcaster and contract.Worker interfaces at compile time.
var (
	_ contract.IBroadcaster = (*RedisBus)(nil)
	_ contract.Worker       = (*RedisBus)(nil)
)

// busMessage is what travels on the channel layer between relay nodes.
type busMessage struct {
	ID      uuid.UUID `json:"id"`
	Room    string    `json:"room"`
	Sender  string    `json:"sender"`
	Content string    `json:"content"`
	At      time.Time `json:"at"`
}

// RedisBus spreads a room across several relay nodes.
// Broadcast publishes on the room group channel, Run subscribes to every group
// and hands what it receives to the local broadcaster, so each node only
// delivers to its own members.
// Local delivery runs on one drain goroutine per room: messages of a room keep
// their order and a stalled room never holds the subscription loop.
type RedisBus struct {
	rdb       *redis.Client
	local     contract.IBroadcaster
	log       *slog.Logger
	ready     chan struct{}
	readyOnce sync.Once

	mu      sync.Mutex
	pending map[domain.RoomName][]event.ChatMessage
	drains  sync.WaitGroup
}

// NewRedisBus connects to redis and verifies connectivity.
func NewRedisBus(ctx context.Context, addr string, db int, local contract.IBroadcaster, log *slog.Logger) (*RedisBus, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr: addr,
		DB:   db,
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("redis unreachable at %s: %w", addr, err)
	}
	return NewRedisBusFromClient(rdb, local, log), nil
}

func NewRedisBusFromClient(rdb *redis.Client, local contract.IBroadcaster, log *slog.Logger) *RedisBus {
	return &RedisBus{
		rdb:     rdb,
		local:   local,
		log:     log,
		ready:   make(chan struct{}),
		pending: make(map[domain.RoomName][]event.ChatMessage),
	}
}

// Broadcast publishes the message for every node, this one included.
// If redis can't take it, the message is at least delivered to the local members.
func (b *RedisBus) Broadcast(ctx context.Context, msg event.ChatMessage) contract.DeliveryReport {
	raw, err := json.Marshal(busMessage{
		ID:      msg.ID,
		Room:    msg.Room.String(),
		Sender:  msg.Sender.String(),
		Content: msg.Content,
		At:      msg.At,
	})
	if err == nil {
		err = b.rdb.Publish(ctx, msg.Room.Group(), raw).Err()
	}
	if err != nil {
		b.log.Warn("Publish failed, delivering locally", "room", msg.Room, "error", err)
		return b.local.Broadcast(ctx, msg)
	}
	return contract.DeliveryReport{Room: msg.Room, Relayed: true}
}

// Run subscribes to every room group until ctx is canceled.
// A closed subscription is returned as an error so the supervisor restarts it.
// Run returns once the room drains it started are done.
func (b *RedisBus) Run(ctx context.Context) error {
	pubsub := b.rdb.PSubscribe(ctx, domain.GroupPrefix+"*")
	defer b.drains.Wait()
	defer func() { _ = pubsub.Close() }()

	// Wait for the subscription confirmation before declaring the bus ready
	if _, err := pubsub.Receive(ctx); err != nil {
		return fmt.Errorf("subscription failed: %w", err)
	}
	b.readyOnce.Do(func() { close(b.ready) })
	b.log.Info("Subscribed to channel layer", "pattern", domain.GroupPrefix+"*")

	ch := pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-ch:
			if !ok {
				return errors.ErrBusClosed
			}
			b.dispatch(ctx, msg)
		}
	}
}

func (b *RedisBus) dispatch(ctx context.Context, msg *redis.Message) {
	var bm busMessage
	if err := json.Unmarshal([]byte(msg.Payload), &bm); err != nil {
		b.log.Warn("Dropping undecodable bus message", "channel", msg.Channel, "error", err)
		return
	}
	room, err := domain.ParseRoomName(bm.Room)
	if err != nil || room.Group() != msg.Channel {
		b.log.Warn("Dropping bus message for an invalid room", "channel", msg.Channel, "room", bm.Room)
		return
	}
	b.enqueue(ctx, event.ChatMessage{
		ID:      bm.ID,
		Room:    room,
		Sender:  domain.ConnectionID(bm.Sender),
		Content: bm.Content,
		At:      bm.At,
	})
}

// enqueue queues msg behind the room's running drain, or starts one.
func (b *RedisBus) enqueue(ctx context.Context, msg event.ChatMessage) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if queue, running := b.pending[msg.Room]; running {
		b.pending[msg.Room] = append(queue, msg)
		return
	}
	b.pending[msg.Room] = nil
	b.drains.Add(1)
	go b.drain(ctx, msg)
}

// drain delivers msg and then whatever got queued for its room meanwhile.
// It exits, and forgets the room, as soon as the queue is empty.
func (b *RedisBus) drain(ctx context.Context, msg event.ChatMessage) {
	defer b.drains.Done()
	room := msg.Room
	for {
		b.local.Broadcast(ctx, msg)

		b.mu.Lock()
		queue := b.pending[room]
		if len(queue) == 0 {
			delete(b.pending, room)
			b.mu.Unlock()
			return
		}
		msg, b.pending[room] = queue[0], queue[1:]
		b.mu.Unlock()
	}
}

// Ready is closed once the first subscription has been confirmed by redis.
func (b *RedisBus) Ready() <-chan struct{} { return b.ready }

// Close shuts down the redis connection.
func (b *RedisBus) Close() error { return b.rdb.Close() }
