//go:generate go run go.uber.org/mock/mockgen -source=contract.go -destination=../mocks/mock_contract.go -package=mocks
package contract

import (
	"chat-relay/domain"
	"chat-relay/domain/event"
	"context"
	"reflect"
)

type ISupervisor interface {
	Add(worker ...Worker) ISupervisor
	Run(ctx context.Context)
	Start(ctx context.Context, worker Worker)
	Stop()
}

// Worker doesn't protect itself
// Can be silly, focused
type Worker interface {
	Run(ctx context.Context) error
}

// GetWorkerName uses reflection to retrieve the type name of the worker.
// This is used for logging and supervision purposes during worker initialization
// or lifecycle events, avoiding the need for manual naming in the Worker interface.
func GetWorkerName(w Worker) string {
	if w == nil {
		return "NilWorker"
	}
	t := reflect.TypeOf(w)
	for t.Kind() == reflect.Ptr {
		t = t.Elem()
	}
	return t.Name()
}

// EventSink is the send capability of one connection.
// It is owned by the transport, the registry only keeps a reference to it.
type EventSink interface {
	Consume(ctx context.Context, e event.Event) error
}

// Member is a point-in-time copy of one room membership.
type Member struct {
	ID   domain.ConnectionID
	Sink EventSink
}

type IRegistry interface {
	Join(room domain.RoomName, id domain.ConnectionID, sink EventSink)
	Leave(room domain.RoomName, id domain.ConnectionID)
	Members(room domain.RoomName) []Member
}

type IBroadcaster interface {
	Broadcast(ctx context.Context, msg event.ChatMessage) DeliveryReport
}

type IModerator interface {
	Censor(content string) (string, []string)
}

// MemberFailure records a delivery that did not reach a member.
type MemberFailure struct {
	ID  domain.ConnectionID
	Err error
}

// DeliveryReport summarises one fan-out, for observability only.
// Relayed is set when the message was handed to a channel layer instead of local members.
type DeliveryReport struct {
	Room       domain.RoomName
	Recipients int
	Delivered  int
	Failures   []MemberFailure
	Relayed    bool
}

func (r DeliveryReport) Failed() int {
	return len(r.Failures)
}
