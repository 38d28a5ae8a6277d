package notify

import (
	"context"

	"github.com/google/uuid"
)

// InsertFunc enqueues a notification job. Typically a closure over
// river.Client.Insert, provided by main.
type InsertFunc func(ctx context.Context, args SendNotificationArgs) error

// QueueNotifier enqueues notifications for background delivery.
type QueueNotifier struct {
	insert InsertFunc
}

func NewQueueNotifier(insert InsertFunc) *QueueNotifier {
	return &QueueNotifier{insert: insert}
}

func (n *QueueNotifier) Notify(ctx context.Context, userID uuid.UUID, title, body string, data map[string]string) error {
	return n.insert(ctx, SendNotificationArgs{UserID: userID, Title: title, Body: body, Data: data})
}
