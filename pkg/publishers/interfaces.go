package publishers

import "context"

// Publisher sends build events to a downstream sink (dashboard, SQS, SNS, Pub/Sub).
type Publisher interface {
	ID() string
	Type() string
	Publish(ctx context.Context, evt Event) error
}
