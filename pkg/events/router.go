package events

import (
	"context"

	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

// EventRouter owns the pub/sub pair the streaming pipeline runs on. By
// default it uses an in-process gochannel transport; pkg/redisstream swaps in
// Redis Streams for multi-process deployments.
type EventRouter struct {
	Publisher  message.Publisher
	Subscriber message.Subscriber

	router  *message.Router
	verbose bool
}

type EventRouterOption func(*EventRouter)

func WithPublisher(p message.Publisher) EventRouterOption {
	return func(r *EventRouter) { r.Publisher = p }
}

func WithSubscriber(s message.Subscriber) EventRouterOption {
	return func(r *EventRouter) { r.Subscriber = s }
}

func WithVerbose(v bool) EventRouterOption {
	return func(r *EventRouter) { r.verbose = v }
}

func NewEventRouter(opts ...EventRouterOption) (*EventRouter, error) {
	r := &EventRouter{}
	for _, opt := range opts {
		opt(r)
	}
	logger := NewWatermillLogger(log.Logger)
	router, err := message.NewRouter(message.RouterConfig{}, logger)
	if err != nil {
		return nil, errors.Wrap(err, "new message router")
	}
	r.router = router
	if r.Publisher == nil || r.Subscriber == nil {
		goch := gochannel.NewGoChannel(gochannel.Config{OutputChannelBuffer: 64}, logger)
		if r.Publisher == nil {
			r.Publisher = goch
		}
		if r.Subscriber == nil {
			r.Subscriber = goch
		}
	}
	return r, nil
}

// Run blocks until the context is cancelled or the router fails.
func (r *EventRouter) Run(ctx context.Context) error {
	if r.verbose {
		log.Info().Msg("event router starting")
	}
	return r.router.Run(ctx)
}

// Running closes once the router is ready to deliver messages.
func (r *EventRouter) Running() <-chan struct{} {
	return r.router.Running()
}

func (r *EventRouter) Close() error {
	if err := r.router.Close(); err != nil {
		return errors.Wrap(err, "close message router")
	}
	return nil
}
