// Package relay fans committed frames out across server instances through
// redis pub/sub: every commit is published to the document's channel, and
// every instance relays what it receives to its local subscribers.
package relay

import (
	"context"
	"log"
	"strings"

	"github.com/cenkalti/backoff"
	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
)

const channelPrefix = "doc:"

// Handler receives every frame published to a document channel, local
// publishes included.
type Handler func(documentID string, payload []byte)

type frame struct {
	documentID string
	payload    []byte
}

// Redis is the pub/sub relay. Publish is non-blocking; a single goroutine
// drains the outbound queue so a document's frames reach redis in the order
// they were enqueued.
type Redis struct {
	rdb     *redis.Client
	handler Handler
	out     chan frame
}

func New(rdb *redis.Client, handler Handler) *Redis {
	return &Redis{
		rdb:     rdb,
		handler: handler,
		out:     make(chan frame, 1024),
	}
}

// Publish queues a frame for the document's channel. On a full queue the
// frame is dropped with a log line rather than stalling the edit path.
func (r *Redis) Publish(documentID string, payload []byte) {
	select {
	case r.out <- frame{documentID: documentID, payload: payload}:
	default:
		log.Printf("relay: outbound queue full, dropping frame for doc=%s", documentID)
	}
}

// Run pumps outbound frames to redis and relays inbound ones to the handler
// until ctx is done. The subscription is re-established with exponential
// backoff if the connection drops.
func (r *Redis) Run(ctx context.Context) {
	go r.publishLoop(ctx)

	policy := backoff.WithContext(backoff.NewExponentialBackOff(), ctx)
	for {
		err := backoff.Retry(func() error {
			return r.subscribe(ctx)
		}, policy)
		if ctx.Err() != nil {
			return
		}
		if err != nil {
			log.Printf("relay: subscription lost: %v", err)
		}
		policy.Reset()
	}
}

func (r *Redis) publishLoop(ctx context.Context) {
	for {
		select {
		case f := <-r.out:
			if err := r.rdb.Publish(ctx, channelPrefix+f.documentID, f.payload).Err(); err != nil {
				log.Printf("relay: publish to doc=%s failed: %v", f.documentID, err)
			}
		case <-ctx.Done():
			return
		}
	}
}

func (r *Redis) subscribe(ctx context.Context) error {
	pubsub := r.rdb.PSubscribe(ctx, channelPrefix+"*")
	defer pubsub.Close()

	ch := pubsub.Channel()
	log.Printf("relay: subscribed to %s*", channelPrefix)
	for {
		select {
		case msg, ok := <-ch:
			if !ok {
				return errors.New("pubsub channel closed")
			}
			documentID := strings.TrimPrefix(msg.Channel, channelPrefix)
			r.handler(documentID, []byte(msg.Payload))
		case <-ctx.Done():
			return nil
		}
	}
}
