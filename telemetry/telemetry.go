// Package telemetry publishes link-health counters (frames sent/
// received, retransmits, bad frames, current UART-lock state) to Redis,
// so an operator can watch a uartlink from outside the process. It is
// strictly best-effort: a slow or unreachable Redis must never slow
// down or block the link engine.
package telemetry

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"uartlink/engine"
)

// Publisher implements engine.Reporter against a Redis hash + pub/sub
// channel, the same write-and-publish shape used elsewhere in this
// stack for state reporting.
type Publisher struct {
	client *redis.Client
	key    string

	reports chan engine.Stats
	done    chan struct{}
}

// Config names the Redis connection and the hash key reports are
// written under.
type Config struct {
	Addr     string
	Password string
	DB       int

	// Key is the Redis hash holding the link's counters, and the
	// pub/sub channel name counters are published to on change.
	Key string
}

// DefaultConfig returns conventional settings for a local Redis.
func DefaultConfig() Config {
	return Config{
		Addr: "127.0.0.1:6379",
		DB:   0,
		Key:  "uartlink:stats",
	}
}

// New connects to Redis and starts the background publish loop. The
// returned Publisher must be closed with Close.
func New(cfg Config) (*Publisher, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := client.Ping(context.Background()).Err(); err != nil {
		return nil, fmt.Errorf("telemetry: connect to redis: %w", err)
	}

	p := &Publisher{
		client:  client,
		key:     cfg.Key,
		reports: make(chan engine.Stats, 8),
		done:    make(chan struct{}),
	}
	go p.run()
	return p, nil
}

// Report satisfies engine.Reporter. It never blocks: if the internal
// queue is full (Redis is slow or down), the snapshot is dropped and a
// later one will eventually get through.
func (p *Publisher) Report(s engine.Stats) {
	select {
	case p.reports <- s:
	default:
	}
}

func (p *Publisher) run() {
	defer close(p.done)
	ctx := context.Background()
	for s := range p.reports {
		pipe := p.client.Pipeline()
		pipe.HSet(ctx, p.key, map[string]interface{}{
			"frames_sent": s.FramesSent,
			"frames_recv": s.FramesRecv,
			"acks_sent":   s.AcksSent,
			"retransmits": s.Retransmits,
			"bad_frames":  s.BadFrames,
			"uart_locked": s.UARTLocked,
		})
		pipe.Publish(ctx, p.key, fmt.Sprintf("retransmits:%d", s.Retransmits))
		pipe.Exec(ctx)
	}
}

// Close stops the publish loop and closes the Redis connection. Pending
// reports already queued are flushed with a short grace period before
// closing is forced.
func (p *Publisher) Close() error {
	close(p.reports)
	select {
	case <-p.done:
	case <-time.After(time.Second):
	}
	return p.client.Close()
}
