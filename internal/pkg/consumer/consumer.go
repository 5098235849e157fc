package consumer

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/gofiber/fiber/v2/log"
	"github.com/redis/go-redis/v9"

	"github.com/plcloud/metering/internal/pkg/ledger"
)

const popTimeout = 2 * time.Second

// Consumer drains the inbound lifecycle event queue (a redis list) and
// applies each event to the billing ledger. Delivery is at-least-once; the
// ledger deduplicates by (message_id, res_id).
type Consumer struct {
	client  *redis.Client
	service *ledger.Service
	queue   string
	workers int
	stopCh  chan struct{}
	wg      sync.WaitGroup
	mu      sync.Mutex
	running bool
}

// New creates a consumer for the given queue.
func New(client *redis.Client, service *ledger.Service, queue string, workers int) *Consumer {
	if workers <= 0 {
		workers = 3 // Default number of workers
	}
	return &Consumer{
		client:  client,
		service: service,
		queue:   queue,
		workers: workers,
		stopCh:  make(chan struct{}),
	}
}

// Start starts the consumer workers.
func (c *Consumer) Start() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.running {
		return
	}
	c.running = true
	log.Infof("[Consumer] Starting %d workers on queue %s", c.workers, c.queue)

	for i := 0; i < c.workers; i++ {
		c.wg.Add(1)
		go c.worker(i)
	}
}

// Stop stops the workers and waits for in-flight events to finish.
func (c *Consumer) Stop() {
	c.mu.Lock()
	if !c.running {
		c.mu.Unlock()
		return
	}
	c.running = false
	close(c.stopCh)
	c.mu.Unlock()

	c.wg.Wait()
	log.Infof("[Consumer] Stopped")
}

func (c *Consumer) worker(id int) {
	defer c.wg.Done()
	ctx := context.Background()

	for {
		select {
		case <-c.stopCh:
			return
		default:
		}

		result, err := c.client.BRPop(ctx, popTimeout, c.queue).Result()
		if err != nil {
			if !errors.Is(err, redis.Nil) {
				log.Errorf("[Consumer] worker %d: pop: %v", id, err)
				time.Sleep(time.Second)
			}
			continue
		}
		// BRPop returns [key, value].
		if len(result) < 2 {
			continue
		}
		c.handle(ctx, result[1])
	}
}

func (c *Consumer) handle(ctx context.Context, body string) {
	var ev ledger.Event
	if err := json.Unmarshal([]byte(body), &ev); err != nil {
		log.Errorf("[Consumer] dropping malformed event payload: %v", err)
		return
	}

	if err := c.service.Apply(ctx, ev); err != nil {
		switch {
		case errors.Is(err, ledger.ErrValidation), errors.Is(err, ledger.ErrConflict):
			// Not retryable; the event log keeps the payload for audit.
			log.Warnf("[Consumer] event %s rejected: %v", ev.MessageID, err)
		default:
			log.Errorf("[Consumer] event %s failed, requeueing: %v", ev.MessageID, err)
			if err := c.client.LPush(ctx, c.queue, body).Err(); err != nil {
				log.Errorf("[Consumer] requeue event %s: %v", ev.MessageID, err)
			}
		}
	}
}
