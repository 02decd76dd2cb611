package consume

import (
	"sync"

	amqp "github.com/rabbitmq/amqp091-go"
)

// ackOnce settles an AMQP delivery at most once. The coordinator may try to
// ack a delivery that was already settled on another path; the second call
// must be a no-op, never a channel error that kills the worker.
type ackOnce struct {
	mu      sync.Mutex
	d       amqp.Delivery
	settled bool
}

func newAckOnce(d amqp.Delivery) *ackOnce {
	return &ackOnce{d: d}
}

func (a *ackOnce) Ack() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.settled {
		return nil
	}
	a.settled = true
	return a.d.Ack(false)
}

// Requeue returns the delivery to the broker for redelivery.
func (a *ackOnce) Requeue() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.settled {
		return nil
	}
	a.settled = true
	return a.d.Nack(false, true)
}

// Reject drops the delivery without requeue.
func (a *ackOnce) Reject() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.settled {
		return nil
	}
	a.settled = true
	return a.d.Nack(false, false)
}
