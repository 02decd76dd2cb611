package publish

import (
	amqp "github.com/rabbitmq/amqp091-go"
)

const (
	retrySuffix = ".retry"
	deadSuffix  = ".dead"
)

// RetryQueue returns the name of the delay queue paired with a work queue.
func RetryQueue(queue string) string {
	return queue + retrySuffix
}

// DeadQueue returns the name of the dead letter queue paired with a work queue.
func DeadQueue(queue string) string {
	return queue + deadSuffix
}

// DeclareTopology declares the exchange and the three queues backing a work
// queue: the queue itself, its retry queue and its dead letter queue. The
// retry queue holds no consumers; messages parked there with a per-message
// TTL dead-letter back into the work queue when the TTL fires. All declares
// are idempotent.
func DeclareTopology(ch *amqp.Channel, exchange, queue string) error {
	if err := ch.ExchangeDeclare(
		exchange,
		"direct",
		true,  // durable
		false, // auto-delete
		false, // internal
		false, // no-wait
		nil,
	); err != nil {
		return err
	}

	if _, err := ch.QueueDeclare(
		queue,
		true,  // durable
		false, // auto-delete
		false, // exclusive
		false, // no-wait
		nil,
	); err != nil {
		return err
	}
	if err := ch.QueueBind(queue, queue, exchange, false, nil); err != nil {
		return err
	}

	retry := RetryQueue(queue)
	if _, err := ch.QueueDeclare(
		retry,
		true,
		false,
		false,
		false,
		amqp.Table{
			"x-dead-letter-exchange":    exchange,
			"x-dead-letter-routing-key": queue,
		},
	); err != nil {
		return err
	}
	if err := ch.QueueBind(retry, retry, exchange, false, nil); err != nil {
		return err
	}

	dead := DeadQueue(queue)
	if _, err := ch.QueueDeclare(
		dead,
		true,
		false,
		false,
		false,
		nil,
	); err != nil {
		return err
	}
	if err := ch.QueueBind(dead, dead, exchange, false, nil); err != nil {
		return err
	}

	return nil
}
