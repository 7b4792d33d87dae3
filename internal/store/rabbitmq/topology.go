package rabbitmq

import (
	"github.com/pkg/errors"
	amqp "github.com/rabbitmq/amqp091-go"
)

// Queues names the three queues behind one logical work queue: the main
// queue, a delay queue whose expired messages flow back into main, and a
// dead-letter queue for messages that can never succeed.
type Queues struct {
	Main  string
	Retry string
	DLQ   string
}

func QueuesFor(name string) Queues {
	return Queues{Main: name, Retry: name + ".retry", DLQ: name + ".dlq"}
}

// Declare creates the queues idempotently. Publisher and worker both call it
// so either may start first.
func (q Queues) Declare(ch *amqp.Channel) error {
	if _, err := ch.QueueDeclare(q.DLQ, true, false, false, false, nil); err != nil {
		return errors.Wrapf(err, "declare %s", q.DLQ)
	}

	// Retry queue: per-message TTL, then dead-letter back to main
	if _, err := ch.QueueDeclare(q.Retry, true, false, false, false, amqp.Table{
		"x-dead-letter-exchange":    "",
		"x-dead-letter-routing-key": q.Main,
	}); err != nil {
		return errors.Wrapf(err, "declare %s", q.Retry)
	}

	// Main queue: dead-letter to DLQ on reject/nack(requeue=false)
	if _, err := ch.QueueDeclare(q.Main, true, false, false, false, amqp.Table{
		"x-dead-letter-exchange":    "",
		"x-dead-letter-routing-key": q.DLQ,
	}); err != nil {
		return errors.Wrapf(err, "declare %s", q.Main)
	}
	return nil
}
