// Package noop is the queue used when no broker is configured. Publishing is
// a no-op and subscribers never fire; the dequeue loop falls back to polling.
package noop

import "github.com/opengisch/fieldq/internal/queue"

type NoopQueue struct{}

func New() queue.Queue {
	return &NoopQueue{}
}

func (q *NoopQueue) PublishEvent(event queue.QueueEvent, id string) error {
	return nil
}

func (q *NoopQueue) SubscribeEvent(event queue.QueueEvent, handler func(id string) error) error {
	return nil
}

func (q *NoopQueue) Shutdown() {}
