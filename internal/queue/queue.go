// Package queue publishes job lifecycle events so the dequeue loop can wake
// up ahead of its poll interval. The loop stays correct without a queue; the
// events only shave latency off pickup.
package queue

type Queue interface {
	PublishEvent(event QueueEvent, id string) error
	SubscribeEvent(event QueueEvent, handler func(id string) error) error
	Shutdown()
}

type QueueEvent string

const (
	JobCreated QueueEvent = "events.job.created"
)
