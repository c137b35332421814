package jetstream

import (
	"errors"
	"strings"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/opengisch/fieldq/internal/config"
	"github.com/opengisch/fieldq/internal/logger"
	"github.com/opengisch/fieldq/internal/queue"
)

type JetStreamClient struct {
	connection *nats.Conn
	context    nats.JetStreamContext
	stream     string
}

func New(cfg *config.NatsConfig) (queue.Queue, error) {
	nc, err := nats.Connect(cfg.URL,
		nats.MaxReconnects(-1),            // infinite retries
		nats.ReconnectWait(2*time.Second), // backoff
		nats.Name("fieldq"),
	)
	if err != nil {
		return nil, err
	}

	js, err := nc.JetStream()
	if err != nil {
		return nil, err
	}

	_, err = js.AddStream(&nats.StreamConfig{
		Name:     cfg.Stream,
		Subjects: []string{"events.>"},
	})
	if err != nil && !errors.Is(err, nats.ErrStreamNameAlreadyInUse) {
		return nil, err
	}

	_, err = js.AddConsumer(cfg.Stream, &nats.ConsumerConfig{
		Durable:    "dequeue",
		AckPolicy:  nats.AckExplicitPolicy,
		AckWait:    20 * time.Second,
		MaxDeliver: 5,
		BackOff: []time.Duration{
			5 * time.Second,
			15 * time.Second,
			30 * time.Second,
		},
		DeliverPolicy: nats.DeliverNewPolicy,
	})
	if err != nil && !strings.Contains(err.Error(), "consumer name already in use") {
		return nil, err
	}

	return &JetStreamClient{
		connection: nc,
		context:    js,
		stream:     cfg.Stream,
	}, nil
}

func (c *JetStreamClient) PublishEvent(event queue.QueueEvent, id string) error {
	_, err := c.context.Publish(string(event), []byte(id))
	return err
}

func (c *JetStreamClient) SubscribeEvent(event queue.QueueEvent, handler func(id string) error) error {
	sub, err := c.context.PullSubscribe(string(event), "dequeue", nats.ManualAck(), nats.AckExplicit())
	if err != nil {
		return err
	}

	go func() {
		for {
			msgs, err := sub.Fetch(1, nats.MaxWait(30*time.Second))
			if err != nil {
				if errors.Is(err, nats.ErrTimeout) {
					continue
				}
				if errors.Is(err, nats.ErrConnectionClosed) {
					return
				}
				time.Sleep(time.Second)
				continue
			}

			for _, msg := range msgs {
				id := string(msg.Data)
				if err := handler(id); err != nil {
					logger.Log.Warn().Err(err).Str("id", id).Msg("event handler failed")
					_ = msg.Nak()
					continue
				}
				_ = msg.Ack()
			}
		}
	}()
	return nil
}

func (c *JetStreamClient) Shutdown() {
	_ = c.connection.Drain() // flush + stop new messages
	c.connection.Close()
}
