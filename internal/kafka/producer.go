package kafka

import (
	"context"
	"encoding/json"
	"time"

	"github.com/IBM/sarama"

	"github.com/filaflow/queue-engine/pkg/logger"
)

type Producer interface {
	PublishTicketIssued(ctx context.Context, event TicketIssuedEvent) error
	PublishTicketCalled(ctx context.Context, event TicketCalledEvent) error
	PublishTicketAttended(ctx context.Context, event TicketAttendedEvent) error
	PublishTicketCancelled(ctx context.Context, event TicketCancelledEvent) error
	PublishTicketTraded(ctx context.Context, event TicketTradedEvent) error
	Close() error
}

type implProducer struct {
	l    logger.Logger
	prod sarama.SyncProducer
}

func NewProducer(prod sarama.SyncProducer, l logger.Logger) Producer {
	return &implProducer{
		l:    l,
		prod: prod,
	}
}

func (p *implProducer) PublishTicketIssued(ctx context.Context, event TicketIssuedEvent) error {
	event.Timestamp = time.Now()
	return p.publish(ctx, TopicTicketIssued, event.QueueID, event)
}

func (p *implProducer) PublishTicketCalled(ctx context.Context, event TicketCalledEvent) error {
	event.Timestamp = time.Now()
	return p.publish(ctx, TopicTicketCalled, event.QueueID, event)
}

func (p *implProducer) PublishTicketAttended(ctx context.Context, event TicketAttendedEvent) error {
	event.Timestamp = time.Now()
	return p.publish(ctx, TopicTicketAttended, event.QueueID, event)
}

func (p *implProducer) PublishTicketCancelled(ctx context.Context, event TicketCancelledEvent) error {
	event.Timestamp = time.Now()
	return p.publish(ctx, TopicTicketCancelled, event.QueueID, event)
}

func (p *implProducer) PublishTicketTraded(ctx context.Context, event TicketTradedEvent) error {
	event.Timestamp = time.Now()
	return p.publish(ctx, TopicTicketTraded, event.QueueID, event)
}

func (p *implProducer) publish(ctx context.Context, topic, key string, event any) error {
	val, err := json.Marshal(event)
	if err != nil {
		p.l.Errorf(ctx, "kafka.Producer.publish: %v", err)
		return err
	}

	msg := &sarama.ProducerMessage{
		Topic: topic,
		Key:   sarama.StringEncoder(key), // Partition by queue_id for ordering
		Value: sarama.ByteEncoder(val),
		Headers: []sarama.RecordHeader{
			{
				Key:   []byte("timestamp"),
				Value: []byte(time.Now().Format(time.RFC3339)),
			},
		},
	}

	_, _, err = p.prod.SendMessage(msg)
	return err
}

func (p *implProducer) Close() error {
	return p.prod.Close()
}
