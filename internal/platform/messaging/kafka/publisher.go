// Package kafka publishes job and workflow lifecycle events for downstream
// consumers.
package kafka

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/IBM/sarama"
	"github.com/google/uuid"

	"github.com/pathflow-ai/pathflow/internal/platform/logger"
	"github.com/pathflow-ai/pathflow/internal/scheduler/domain/model"
)

// EventType identifies a lifecycle event
type EventType string

const (
	EventJobFinished      EventType = "job.finished"
	EventWorkflowFinished EventType = "workflow.finished"
)

// Event is the lifecycle message written to the topic
type Event struct {
	ID         string          `json:"id"`
	Type       EventType       `json:"type"`
	WorkflowID string          `json:"workflow_id"`
	JobID      string          `json:"job_id,omitempty"`
	UserID     string          `json:"user_id"`
	Status     string          `json:"status"`
	Payload    json.RawMessage `json:"payload,omitempty"`
	Timestamp  time.Time       `json:"timestamp"`
}

// EventPublisher publishes lifecycle events to Kafka. A nil publisher is a
// no-op, so the wiring layer can leave it unset when no brokers are
// configured.
type EventPublisher struct {
	producer sarama.AsyncProducer
	topic    string
	logger   logger.Logger
}

// Config holds Kafka settings
type Config struct {
	Brokers []string
	Topic   string
}

// NewEventPublisher creates a publisher
func NewEventPublisher(cfg Config, log logger.Logger) (*EventPublisher, error) {
	saramaConfig := sarama.NewConfig()
	saramaConfig.Producer.RequiredAcks = sarama.WaitForLocal
	saramaConfig.Producer.Retry.Max = 5
	saramaConfig.Producer.Return.Errors = true
	saramaConfig.Producer.Compression = sarama.CompressionSnappy

	producer, err := sarama.NewAsyncProducer(cfg.Brokers, saramaConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create producer: %w", err)
	}

	p := &EventPublisher{
		producer: producer,
		topic:    cfg.Topic,
		logger:   log,
	}
	go p.drainErrors()
	return p, nil
}

func (p *EventPublisher) drainErrors() {
	for err := range p.producer.Errors() {
		p.logger.Warn("lifecycle event publish failed", "error", err.Err, "topic", err.Msg.Topic)
	}
}

// PublishJobFinished publishes a job terminal transition
func (p *EventPublisher) PublishJobFinished(job *model.Job) {
	if p == nil {
		return
	}
	payload, _ := json.Marshal(job)
	p.publish(Event{
		ID:         uuid.New().String(),
		Type:       EventJobFinished,
		WorkflowID: job.WorkflowID,
		JobID:      job.ID,
		UserID:     job.UserID,
		Status:     string(job.Status),
		Payload:    payload,
		Timestamp:  time.Now().UTC(),
	})
}

// PublishWorkflowFinished publishes a workflow terminal transition
func (p *EventPublisher) PublishWorkflowFinished(workflow *model.Workflow) {
	if p == nil {
		return
	}
	payload, _ := json.Marshal(workflow)
	p.publish(Event{
		ID:         uuid.New().String(),
		Type:       EventWorkflowFinished,
		WorkflowID: workflow.ID,
		UserID:     workflow.UserID,
		Status:     string(workflow.Status),
		Payload:    payload,
		Timestamp:  time.Now().UTC(),
	})
}

func (p *EventPublisher) publish(event Event) {
	data, err := json.Marshal(event)
	if err != nil {
		p.logger.Warn("lifecycle event marshal failed", "error", err)
		return
	}
	message := &sarama.ProducerMessage{
		Topic: p.topic,
		Key:   sarama.StringEncoder(event.WorkflowID),
		Value: sarama.ByteEncoder(data),
		Headers: []sarama.RecordHeader{
			{Key: []byte("eventType"), Value: []byte(event.Type)},
		},
		Timestamp: event.Timestamp,
	}
	select {
	case p.producer.Input() <- message:
	default:
		p.logger.Warn("lifecycle event dropped, producer backlogged", "type", event.Type)
	}
}

// Close shuts down the producer
func (p *EventPublisher) Close() error {
	if p == nil {
		return nil
	}
	return p.producer.Close()
}
