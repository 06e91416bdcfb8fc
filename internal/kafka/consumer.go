// Package kafka implements the Kafka consumer that feeds the disk buffer
// and the dead letter queue publisher.
package kafka

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/IBM/sarama"
	"github.com/jittakal/kafeventbuffer/internal/errors"
	"github.com/jittakal/kafeventbuffer/pkg/consumer"
	"github.com/jittakal/kafeventbuffer/pkg/event"
)

// Ensure implementation satisfies interfaces at compile time.
var (
	_ consumer.Consumer           = (*SaramaConsumer)(nil)
	_ sarama.ConsumerGroupHandler = (*consumerGroupHandler)(nil)
)

const defaultChannelBufferSize = 100

// ConsumerConfig contains Kafka consumer configuration.
type ConsumerConfig struct {
	BootstrapServers    []string
	GroupID             string
	Security            SecurityConfig
	AutoOffsetReset     string
	MaxPollIntervalMS   int
	SessionTimeoutMS    int
	HeartbeatIntervalMS int
	ChannelBufferSize   int
}

// MetricsCollector defines metrics operations for Kafka consumer.
type MetricsCollector interface {
	IncMessagesConsumed(topic string, partition int32)
	IncRebalances(groupID string)
	IncOffsetCommits(topic string, partition int32, status string)
	ObserveRebalanceDuration(groupID string, duration float64)
	ObserveCommitLatency(topic string, d time.Duration)
	SetPartitionsAssigned(topic string, count float64)
}

// SaramaConsumer implements consumer.Consumer with a Sarama consumer group.
//
// Offsets are never committed on receipt. Each ConsumedEvent carries a
// CommitFunc that marks its offset once the caller has made the event
// durable; marked offsets are committed by Sarama's auto-commit loop or
// synchronously through Commit.
type SaramaConsumer struct {
	consumerGroup sarama.ConsumerGroup
	config        ConsumerConfig
	logger        *slog.Logger
	metrics       MetricsCollector
	topics        []string

	mu      sync.RWMutex
	closed  bool
	session sarama.ConsumerGroupSession
}

// newSaramaConfig builds the Sarama client configuration for the consumer.
func newSaramaConfig(config ConsumerConfig) (*sarama.Config, error) {
	saramaConfig := sarama.NewConfig()

	// Offsets are only marked after the disk buffer has flushed, so auto
	// commit never runs ahead of durable data.
	saramaConfig.Version = sarama.V2_8_0_0
	saramaConfig.Consumer.Group.Rebalance.GroupStrategies = []sarama.BalanceStrategy{
		sarama.NewBalanceStrategyRoundRobin(),
	}
	saramaConfig.Consumer.Offsets.Initial = offsetInitial(config.AutoOffsetReset)
	saramaConfig.Consumer.Offsets.AutoCommit.Enable = true

	// session_timeout_ms should be between 6000-300000 (6s-5min), recommended 10000 (10s)
	if config.SessionTimeoutMS > 0 {
		saramaConfig.Consumer.Group.Session.Timeout = time.Duration(config.SessionTimeoutMS) * time.Millisecond
	}
	if config.HeartbeatIntervalMS > 0 {
		saramaConfig.Consumer.Group.Heartbeat.Interval = time.Duration(config.HeartbeatIntervalMS) * time.Millisecond
	}

	// A full disk buffer blocks ingestion; max_poll_interval_ms bounds how
	// long that may stall a partition before the broker rebalances.
	if config.MaxPollIntervalMS > 0 {
		saramaConfig.Consumer.MaxProcessingTime = time.Duration(config.MaxPollIntervalMS) * time.Millisecond
	} else {
		saramaConfig.Consumer.MaxProcessingTime = 5 * time.Minute
	}

	saramaConfig.Consumer.Return.Errors = true

	if err := configureSecurity(saramaConfig, config.Security); err != nil {
		return nil, fmt.Errorf("failed to configure security: %w", err)
	}
	if err := saramaConfig.Validate(); err != nil {
		return nil, fmt.Errorf("invalid sarama config: %w", err)
	}
	return saramaConfig, nil
}

// NewSaramaConsumer creates a new Kafka consumer using Sarama library.
func NewSaramaConsumer(
	config ConsumerConfig,
	logger *slog.Logger,
	metrics MetricsCollector,
) (*SaramaConsumer, error) {
	if len(config.BootstrapServers) == 0 {
		return nil, fmt.Errorf("bootstrap servers are required")
	}
	if config.GroupID == "" {
		return nil, fmt.Errorf("consumer group ID is required")
	}

	saramaConfig, err := newSaramaConfig(config)
	if err != nil {
		return nil, err
	}

	consumerGroup, err := sarama.NewConsumerGroup(
		config.BootstrapServers,
		config.GroupID,
		saramaConfig,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create consumer group: %w", err)
	}

	logger.Info("kafka consumer created",
		"group_id", config.GroupID,
		"bootstrap_servers", config.BootstrapServers,
		"session_timeout_ms", config.SessionTimeoutMS,
		"max_poll_interval_ms", config.MaxPollIntervalMS,
	)

	return &SaramaConsumer{
		consumerGroup: consumerGroup,
		config:        config,
		logger:        logger,
		metrics:       metrics,
	}, nil
}

// Subscribe subscribes to the specified topics.
func (c *SaramaConsumer) Subscribe(ctx context.Context, topics []string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return errors.ErrConsumerClosed
	}
	if len(topics) == 0 {
		return fmt.Errorf("at least one topic is required")
	}

	c.topics = topics
	c.logger.Info("subscribed to topics", "topics", topics)
	return nil
}

// Consume starts the consumer group loop and returns once the first
// session is set up. The event channel is closed when ctx is cancelled or
// the group fails; errors are delivered best effort.
func (c *SaramaConsumer) Consume(ctx context.Context) (<-chan *event.ConsumedEvent, <-chan error, error) {
	c.mu.RLock()
	if c.closed {
		c.mu.RUnlock()
		return nil, nil, errors.ErrConsumerClosed
	}
	topics := c.topics
	c.mu.RUnlock()
	if len(topics) == 0 {
		return nil, nil, fmt.Errorf("no topics subscribed")
	}

	size := c.config.ChannelBufferSize
	if size <= 0 {
		size = defaultChannelBufferSize
	}
	eventChan := make(chan *event.ConsumedEvent, size)
	errorChan := make(chan error, 10)
	ready := make(chan struct{})

	handler := &consumerGroupHandler{
		consumer:  c,
		eventChan: eventChan,
		ready:     ready,
	}

	go func() {
		for err := range c.consumerGroup.Errors() {
			c.logger.Warn("consumer group error", "error", err)
			select {
			case errorChan <- err:
			default:
			}
		}
	}()

	go func() {
		defer close(eventChan)
		for {
			if err := c.consumerGroup.Consume(ctx, topics, handler); err != nil {
				if ctx.Err() != nil {
					return
				}
				c.logger.Error("consumer group stopped", "error", err)
				select {
				case errorChan <- err:
				default:
				}
				return
			}
			if ctx.Err() != nil {
				c.logger.Info("consumer context cancelled")
				return
			}
		}
	}()

	select {
	case <-ready:
	case <-ctx.Done():
		return nil, nil, ctx.Err()
	}

	c.logger.Info("kafka consumer started and ready")
	return eventChan, errorChan, nil
}

// Commit marks offset as processed for partition and commits synchronously.
// The committed position is offset+1, the next message to consume.
func (c *SaramaConsumer) Commit(ctx context.Context, partition event.PartitionID, offset int64) error {
	startTime := time.Now()

	c.mu.RLock()
	session := c.session
	closed := c.closed
	c.mu.RUnlock()

	if closed {
		return errors.ErrConsumerClosed
	}
	if session == nil || !claims(session, partition) {
		c.recordCommit(partition, "failure", startTime)
		return &errors.CommitError{
			PartitionID: partition,
			Offset:      offset,
			Err:         fmt.Errorf("partition is not assigned to this member"),
		}
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	session.MarkOffset(partition.Topic, partition.Partition, offset+1, "")
	session.Commit()
	c.recordCommit(partition, "success", startTime)

	c.logger.Debug("committed offset",
		"topic", partition.Topic,
		"partition", partition.Partition,
		"offset", offset,
	)
	return nil
}

func (c *SaramaConsumer) recordCommit(partition event.PartitionID, status string, start time.Time) {
	if c.metrics == nil {
		return
	}
	c.metrics.ObserveCommitLatency(partition.Topic, time.Since(start))
	c.metrics.IncOffsetCommits(partition.Topic, partition.Partition, status)
}

func claims(session sarama.ConsumerGroupSession, partition event.PartitionID) bool {
	for _, p := range session.Claims()[partition.Topic] {
		if p == partition.Partition {
			return true
		}
	}
	return false
}

// Close closes the consumer and releases resources.
func (c *SaramaConsumer) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return nil
	}

	c.closed = true
	c.logger.Info("closing kafka consumer")

	if err := c.consumerGroup.Close(); err != nil {
		c.logger.Error("error closing consumer group", "error", err)
		return err
	}

	c.logger.Info("kafka consumer closed")
	return nil
}

func (c *SaramaConsumer) setSession(s sarama.ConsumerGroupSession) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.session = s
}

// consumerGroupHandler implements sarama.ConsumerGroupHandler.
type consumerGroupHandler struct {
	consumer       *SaramaConsumer
	eventChan      chan<- *event.ConsumedEvent
	ready          chan struct{}
	readyOnce      sync.Once
	rebalanceStart time.Time
}

// Setup is run at the beginning of a new session, before ConsumeClaim.
func (h *consumerGroupHandler) Setup(session sarama.ConsumerGroupSession) error {
	h.rebalanceStart = time.Now()
	h.consumer.setSession(session)

	h.consumer.logger.Info("consumer group session setup",
		"member_id", session.MemberID(),
		"generation_id", session.GenerationID(),
		"claims", session.Claims(),
	)

	if h.consumer.metrics != nil {
		h.consumer.metrics.IncRebalances(h.consumer.config.GroupID)
		for topic, partitions := range session.Claims() {
			h.consumer.metrics.SetPartitionsAssigned(topic, float64(len(partitions)))
		}
	}

	h.readyOnce.Do(func() {
		close(h.ready)
	})
	return nil
}

// Cleanup is run at the end of a session, once all ConsumeClaim goroutines have exited.
func (h *consumerGroupHandler) Cleanup(session sarama.ConsumerGroupSession) error {
	h.consumer.setSession(nil)

	if h.consumer.metrics != nil && !h.rebalanceStart.IsZero() {
		h.consumer.metrics.ObserveRebalanceDuration(
			h.consumer.config.GroupID,
			time.Since(h.rebalanceStart).Seconds(),
		)
	}

	h.consumer.logger.Info("consumer group session cleanup",
		"member_id", session.MemberID(),
	)
	return nil
}

// ConsumeClaim forwards messages of one partition to the event channel.
// Messages that are not valid CloudEvents are forwarded too, with ParseErr
// set, so that the caller can dead-letter them and commit past them.
func (h *consumerGroupHandler) ConsumeClaim(
	session sarama.ConsumerGroupSession,
	claim sarama.ConsumerGroupClaim,
) error {
	logger := h.consumer.logger.With("topic", claim.Topic(), "partition", claim.Partition())
	logger.Info("started consuming partition", "initial_offset", claim.InitialOffset())

	for {
		select {
		case message, ok := <-claim.Messages():
			if !ok || message == nil {
				return nil
			}

			consumed := newConsumedEvent(message, func() error {
				session.MarkMessage(message, "")
				return nil
			})
			if consumed.ParseErr != nil {
				logger.Warn("message is not a valid cloud event",
					"error", consumed.ParseErr,
					"offset", message.Offset,
				)
			}

			select {
			case h.eventChan <- consumed:
				if h.consumer.metrics != nil {
					h.consumer.metrics.IncMessagesConsumed(message.Topic, message.Partition)
				}
			case <-session.Context().Done():
				return nil
			}

		case <-session.Context().Done():
			logger.Info("session context done, stopping partition consumption")
			return nil
		}
	}
}

func newConsumedEvent(message *sarama.ConsumerMessage, commit func() error) *event.ConsumedEvent {
	consumed := &event.ConsumedEvent{
		Metadata: event.KafkaMetadata{
			Topic:     message.Topic,
			Partition: message.Partition,
			Offset:    message.Offset,
			Key:       message.Key,
			Timestamp: message.Timestamp,
			Headers:   extractHeaders(message.Headers),
		},
		CommitFunc: commit,
	}
	cloudEvent, err := parseCloudEvent(message.Value)
	if err != nil {
		consumed.ParseErr = err
		consumed.Raw = message.Value
		return consumed
	}
	consumed.Event = cloudEvent
	return consumed
}

// parseCloudEvent decodes a structured-mode CloudEvent. Attributes outside
// the core set are kept as extensions. CloudEvents 0.1 is normalized to 1.0.
func parseCloudEvent(value []byte) (*event.CloudEvent, error) {
	var cloudEvent event.CloudEvent
	if err := json.Unmarshal(value, &cloudEvent); err != nil {
		return nil, fmt.Errorf("failed to unmarshal cloud event: %w", err)
	}

	if cloudEvent.SpecVersion == "0.1" {
		cloudEvent.SpecVersion = "1.0"
	}
	return &cloudEvent, nil
}

func extractHeaders(headers []*sarama.RecordHeader) map[string]string {
	if len(headers) == 0 {
		return nil
	}
	result := make(map[string]string, len(headers))
	for _, header := range headers {
		result[string(header.Key)] = string(header.Value)
	}
	return result
}

// offsetInitial converts the AutoOffsetReset config to Sarama's offset constant.
func offsetInitial(autoOffsetReset string) int64 {
	switch autoOffsetReset {
	case "earliest":
		return sarama.OffsetOldest
	default:
		return sarama.OffsetNewest
	}
}
