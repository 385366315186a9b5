package broker

import (
	"context"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/twmb/franz-go/pkg/kgo"

	perrors "github.com/coursepipe/coursepipe/errors"
)

// KafkaConfig holds Kafka broker configuration.
type KafkaConfig struct {
	Config

	// Seeds are the bootstrap broker addresses. Required.
	Seeds []string

	// ClientID identifies this process to the cluster.
	// Default: "coursepipe".
	ClientID string

	// DialTimeout for broker connections.
	// Default: 10s.
	DialTimeout time.Duration

	// SessionTimeout for consumer-group membership.
	// Default: 30s.
	SessionTimeout time.Duration

	// RebalanceTimeout bounds a group rebalance.
	// Default: 30s.
	RebalanceTimeout time.Duration

	// BootstrapRetries is how many times Ping retries the initial cluster
	// probe before giving up. Default: 5.
	BootstrapRetries int

	// BootstrapBackoff is the initial delay between bootstrap probes; it
	// doubles per attempt. Default: 1s.
	BootstrapBackoff time.Duration
}

// DefaultKafkaConfig returns configuration with sensible defaults.
func DefaultKafkaConfig(seeds ...string) KafkaConfig {
	return KafkaConfig{
		Config:           DefaultConfig(),
		Seeds:            seeds,
		ClientID:         "coursepipe",
		DialTimeout:      10 * time.Second,
		SessionTimeout:   30 * time.Second,
		RebalanceTimeout: 30 * time.Second,
		BootstrapRetries: 5,
		BootstrapBackoff: time.Second,
	}
}

func (c *KafkaConfig) applyDefaults() {
	d := DefaultKafkaConfig()
	if c.BufferSize <= 0 {
		c.BufferSize = d.BufferSize
	}
	if c.ClientID == "" {
		c.ClientID = d.ClientID
	}
	if c.DialTimeout <= 0 {
		c.DialTimeout = d.DialTimeout
	}
	if c.SessionTimeout <= 0 {
		c.SessionTimeout = d.SessionTimeout
	}
	if c.RebalanceTimeout <= 0 {
		c.RebalanceTimeout = d.RebalanceTimeout
	}
	if c.BootstrapRetries <= 0 {
		c.BootstrapRetries = d.BootstrapRetries
	}
	if c.BootstrapBackoff <= 0 {
		c.BootstrapBackoff = d.BootstrapBackoff
	}
}

// KafkaBroker implements Broker over a Kafka-compatible cluster using
// franz-go. One client handles produces; each Subscribe call creates its own
// group-consumer client so that group membership and the produce path fail
// independently.
type KafkaBroker struct {
	config   KafkaConfig
	producer *kgo.Client

	mu        sync.Mutex
	consumers []*kafkaConsumer
	closed    bool
}

// NewKafkaBroker connects the produce client. Call Ping to verify the cluster
// is reachable before starting consumers.
func NewKafkaBroker(cfg KafkaConfig) (*KafkaBroker, error) {
	if len(cfg.Seeds) == 0 {
		return nil, perrors.Configuration("kafka broker has no seed addresses")
	}
	cfg.applyDefaults()

	producer, err := kgo.NewClient(
		kgo.SeedBrokers(cfg.Seeds...),
		kgo.ClientID(cfg.ClientID),
		kgo.DialTimeout(cfg.DialTimeout),
	)
	if err != nil {
		return nil, perrors.Wrap(err, "create kafka produce client",
			perrors.WithCategory(perrors.CategoryTransient))
	}

	return &KafkaBroker{config: cfg, producer: producer}, nil
}

// Ping probes the cluster with exponential backoff. Meant for startup: a
// worker should fail fast and loudly if the broker never answers.
func (b *KafkaBroker) Ping(ctx context.Context) error {
	backoff := b.config.BootstrapBackoff
	var last error
	for attempt := 0; attempt < b.config.BootstrapRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return perrors.Wrap(ctx.Err(), "kafka bootstrap")
			case <-time.After(backoff):
			}
			backoff *= 2
		}
		if last = b.producer.Ping(ctx); last == nil {
			return nil
		}
	}
	return perrors.BrokerUnavailable("kafka cluster unreachable",
		perrors.WithCause(last),
		perrors.WithMetadata("seeds", strings.Join(b.config.Seeds, ",")),
		perrors.WithMetadata("attempts", strconv.Itoa(b.config.BootstrapRetries)))
}

// Publish produces one record synchronously. The caller commits its input
// offset only after Publish returns nil.
func (b *KafkaBroker) Publish(ctx context.Context, topic string, key, value []byte) error {
	if topic == "" {
		return ErrInvalidTopic
	}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return ErrClosed
	}
	b.mu.Unlock()

	rec := &kgo.Record{Topic: topic, Key: key, Value: value}
	if err := b.producer.ProduceSync(ctx, rec).FirstErr(); err != nil {
		return perrors.Wrap(err, "produce to "+topic,
			perrors.WithCategory(perrors.CategoryTransient),
			perrors.WithMetadata("topic", topic))
	}
	return nil
}

// Subscribe joins a consumer group with manual offset commits. Rebalances are
// blocked while records are being dispatched, so revocation callbacks never
// race record delivery.
func (b *KafkaBroker) Subscribe(ctx context.Context, group string, topics ...string) (Consumer, error) {
	if group == "" {
		return nil, ErrInvalidGroup
	}
	if len(topics) == 0 {
		return nil, ErrInvalidTopic
	}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil, ErrClosed
	}
	b.mu.Unlock()

	pollCtx, cancel := context.WithCancel(context.Background())
	c := &kafkaConsumer{
		broker:      b,
		out:         make(chan *Assignment, 64),
		assignments: make(map[assignKey]*kafkaAssignment),
		cancel:      cancel,
		done:        make(chan struct{}),
	}

	client, err := kgo.NewClient(
		kgo.SeedBrokers(b.config.Seeds...),
		kgo.ClientID(b.config.ClientID),
		kgo.DialTimeout(b.config.DialTimeout),
		kgo.ConsumerGroup(group),
		kgo.ConsumeTopics(topics...),
		kgo.DisableAutoCommit(),
		kgo.BlockRebalanceOnPoll(),
		kgo.SessionTimeout(b.config.SessionTimeout),
		kgo.RebalanceTimeout(b.config.RebalanceTimeout),
		kgo.OnPartitionsAssigned(c.onAssigned),
		kgo.OnPartitionsRevoked(c.onRevoked),
		kgo.OnPartitionsLost(c.onRevoked),
	)
	if err != nil {
		cancel()
		return nil, perrors.Wrap(err, "create kafka consumer client",
			perrors.WithCategory(perrors.CategoryTransient),
			perrors.WithMetadata("group", group))
	}
	c.client = client

	b.mu.Lock()
	b.consumers = append(b.consumers, c)
	b.mu.Unlock()

	go c.pollLoop(pollCtx)
	return c, nil
}

// Close shuts down all consumers and the produce client.
func (b *KafkaBroker) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	consumers := b.consumers
	b.mu.Unlock()

	for _, c := range consumers {
		c.Close()
	}
	b.producer.Close()
	return nil
}

// kafkaConsumer is one group member backed by its own kgo client.
type kafkaConsumer struct {
	broker *KafkaBroker
	client *kgo.Client

	mu          sync.Mutex
	out         chan *Assignment
	assignments map[assignKey]*kafkaAssignment
	closed      bool

	cancel context.CancelFunc
	done   chan struct{}
}

// kafkaAssignment pairs the delivered Assignment with the kgo records still
// awaiting commit, so Commit can hand franz-go the original record with its
// leader epoch intact.
type kafkaAssignment struct {
	assignment *Assignment

	mu      sync.Mutex
	pending map[int64]*kgo.Record
}

// Assignments implements Consumer.
func (c *kafkaConsumer) Assignments() <-chan *Assignment {
	return c.out
}

// Close leaves the group. The client's shutdown runs the revocation callback
// for every owned partition before the assignment channel closes.
func (c *kafkaConsumer) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.mu.Unlock()

	c.cancel()
	c.client.Close()
	<-c.done

	c.mu.Lock()
	for key, ka := range c.assignments {
		ka.revoke()
		delete(c.assignments, key)
	}
	close(c.out)
	c.mu.Unlock()
	return nil
}

// onAssigned runs inside the poll loop during a rebalance.
func (c *kafkaConsumer) onAssigned(_ context.Context, _ *kgo.Client, assigned map[string][]int32) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}

	for topic, partitions := range assigned {
		for _, p := range partitions {
			key := assignKey{topic, int(p)}
			ka := &kafkaAssignment{pending: make(map[int64]*kgo.Record)}
			ka.assignment = newAssignment(topic, int(p), c.broker.config.BufferSize, ka.commit(c.client))
			c.assignments[key] = ka
			select {
			case c.out <- ka.assignment:
			default:
				// Consumer is not draining assignments; drop ownership
				// rather than block the rebalance callback.
				ka.revoke()
				delete(c.assignments, key)
			}
		}
	}
}

// onRevoked runs inside the poll loop before the group gives partitions away.
// Closing the assignment here guarantees no commit lands after revocation.
func (c *kafkaConsumer) onRevoked(_ context.Context, _ *kgo.Client, revoked map[string][]int32) {
	c.mu.Lock()
	defer c.mu.Unlock()

	for topic, partitions := range revoked {
		for _, p := range partitions {
			key := assignKey{topic, int(p)}
			if ka, ok := c.assignments[key]; ok {
				ka.revoke()
				delete(c.assignments, key)
			}
		}
	}
}

// pollLoop fetches and dispatches records to their partition's assignment.
// Rebalance callbacks only fire between PollFetches and AllowRebalance.
func (c *kafkaConsumer) pollLoop(ctx context.Context) {
	defer close(c.done)

	for {
		fetches := c.client.PollFetches(ctx)
		if fetches.IsClientClosed() || ctx.Err() != nil {
			return
		}

		fetches.EachPartition(func(ftp kgo.FetchTopicPartition) {
			c.mu.Lock()
			ka := c.assignments[assignKey{ftp.Topic, int(ftp.Partition)}]
			c.mu.Unlock()
			if ka == nil {
				return
			}
			for _, kr := range ftp.Records {
				ka.deliver(ctx, kr)
			}
		})

		c.client.AllowRebalance()
	}
}

// deliver hands one record to the assignment's stream, tracking it for
// commit. Stops silently on revocation; redelivery handles the rest.
func (ka *kafkaAssignment) deliver(ctx context.Context, kr *kgo.Record) {
	rec := &Record{
		Topic:     kr.Topic,
		Partition: int(kr.Partition),
		Offset:    kr.Offset,
		Key:       kr.Key,
		Value:     kr.Value,
	}

	ka.mu.Lock()
	ka.pending[kr.Offset] = kr
	ka.mu.Unlock()

	select {
	case ka.assignment.records <- rec:
	case <-ka.assignment.revoked:
	case <-ctx.Done():
	}
}

// commit builds the manual-commit closure bound to this partition.
func (ka *kafkaAssignment) commit(client *kgo.Client) func(context.Context, *Record) error {
	return func(ctx context.Context, rec *Record) error {
		ka.mu.Lock()
		kr, ok := ka.pending[rec.Offset]
		ka.mu.Unlock()
		if !ok {
			return perrors.New(perrors.ErrCodeInternal,
				"commit for an offset that was never delivered",
				perrors.WithMetadata("topic", rec.Topic),
				perrors.WithMetadata("partition", strconv.Itoa(rec.Partition)),
				perrors.WithMetadata("offset", strconv.FormatInt(rec.Offset, 10)))
		}

		if err := client.CommitRecords(ctx, kr); err != nil {
			return perrors.Wrap(err, "commit offset",
				perrors.WithCategory(perrors.CategoryTransient),
				perrors.WithMetadata("topic", rec.Topic),
				perrors.WithMetadata("offset", strconv.FormatInt(rec.Offset, 10)))
		}

		// Everything at or below the committed offset is settled.
		ka.mu.Lock()
		for off := range ka.pending {
			if off <= rec.Offset {
				delete(ka.pending, off)
			}
		}
		ka.mu.Unlock()
		return nil
	}
}

func (ka *kafkaAssignment) revoke() {
	select {
	case <-ka.assignment.revoked:
	default:
		close(ka.assignment.revoked)
	}
}

// Ensure interface compliance.
var (
	_ Broker   = (*KafkaBroker)(nil)
	_ Consumer = (*kafkaConsumer)(nil)
)
