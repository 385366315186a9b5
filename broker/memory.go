package broker

import (
	"context"
	"sync"

	"github.com/cespare/xxhash/v2"
)

// MemoryBroker implements Broker with in-process partitioned topic logs.
// It mirrors the contract of a real Kafka cluster closely enough for tests:
// keyed partition placement, per-partition ordering, consumer groups with
// committed offsets, and partition revocation on group membership changes.
type MemoryBroker struct {
	config MemoryConfig

	mu      sync.Mutex
	cond    *sync.Cond
	topics  map[string]*memTopic
	groups  map[string]*memGroup
	closed  bool
}

// MemoryConfig holds in-memory broker configuration.
type MemoryConfig struct {
	Config

	// NumPartitions per topic.
	// Default: 4.
	NumPartitions int
}

// DefaultMemoryConfig returns configuration with sensible defaults.
func DefaultMemoryConfig() MemoryConfig {
	return MemoryConfig{
		Config:        DefaultConfig(),
		NumPartitions: 4,
	}
}

type memTopic struct {
	partitions [][]*Record
	all        []*Record // publish order, for inspection
}

type memGroup struct {
	// offsets[topic][partition] is the next offset to deliver.
	offsets map[string][]int64
	members []*memConsumer
}

// NewMemoryBroker creates a new in-memory broker.
func NewMemoryBroker(cfg MemoryConfig) *MemoryBroker {
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = DefaultConfig().BufferSize
	}
	if cfg.NumPartitions <= 0 {
		cfg.NumPartitions = DefaultMemoryConfig().NumPartitions
	}

	b := &MemoryBroker{
		config: cfg,
		topics: make(map[string]*memTopic),
		groups: make(map[string]*memGroup),
	}
	b.cond = sync.NewCond(&b.mu)
	return b
}

// Publish appends a record to the partition selected by the key.
func (b *MemoryBroker) Publish(ctx context.Context, topic string, key, value []byte) error {
	if topic == "" {
		return ErrInvalidTopic
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return ErrClosed
	}

	t := b.topic(topic)
	p := b.partitionFor(key)
	rec := &Record{
		Topic:     topic,
		Partition: p,
		Offset:    int64(len(t.partitions[p])),
		Key:       key,
		Value:     value,
	}
	t.partitions[p] = append(t.partitions[p], rec)
	t.all = append(t.all, rec)

	b.cond.Broadcast()
	return nil
}

// Subscribe joins a consumer group. Partitions of each topic are balanced
// round-robin across the group's members; existing members lose revoked
// partitions before the new member receives them.
func (b *MemoryBroker) Subscribe(ctx context.Context, group string, topics ...string) (Consumer, error) {
	if group == "" {
		return nil, ErrInvalidGroup
	}
	if len(topics) == 0 {
		return nil, ErrInvalidTopic
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return nil, ErrClosed
	}

	c := &memConsumer{
		broker:      b,
		group:       group,
		topics:      topics,
		out:         make(chan *Assignment, b.config.NumPartitions*len(topics)),
		assignments: make(map[assignKey]*Assignment),
	}

	g := b.group(group)
	g.members = append(g.members, c)
	for _, topic := range topics {
		b.topic(topic) // ensure the topic exists
	}
	b.rebalanceLocked(g)

	return c, nil
}

// Close shuts down the broker and all consumers.
func (b *MemoryBroker) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true

	var consumers []*memConsumer
	for _, g := range b.groups {
		consumers = append(consumers, g.members...)
	}
	b.cond.Broadcast()
	b.mu.Unlock()

	for _, c := range consumers {
		c.Close()
	}
	return nil
}

// Records returns all records published to a topic, in publish order.
// Inspection helper for tests and dead-letter tooling.
func (b *MemoryBroker) Records(topic string) []*Record {
	b.mu.Lock()
	defer b.mu.Unlock()

	t, ok := b.topics[topic]
	if !ok {
		return nil
	}
	out := make([]*Record, len(t.all))
	copy(out, t.all)
	return out
}

// CommittedOffset returns a group's committed offset for a partition.
func (b *MemoryBroker) CommittedOffset(group, topic string, partition int) int64 {
	b.mu.Lock()
	defer b.mu.Unlock()

	g, ok := b.groups[group]
	if !ok {
		return 0
	}
	offs, ok := g.offsets[topic]
	if !ok || partition < 0 || partition >= len(offs) {
		return 0
	}
	return offs[partition]
}

// NumPartitions returns the partition count per topic.
func (b *MemoryBroker) NumPartitions() int {
	return b.config.NumPartitions
}

// --- internals (call with b.mu held unless noted) ---

func (b *MemoryBroker) topic(name string) *memTopic {
	t, ok := b.topics[name]
	if !ok {
		t = &memTopic{partitions: make([][]*Record, b.config.NumPartitions)}
		b.topics[name] = t
	}
	return t
}

func (b *MemoryBroker) group(name string) *memGroup {
	g, ok := b.groups[name]
	if !ok {
		g = &memGroup{offsets: make(map[string][]int64)}
		b.groups[name] = g
	}
	return g
}

func (b *MemoryBroker) partitionFor(key []byte) int {
	if len(key) == 0 || b.config.NumPartitions <= 1 {
		return 0
	}
	return int(xxhash.Sum64(key) % uint64(b.config.NumPartitions))
}

func (b *MemoryBroker) groupOffsets(g *memGroup, topic string) []int64 {
	offs, ok := g.offsets[topic]
	if !ok {
		offs = make([]int64, b.config.NumPartitions)
		g.offsets[topic] = offs
	}
	return offs
}

type assignKey struct {
	topic     string
	partition int
}

// rebalanceLocked recomputes round-robin partition ownership for a group and
// revokes/assigns the difference. Revocation happens before the new owner's
// assignment is delivered, so two members never own a partition at once.
func (b *MemoryBroker) rebalanceLocked(g *memGroup) {
	// Union of subscribed topics, with the members subscribed to each.
	topicMembers := make(map[string][]*memConsumer)
	for _, m := range g.members {
		if m.closed {
			continue
		}
		for _, topic := range m.topics {
			topicMembers[topic] = append(topicMembers[topic], m)
		}
	}

	for topic, members := range topicMembers {
		for p := 0; p < b.config.NumPartitions; p++ {
			want := members[p%len(members)]
			key := assignKey{topic, p}

			// Revoke from any other current owner.
			for _, m := range g.members {
				if m == want {
					continue
				}
				if a, ok := m.assignments[key]; ok {
					m.revokeLocked(key, a)
				}
			}

			if _, ok := want.assignments[key]; ok {
				continue // already owned
			}
			a := newAssignment(topic, p, b.config.BufferSize, want.commitFunc(topic, p))
			want.assignments[key] = a
			go b.feed(g, want, a)
			select {
			case want.out <- a:
			default:
				// Assignment channel full: consumer is not draining; drop
				// ownership rather than deadlock the broker.
				want.revokeLocked(key, a)
			}
		}
	}
}

// feed delivers a partition's records to an assignment in offset order,
// starting at the group's committed offset. Runs until revocation or close.
func (b *MemoryBroker) feed(g *memGroup, c *memConsumer, a *Assignment) {
	b.mu.Lock()
	next := b.groupOffsets(g, a.Topic)[a.Partition]
	b.mu.Unlock()

	for {
		b.mu.Lock()
		t := b.topics[a.Topic]
		for !b.closed && !c.closed && !a.isRevoked() && next >= int64(len(t.partitions[a.Partition])) {
			b.cond.Wait()
		}
		if b.closed || c.closed || a.isRevoked() {
			b.mu.Unlock()
			return
		}
		rec := t.partitions[a.Partition][next]
		next++
		b.mu.Unlock()

		select {
		case a.records <- rec:
		case <-a.revoked:
			return
		}
	}
}

func (a *Assignment) isRevoked() bool {
	select {
	case <-a.revoked:
		return true
	default:
		return false
	}
}

// memConsumer is one group member.
type memConsumer struct {
	broker *MemoryBroker
	group  string
	topics []string

	out         chan *Assignment
	assignments map[assignKey]*Assignment
	closed      bool
}

// Assignments implements Consumer.
func (c *memConsumer) Assignments() <-chan *Assignment {
	return c.out
}

// Close leaves the group; owned partitions are revoked and rebalanced to the
// remaining members.
func (c *memConsumer) Close() error {
	b := c.broker
	b.mu.Lock()
	defer b.mu.Unlock()

	if c.closed {
		return nil
	}
	c.closed = true

	for key, a := range c.assignments {
		c.revokeLocked(key, a)
	}
	close(c.out)
	b.cond.Broadcast()

	g := b.groups[c.group]
	for i, m := range g.members {
		if m == c {
			g.members = append(g.members[:i], g.members[i+1:]...)
			break
		}
	}
	if !b.closed && len(g.members) > 0 {
		b.rebalanceLocked(g)
	}
	return nil
}

// revokeLocked revokes one assignment. Caller holds b.mu.
func (c *memConsumer) revokeLocked(key assignKey, a *Assignment) {
	if !a.isRevoked() {
		close(a.revoked)
	}
	delete(c.assignments, key)
	c.broker.cond.Broadcast()
}

// commitFunc builds the manual-commit closure for one owned partition.
func (c *memConsumer) commitFunc(topic string, partition int) func(context.Context, *Record) error {
	return func(ctx context.Context, rec *Record) error {
		if err := ctx.Err(); err != nil {
			return err
		}
		b := c.broker
		b.mu.Lock()
		defer b.mu.Unlock()

		if b.closed {
			return ErrClosed
		}
		g := b.groups[c.group]
		offs := b.groupOffsets(g, topic)
		if rec.Offset+1 > offs[partition] {
			offs[partition] = rec.Offset + 1
		}
		return nil
	}
}

// Ensure interface compliance.
var (
	_ Broker   = (*MemoryBroker)(nil)
	_ Consumer = (*memConsumer)(nil)
)
