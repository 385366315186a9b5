// Package broker defines the contract boundary with the Kafka-compatible
// message broker and provides two implementations: an in-memory broker for
// tests and single-process runs, and a Kafka broker over franz-go.
//
// The contract is deliberately narrow. Producers publish (topic, partition
// key, bytes). Consumers join a consumer group and receive per-partition
// ordered record streams with manual offset commit; the stage agent commits
// only after the result of a record has been published or dead-lettered, so
// a crash between consume and produce redelivers rather than loses work.
package broker

import (
	"context"
	"errors"
)

// Common errors.
var (
	ErrClosed        = errors.New("broker closed")
	ErrRevoked       = errors.New("partition revoked")
	ErrUnknownTopic  = errors.New("unknown topic")
	ErrInvalidTopic  = errors.New("invalid topic")
	ErrInvalidGroup  = errors.New("invalid consumer group")
)

// Record is a message delivered from a topic partition.
type Record struct {
	Topic     string
	Partition int
	Offset    int64
	Key       []byte
	Value     []byte
}

// Broker is the producer-side contract.
type Broker interface {
	// Publish sends a record to a topic. The partition key determines
	// partition placement: equal keys are co-located and ordered.
	Publish(ctx context.Context, topic string, key, value []byte) error

	// Subscribe joins a consumer group over the given topics and returns
	// a Consumer streaming partition assignments.
	Subscribe(ctx context.Context, group string, topics ...string) (Consumer, error)

	// Close shuts down all connections.
	Close() error
}

// Consumer is one consumer-group member's view of its assigned partitions.
type Consumer interface {
	// Assignments streams partition assignments as the group balancer
	// grants them. The channel is closed when the consumer closes.
	Assignments() <-chan *Assignment

	// Close leaves the group and stops all assignments.
	Close() error
}

// Assignment is an owned topic partition. Records arrive strictly in offset
// order. When ownership is revoked during a rebalance, Records is closed and
// Revoked is signalled; the owner must stop processing before any further
// commit, so that two owners never process the same offsets.
type Assignment struct {
	Topic     string
	Partition int

	records chan *Record
	revoked chan struct{}
	commit  func(ctx context.Context, rec *Record) error
}

// Records returns the in-order record stream for this partition.
func (a *Assignment) Records() <-chan *Record {
	return a.records
}

// Revoked is closed when partition ownership is being taken away.
func (a *Assignment) Revoked() <-chan struct{} {
	return a.revoked
}

// Commit marks the record processed. Call only after the record's result has
// been published or dead-lettered. Returns ErrRevoked if ownership was lost.
func (a *Assignment) Commit(ctx context.Context, rec *Record) error {
	select {
	case <-a.revoked:
		return ErrRevoked
	default:
	}
	return a.commit(ctx, rec)
}

// newAssignment wires up an assignment; used by broker implementations.
func newAssignment(topic string, partition, buffer int, commit func(context.Context, *Record) error) *Assignment {
	return &Assignment{
		Topic:     topic,
		Partition: partition,
		records:   make(chan *Record, buffer),
		revoked:   make(chan struct{}),
		commit:    commit,
	}
}

// Config holds common broker configuration.
type Config struct {
	// BufferSize for per-partition record channels.
	// Default: 64.
	BufferSize int
}

// DefaultConfig returns configuration with sensible defaults.
func DefaultConfig() Config {
	return Config{BufferSize: 64}
}
