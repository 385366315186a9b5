package pipeline

import (
	"encoding/binary"

	"github.com/cespare/xxhash/v2"

	"github.com/coursepipe/coursepipe/envelope"
)

// Route holds the topic bindings for one stage.
type Route struct {
	Input      string
	Outputs    []string
	DeadLetter string
}

// Router maps stages to their topics and envelopes to partition keys. It is
// a pure lookup over the validated graph: the only failure mode is an
// unknown stage, which is a configuration error.
type Router struct {
	graph *Graph
}

// NewRouter builds a router over a validated graph.
func NewRouter(graph *Graph) *Router {
	return &Router{graph: graph}
}

// RouteFor returns the topic bindings for a named stage.
func (r *Router) RouteFor(stage string) (Route, error) {
	s, err := r.graph.StageByName(stage)
	if err != nil {
		return Route{}, err
	}
	return Route{
		Input:      s.InputTopic,
		Outputs:    append([]string(nil), s.OutputTopics...),
		DeadLetter: s.DeadLetterTopic,
	}, nil
}

// PartitionKey derives the broker partition key from the envelope's
// correlation id. The derivation is deterministic, so every publish for the
// same task lands on the same partition and stays ordered.
func PartitionKey(env *envelope.Envelope) []byte {
	return keyFor(env.CorrelationID)
}

// KeyForCorrelation derives the partition key directly from a correlation id,
// for producers that have not built an envelope yet.
func KeyForCorrelation(correlationID string) []byte {
	return keyFor(correlationID)
}

func keyFor(correlationID string) []byte {
	key := make([]byte, 8)
	binary.BigEndian.PutUint64(key, xxhash.Sum64String(correlationID))
	return key
}

// Partition maps a partition key onto one of n partitions. Brokers do their
// own key-to-partition mapping; this is for the in-memory broker and tests.
func Partition(key []byte, numPartitions int) int {
	if numPartitions <= 1 {
		return 0
	}
	return int(xxhash.Sum64(key) % uint64(numPartitions))
}
