// Package redisq implements the durable priority queue on Redis sorted sets.
//
// Layout (namespace-configurable, defaults shown for namespace "analysis"):
//
//	analysis_queue        sorted set  job id -> score
//	analysis_deferred     sorted set  job id -> release unix time
//	analysis_jobs:<id>    string      JSON-encoded job record
//	analysis_active       string      active job id (safety TTL)
//
// Job records are stored as individual keys rather than one hash so that
// terminal records can carry their own 24h TTL.
package redisq

// Keys derives the Redis key names for a queue namespace.
type Keys struct {
	ns string
}

// NewKeys returns the key schema for the given namespace.
func NewKeys(namespace string) Keys {
	if namespace == "" {
		namespace = "analysis"
	}
	return Keys{ns: namespace}
}

// Index is the pending-jobs sorted set.
func (k Keys) Index() string { return k.ns + "_queue" }

// Deferred is the delayed re-enqueue sorted set.
func (k Keys) Deferred() string { return k.ns + "_deferred" }

// Job is the serialized record key for a job id.
func (k Keys) Job(id string) string { return k.ns + "_jobs:" + id }

// JobPrefix is the SCAN prefix covering all job records.
func (k Keys) JobPrefix() string { return k.ns + "_jobs:" }

// Active is the single-valued active-job slot.
func (k Keys) Active() string { return k.ns + "_active" }
