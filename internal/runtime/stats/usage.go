package stats

import "time"

// ResourceUsage is a coarse view of the process and of the work the channel
// currently holds.
type ResourceUsage struct {
	SampledAt   time.Time `json:"sampled_at"`
	CPUPercent  float64   `json:"cpu_percent"`
	HeapBytes   uint64    `json:"heap_bytes"`
	Goroutines  int       `json:"goroutines"`
	Handlers    int       `json:"handlers"`
	InFlight    int       `json:"in_flight"`
	ActiveKeys  int       `json:"active_keys"`
	MaxInFlight int       `json:"max_in_flight"`
}

// DeadLetterTopic are the dead letter counters of one topic.
type DeadLetterTopic struct {
	Recorded    uint64    `json:"recorded"`
	Pending     uint64    `json:"pending"`
	Replayed    uint64    `json:"replayed"`
	Purged      uint64    `json:"purged"`
	AvgAttempts float64   `json:"avg_attempts"`
	FirstAt     time.Time `json:"first_at,omitempty"`
	LastAt      time.Time `json:"last_at,omitempty"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// DeadLetters is a point-in-time view over all topics.
type DeadLetters struct {
	Pending     uint64                     `json:"pending"`
	Replayed    uint64                     `json:"replayed"`
	Purged      uint64                     `json:"purged"`
	Topics      map[string]DeadLetterTopic `json:"topics"`
	CollectedAt time.Time                  `json:"collected_at"`
}
