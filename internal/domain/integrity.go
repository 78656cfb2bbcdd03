package domain

type ViolationKind string

const (
	ViolationHashMismatch ViolationKind = "hash_mismatch"
	ViolationChain        ViolationKind = "chain_violation"
)

// IntegrityViolation is one finding of the integrity verifier.
type IntegrityViolation struct {
	EventID          string        `json:"event_id"`
	AggregateType    string        `json:"aggregate_type"`
	AggregateID      string        `json:"aggregate_id"`
	AggregateVersion int64         `json:"aggregate_version"`
	Kind             ViolationKind `json:"kind"`
	Reason           string        `json:"reason"`
	Expected         string        `json:"expected,omitempty"`
	Actual           string        `json:"actual,omitempty"`
}

// IntegrityReport summarizes a verification walk over a tenant's events.
type IntegrityReport struct {
	Valid         bool                 `json:"valid"`
	TotalEvents   int                  `json:"total_events"`
	ValidEvents   int                  `json:"valid_events"`
	InvalidEvents []IntegrityViolation `json:"invalid_events"`
}
