package registry

import (
	"errors"
	"time"
)

var (
	ErrInstanceNotFound = errors.New("instance not found")
	ErrInstanceExists   = errors.New("instance already registered")
	ErrRevoked          = errors.New("instance revoked")
	ErrReplay           = errors.New("sequence number not greater than last accepted")
	ErrRejected         = errors.New("registration rejected by policy")
)

// Status is the lifecycle state of an instance.
type Status string

const (
	StatusRegistered Status = "registered"
	StatusActive     Status = "active"
	StatusStale      Status = "stale"
	StatusRevoked    Status = "revoked"
)

// Instance is one running deployment of a logical agent.
type Instance struct {
	ID             string    `json:"instance_id"`
	AgentID        string    `json:"agent_id"`
	PublicKey      string    `json:"public_key"`
	Endpoint       string    `json:"endpoint,omitempty"`
	Status         Status    `json:"status"`
	RegisteredAt   time.Time `json:"registered_at"`
	LastSeen       time.Time `json:"last_seen"`
	LastSequence   uint64    `json:"last_sequence"`
	MissedCheckIns int       `json:"missed_checkins"`
	Stats          Stats     `json:"stats"`
}

// Stats counts an instance's contributions.
type Stats struct {
	ReportsAccepted  uint64    `json:"reports_accepted"`
	ItemsContributed uint64    `json:"items_contributed"`
	Rejections       uint64    `json:"rejections"`
	LastRejection    string    `json:"last_rejection,omitempty"`
	LastRejectionAt  time.Time `json:"last_rejection_at,omitempty"`
}

// Filter selects instances in List.
type Filter struct {
	AgentID  string
	Statuses []Status
}

func (f Filter) match(in *Instance) bool {
	if f.AgentID != "" && in.AgentID != f.AgentID {
		return false
	}
	if len(f.Statuses) == 0 {
		return true
	}
	for _, s := range f.Statuses {
		if in.Status == s {
			return true
		}
	}
	return false
}

// Event describes an instance lifecycle transition.
type Event struct {
	Type       string                 `json:"type"`
	InstanceID string                 `json:"instance_id"`
	AgentID    string                 `json:"agent_id"`
	From       Status                 `json:"from,omitempty"`
	To         Status                 `json:"to,omitempty"`
	Timestamp  time.Time              `json:"timestamp"`
	Data       map[string]interface{} `json:"data,omitempty"`
}

// EventHandler handles registry events.
type EventHandler func(Event)

const (
	EventRegistered = "instance.registered"
	EventActive     = "instance.active"
	EventStale      = "instance.stale"
	EventRevoked    = "instance.revoked"
)
