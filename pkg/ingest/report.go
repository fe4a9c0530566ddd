package ingest

import (
	"encoding/json"
	"fmt"

	"github.com/harun/mnemosync/pkg/identity"
	"github.com/harun/mnemosync/pkg/memory"
	"github.com/harun/mnemosync/pkg/workqueue"
)

// DefaultProtocolVersion is assumed for reports that carry none.
const DefaultProtocolVersion = "1.0.0"

// Report is a signed batch of memory items from one instance.
type Report struct {
	ReportID         string        `json:"report_id"`
	InstanceID       string        `json:"instance_id"`
	AgentFingerprint string        `json:"agent_fingerprint"`
	SequenceNumber   uint64        `json:"sequence_number"`
	ProtocolVersion  string        `json:"protocol_version,omitempty"`
	Items            []memory.Item `json:"items"`
	Signature        string        `json:"signature"`
}

// signable is every report field except the signature, in a fixed order.
type signable struct {
	ReportID         string        `json:"report_id"`
	InstanceID       string        `json:"instance_id"`
	AgentFingerprint string        `json:"agent_fingerprint"`
	SequenceNumber   uint64        `json:"sequence_number"`
	ProtocolVersion  string        `json:"protocol_version"`
	Items            []memory.Item `json:"items"`
}

// SigningPayload returns the bytes an instance signs.
func (r *Report) SigningPayload() ([]byte, error) {
	items := r.Items
	if items == nil {
		items = []memory.Item{}
	}
	version := r.ProtocolVersion
	if version == "" {
		version = DefaultProtocolVersion
	}
	data, err := json.Marshal(signable{
		ReportID:         r.ReportID,
		InstanceID:       r.InstanceID,
		AgentFingerprint: r.AgentFingerprint,
		SequenceNumber:   r.SequenceNumber,
		ProtocolVersion:  version,
		Items:            items,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to encode signing payload: %w", err)
	}
	return data, nil
}

// Sign sets the report signature using signer.
func (r *Report) Sign(signer identity.Signer) error {
	payload, err := r.SigningPayload()
	if err != nil {
		return err
	}
	sig, err := signer.Sign(payload)
	if err != nil {
		return fmt.Errorf("failed to sign report: %w", err)
	}
	r.Signature = identity.EncodeKey(sig)
	return nil
}

// Receipt acknowledges an accepted report.
type Receipt struct {
	Accepted   bool   `json:"accepted"`
	ReportID   string `json:"report_id"`
	AgentID    string `json:"agent_id"`
	InstanceID string `json:"instance_id"`
	Sequence   uint64 `json:"sequence_number"`
	Items      int    `json:"items"`

	// Ticket resolves to the apply result once the agent lane has
	// processed the report.
	Ticket *workqueue.Ticket `json:"-"`
}
