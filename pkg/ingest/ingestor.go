package ingest

import (
	"bytes"
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/Masterminds/semver/v3"
	"github.com/harun/mnemosync/internal/observability"
	"github.com/harun/mnemosync/internal/tracing"
	"github.com/harun/mnemosync/pkg/identity"
	"github.com/harun/mnemosync/pkg/registry"
	"github.com/harun/mnemosync/pkg/workqueue"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

const tracerName = "mnemosync.ingest"

// DefaultProtocolConstraint accepts every 1.x report.
const DefaultProtocolConstraint = ">= 1.0.0, < 2.0.0"

// Dispatcher hands an authenticated report to its agent's processing lane.
// It must not block on the lane's work.
type Dispatcher interface {
	Dispatch(ctx context.Context, agentID string, report *Report) (*workqueue.Ticket, error)
}

// Ingestor authenticates reports and queues them per agent.
type Ingestor struct {
	registry   *registry.Registry
	lineage    *identity.Lineage
	verifier   identity.Verifier
	dispatcher Dispatcher
	schema     *SchemaValidator
	constraint *semver.Constraints

	locksMu sync.Mutex
	locks   map[string]*sync.Mutex
}

// Options configures an Ingestor.
type Options struct {
	Registry           *registry.Registry
	Lineage            *identity.Lineage
	Verifier           identity.Verifier
	Dispatcher         Dispatcher
	ProtocolConstraint string
}

// NewIngestor creates an ingestor. Verifier defaults to Ed25519.
func NewIngestor(opts Options) (*Ingestor, error) {
	if opts.Registry == nil || opts.Lineage == nil || opts.Dispatcher == nil {
		return nil, fmt.Errorf("ingestor needs a registry, a lineage and a dispatcher")
	}
	if opts.Verifier == nil {
		opts.Verifier = identity.Ed25519{}
	}
	if opts.ProtocolConstraint == "" {
		opts.ProtocolConstraint = DefaultProtocolConstraint
	}
	constraint, err := semver.NewConstraint(opts.ProtocolConstraint)
	if err != nil {
		return nil, fmt.Errorf("invalid protocol constraint %q: %w", opts.ProtocolConstraint, err)
	}
	schema, err := NewSchemaValidator()
	if err != nil {
		return nil, err
	}
	return &Ingestor{
		registry:   opts.Registry,
		lineage:    opts.Lineage,
		verifier:   opts.Verifier,
		dispatcher: opts.Dispatcher,
		schema:     schema,
		constraint: constraint,
		locks:      make(map[string]*sync.Mutex),
	}, nil
}

// SubmitRaw decodes a serialized report, checks it against the schema and
// submits it.
func (i *Ingestor) SubmitRaw(ctx context.Context, data []byte) (*Receipt, error) {
	if err := i.schema.Validate(data); err != nil {
		return nil, i.rejected(ctx, reject(ReasonMalformed, peekInstanceID(data), "%v", err))
	}
	var report Report
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&report); err != nil {
		return nil, i.rejected(ctx, reject(ReasonMalformed, peekInstanceID(data), "decode: %v", err))
	}
	return i.Submit(ctx, &report)
}

// Submit authenticates report and queues it on its agent's lane. Rejections
// are returned as *RejectionError; other errors mean the report was valid
// but could not be queued, and the same sequence number may be resent.
func (i *Ingestor) Submit(ctx context.Context, report *Report) (*Receipt, error) {
	ctx, span := tracing.StartSpan(ctx, tracerName, "ingest.submit",
		attribute.String("instance_id", report.InstanceID),
		attribute.String("report_id", report.ReportID),
		attribute.Int("items", len(report.Items)),
	)
	defer span.End()

	receipt, err := i.submit(ctx, report)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		var re *RejectionError
		if errors.As(err, &re) {
			return nil, i.rejected(ctx, re)
		}
		return nil, err
	}

	observability.RecordReport(true, "", receipt.Items)
	logger := tracing.LoggerFromContext(ctx, log.Logger)
	logger.Debug().
		Uint64("sequence_number", receipt.Sequence).
		Int("items", receipt.Items).
		Msg("Report accepted")
	return receipt, nil
}

func (i *Ingestor) submit(ctx context.Context, report *Report) (*Receipt, error) {
	if err := i.validate(report); err != nil {
		return nil, err
	}

	inst, err := i.registry.Get(report.InstanceID)
	if err != nil {
		return nil, reject(ReasonUnknownIdentity, report.InstanceID, "instance is not registered")
	}
	if inst.Status == registry.StatusRevoked {
		return nil, reject(ReasonRevoked, report.InstanceID, "instance is revoked")
	}

	agent, ok := i.lineage.Resolve(report.AgentFingerprint)
	if !ok || agent.AgentID != inst.AgentID {
		return nil, reject(ReasonUnknownIdentity, report.InstanceID, "fingerprint %s is not in the lineage of agent %s", short(report.AgentFingerprint), inst.AgentID)
	}

	if err := i.verify(report, inst.PublicKey); err != nil {
		return nil, err
	}

	ctx = tracing.NewReportContext(ctx, inst.AgentID, inst.ID, report.ReportID)

	// Same-instance reports are dispatched in sequence order; the lock
	// covers the replay check, the enqueue and the sequence update.
	lock := i.instanceLock(inst.ID)
	lock.Lock()
	defer lock.Unlock()

	current, err := i.registry.Get(inst.ID)
	if err != nil {
		return nil, reject(ReasonUnknownIdentity, inst.ID, "instance is not registered")
	}
	if current.Status == registry.StatusRevoked {
		return nil, reject(ReasonRevoked, inst.ID, "instance is revoked")
	}
	if report.SequenceNumber <= current.LastSequence {
		return nil, reject(ReasonReplay, inst.ID, "sequence %d is not above last accepted %d", report.SequenceNumber, current.LastSequence)
	}

	ticket, err := i.dispatcher.Dispatch(ctx, inst.AgentID, report)
	if err != nil {
		return nil, fmt.Errorf("failed to queue report %s: %w", report.ReportID, err)
	}

	if _, err := i.registry.Accept(inst.ID, report.SequenceNumber, len(report.Items)); err != nil {
		// Only a concurrent revocation can get here; the report passed
		// authentication before it, so it stays queued.
		logger := tracing.LoggerFromContext(ctx, log.Logger)
		logger.Warn().Err(err).Msg("Sequence not recorded for queued report")
	}

	return &Receipt{
		Accepted:   true,
		ReportID:   report.ReportID,
		AgentID:    inst.AgentID,
		InstanceID: inst.ID,
		Sequence:   report.SequenceNumber,
		Items:      len(report.Items),
		Ticket:     ticket,
	}, nil
}

// validate applies the structural checks that make a report malformed. One
// bad item rejects the whole report.
func (i *Ingestor) validate(report *Report) error {
	id := report.InstanceID
	if strings.TrimSpace(report.ReportID) == "" {
		return reject(ReasonMalformed, id, "report_id is required")
	}
	if strings.TrimSpace(id) == "" {
		return reject(ReasonMalformed, id, "instance_id is required")
	}
	if report.AgentFingerprint == "" {
		return reject(ReasonMalformed, id, "agent_fingerprint is required")
	}
	if report.SequenceNumber == 0 {
		return reject(ReasonMalformed, id, "sequence_number must be at least 1")
	}
	if report.Signature == "" {
		return reject(ReasonMalformed, id, "signature is required")
	}

	version := report.ProtocolVersion
	if version == "" {
		version = DefaultProtocolVersion
	}
	v, err := semver.NewVersion(version)
	if err != nil {
		return reject(ReasonMalformed, id, "protocol_version %q: %v", version, err)
	}
	if !i.constraint.Check(v) {
		return reject(ReasonMalformed, id, "protocol_version %s is not supported (%s)", v, i.constraint)
	}

	seen := make(map[string]struct{}, len(report.Items))
	for idx, item := range report.Items {
		if err := item.Validate(); err != nil {
			return reject(ReasonMalformed, id, "item %d: %v", idx, err)
		}
		if item.OriginInstanceID != id {
			return reject(ReasonMalformed, id, "item %s originates from %s", item.ID, item.OriginInstanceID)
		}
		if _, dup := seen[item.ID]; dup {
			return reject(ReasonMalformed, id, "item %s appears twice", item.ID)
		}
		seen[item.ID] = struct{}{}
	}
	return nil
}

func (i *Ingestor) verify(report *Report, publicKeyHex string) error {
	pub, err := identity.DecodeKey(publicKeyHex)
	if err != nil {
		return reject(ReasonUnknownIdentity, report.InstanceID, "registered key unusable: %v", err)
	}
	sig, err := hex.DecodeString(report.Signature)
	if err != nil {
		return reject(ReasonBadSignature, report.InstanceID, "signature is not hex")
	}
	payload, err := report.SigningPayload()
	if err != nil {
		return reject(ReasonMalformed, report.InstanceID, "%v", err)
	}
	if !i.verifier.Verify(payload, sig, pub) {
		return reject(ReasonBadSignature, report.InstanceID, "signature does not match the instance key")
	}
	return nil
}

// rejected records a rejection and returns it unchanged.
func (i *Ingestor) rejected(ctx context.Context, re *RejectionError) *RejectionError {
	observability.RecordReport(false, string(re.Reason), 0)
	if re.InstanceID != "" {
		i.registry.RecordRejection(re.InstanceID, string(re.Reason))
	}
	observability.RecordRejectionAudit(ctx, re.InstanceID, string(re.Reason), map[string]interface{}{
		"error": re.Err.Error(),
	})

	event := log.Warn()
	if re.Reason == ReasonReplay {
		event = log.Info()
	}
	event.
		Str("instance_id", re.InstanceID).
		Str("reason", string(re.Reason)).
		Err(re.Err).
		Msg("Report rejected")
	return re
}

func (i *Ingestor) instanceLock(id string) *sync.Mutex {
	i.locksMu.Lock()
	defer i.locksMu.Unlock()
	l, ok := i.locks[id]
	if !ok {
		l = &sync.Mutex{}
		i.locks[id] = l
	}
	return l
}

// peekInstanceID extracts instance_id from a report that failed to decode,
// for logging and rejection stats.
func peekInstanceID(data []byte) string {
	var probe struct {
		InstanceID string `json:"instance_id"`
	}
	if json.Unmarshal(data, &probe) != nil {
		return ""
	}
	return probe.InstanceID
}

func short(fp string) string {
	if len(fp) > 12 {
		return fp[:12]
	}
	return fp
}
