// Package envelope defines the normalized unit of work flowing through the
// synchronization engine. Every connector emits Envelopes; the dispatcher,
// worker pool, and storage router operate on nothing else.
package envelope

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"

	"github.com/meridianhq/conduit/pkg/errors"
)

// RecordType is the closed set of record categories that drive routing.
type RecordType string

const (
	RecordTypeOperation     RecordType = "operation"
	RecordTypePersonnel     RecordType = "personnel"
	RecordTypeIncident      RecordType = "incident"
	RecordTypeAsset         RecordType = "asset"
	RecordTypeCommunication RecordType = "communication"
	RecordTypeCompliance    RecordType = "compliance"
	RecordTypeMetric        RecordType = "metric"
	RecordTypeDocument      RecordType = "document"
)

// recordTypes enumerates every valid record type.
var recordTypes = map[RecordType]bool{
	RecordTypeOperation:     true,
	RecordTypePersonnel:     true,
	RecordTypeIncident:      true,
	RecordTypeAsset:         true,
	RecordTypeCommunication: true,
	RecordTypeCompliance:    true,
	RecordTypeMetric:        true,
	RecordTypeDocument:      true,
}

// ParseRecordType validates a record type string.
func ParseRecordType(s string) (RecordType, error) {
	rt := RecordType(s)
	if !recordTypes[rt] {
		return "", errors.New(errors.ErrorTypeValidation, fmt.Sprintf("unknown record type %q", s))
	}
	return rt, nil
}

// Classification is the ordered sensitivity level of an envelope.
// Higher values are more sensitive. Once set, it never decreases.
type Classification int

const (
	ClassificationUnclassified Classification = iota
	ClassificationRestricted
	ClassificationConfidential
	ClassificationSecret
	ClassificationTopSecret
)

var classificationNames = map[Classification]string{
	ClassificationUnclassified: "unclassified",
	ClassificationRestricted:   "restricted",
	ClassificationConfidential: "confidential",
	ClassificationSecret:       "secret",
	ClassificationTopSecret:    "top_secret",
}

// String returns the wire name of the classification.
func (c Classification) String() string {
	if name, ok := classificationNames[c]; ok {
		return name
	}
	return fmt.Sprintf("classification(%d)", int(c))
}

// RequiresEncryption reports whether the classification demands an
// encrypted-at-rest backend.
func (c Classification) RequiresEncryption() bool {
	return c >= ClassificationConfidential
}

// ParseClassification validates a classification string.
func ParseClassification(s string) (Classification, error) {
	for c, name := range classificationNames {
		if name == s {
			return c, nil
		}
	}
	return 0, errors.New(errors.ErrorTypeValidation, fmt.Sprintf("unknown classification %q", s))
}

// Priority orders envelopes in the dispatcher. Lower values pop first.
// Priority affects ordering only, never delivery correctness.
type Priority int

const (
	PriorityCritical Priority = iota
	PriorityImmediate
	PriorityPriority
	PriorityRoutine
)

var priorityNames = map[Priority]string{
	PriorityCritical:  "critical",
	PriorityImmediate: "immediate",
	PriorityPriority:  "priority",
	PriorityRoutine:   "routine",
}

// String returns the wire name of the priority.
func (p Priority) String() string {
	if name, ok := priorityNames[p]; ok {
		return name
	}
	return fmt.Sprintf("priority(%d)", int(p))
}

// ParsePriority validates a priority string. An empty string maps to routine
// so connectors without a hint get the lowest tier.
func ParsePriority(s string) (Priority, error) {
	if s == "" {
		return PriorityRoutine, nil
	}
	for p, name := range priorityNames {
		if name == s {
			return p, nil
		}
	}
	return 0, errors.New(errors.ErrorTypeValidation, fmt.Sprintf("unknown priority %q", s))
}

// Status tracks an envelope through its delivery lifecycle.
type Status string

const (
	StatusPending         Status = "pending"
	StatusInFlight        Status = "in_flight"
	StatusDelivered       Status = "delivered"
	StatusFailedRetryable Status = "failed_retryable"
	StatusFailedTerminal  Status = "failed_terminal"
)

// Terminal reports whether the status is an end state.
func (s Status) Terminal() bool {
	return s == StatusDelivered || s == StatusFailedTerminal
}

// Required payload keys every connector must populate.
const (
	KeyExternalKey = "external_key"
	KeyCapturedAt  = "captured_at"
)

// idNamespace is the UUIDv5 namespace for deterministic envelope ids.
// Deriving the id from source+external_key makes redelivery of the same
// logical fact produce the same id, so storage writes stay idempotent.
var idNamespace = uuid.MustParse("6f1c24b8-9a3e-4c11-b0d7-5f82a7c93e10")

// Envelope is one ingested fact from a source, normalized for delivery.
type Envelope struct {
	ID              string                 `json:"id"`
	Source          string                 `json:"source"`
	RecordType      RecordType             `json:"record_type"`
	Classification  Classification         `json:"classification"`
	Priority        Priority               `json:"priority"`
	Payload         map[string]interface{} `json:"payload"`
	Checksum        string                 `json:"checksum"`
	AttemptCount    int                    `json:"attempt_count"`
	Status          Status                 `json:"status"`
	CreatedAt       time.Time              `json:"created_at"`
	LastAttemptedAt time.Time              `json:"last_attempted_at,omitempty"`
}

// New creates an Envelope from a collected fact. The payload must contain
// the external_key and captured_at keys; the id is derived deterministically
// from source and external_key, and the checksum is computed over the
// canonical JSON form of the payload.
func New(source string, recordType RecordType, classification Classification, priority Priority, payload map[string]interface{}) (*Envelope, error) {
	if source == "" {
		return nil, errors.New(errors.ErrorTypeValidation, "source is required")
	}
	if !recordTypes[recordType] {
		return nil, errors.New(errors.ErrorTypeValidation, fmt.Sprintf("unknown record type %q", recordType))
	}

	externalKey, ok := payload[KeyExternalKey].(string)
	if !ok || externalKey == "" {
		return nil, errors.New(errors.ErrorTypeValidation, "payload missing required key external_key").
			WithDetail("source", source)
	}
	if _, ok := payload[KeyCapturedAt]; !ok {
		return nil, errors.New(errors.ErrorTypeValidation, "payload missing required key captured_at").
			WithDetail("source", source).
			WithDetail("external_key", externalKey)
	}

	checksum, err := checksumPayload(payload)
	if err != nil {
		return nil, err
	}

	return &Envelope{
		ID:             DeriveID(source, externalKey),
		Source:         source,
		RecordType:     recordType,
		Classification: classification,
		Priority:       priority,
		Payload:        payload,
		Checksum:       checksum,
		Status:         StatusPending,
		CreatedAt:      time.Now().UTC(),
	}, nil
}

// DeriveID returns the deterministic envelope id for a source/external-key
// pair. Repeated collection of the same fact yields the same id.
func DeriveID(source, externalKey string) string {
	return uuid.NewSHA1(idNamespace, []byte(source+"/"+externalKey)).String()
}

// checksumPayload hashes the canonical JSON encoding of the payload.
// Map keys are sorted by the encoder, so equal payloads hash equal.
func checksumPayload(payload map[string]interface{}) (string, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return "", errors.Wrap(err, errors.ErrorTypeData, "failed to canonicalize payload")
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:]), nil
}

// RaiseClassification raises the classification to the given level.
// Lower levels are ignored; classification never decreases once set.
func (e *Envelope) RaiseClassification(c Classification) {
	if c > e.Classification {
		e.Classification = c
	}
}

// MarkInFlight transitions pending → in_flight.
func (e *Envelope) MarkInFlight() error {
	if e.Status != StatusPending {
		return e.invalidTransition(StatusInFlight)
	}
	e.Status = StatusInFlight
	e.AttemptCount++
	e.LastAttemptedAt = time.Now().UTC()
	return nil
}

// MarkDelivered transitions in_flight → delivered.
func (e *Envelope) MarkDelivered() error {
	if e.Status != StatusInFlight {
		return e.invalidTransition(StatusDelivered)
	}
	e.Status = StatusDelivered
	return nil
}

// MarkRetryable transitions in_flight → failed_retryable.
func (e *Envelope) MarkRetryable() error {
	if e.Status != StatusInFlight {
		return e.invalidTransition(StatusFailedRetryable)
	}
	e.Status = StatusFailedRetryable
	return nil
}

// MarkTerminal transitions in_flight → failed_terminal.
func (e *Envelope) MarkTerminal() error {
	if e.Status != StatusInFlight {
		return e.invalidTransition(StatusFailedTerminal)
	}
	e.Status = StatusFailedTerminal
	return nil
}

// Requeue transitions failed_retryable → pending, the only backward edge
// in the lifecycle.
func (e *Envelope) Requeue() error {
	if e.Status != StatusFailedRetryable {
		return e.invalidTransition(StatusPending)
	}
	e.Status = StatusPending
	return nil
}

// Abandon finalizes an envelope the engine cannot re-enqueue, such as a
// retry rejected by a full queue. Only non-final states may be abandoned;
// the envelope ends failed_terminal so delivery accounting stays closed.
func (e *Envelope) Abandon() error {
	if e.Status.Terminal() {
		return e.invalidTransition(StatusFailedTerminal)
	}
	e.Status = StatusFailedTerminal
	return nil
}

func (e *Envelope) invalidTransition(to Status) error {
	return errors.New(errors.ErrorTypeInternal, fmt.Sprintf("invalid status transition %s -> %s", e.Status, to)).
		WithDetail("envelope_id", e.ID)
}

// VerifyChecksum recomputes the payload checksum and compares it against the
// stored value, catching payload corruption between collection and delivery.
func (e *Envelope) VerifyChecksum() error {
	sum, err := checksumPayload(e.Payload)
	if err != nil {
		return err
	}
	if sum != e.Checksum {
		return errors.New(errors.ErrorTypeData, "payload checksum mismatch").
			WithDetail("envelope_id", e.ID).
			WithDetail("expected", e.Checksum).
			WithDetail("actual", sum)
	}
	return nil
}
