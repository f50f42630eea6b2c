// Package status implements the StatusRecorder described in
// spec.md §4.3: Session/Boot-Set/Phase status handles against the
// external status service, with create-or-reference semantics and
// lossy update writes.
//
// Grounded on lib/fsm/fsm.go's StateChange/ChangePhaseState pattern
// (a small typed transition posted to the backing store) and
// lib/storage/plan.go's OperationPhase, which is the closest teacher
// analogue of a phase partitioned by state.
package status

import (
	"context"

	"github.com/Cray-HPE/boa/lib/httpclient"
	"github.com/gravitational/trace"
	log "github.com/sirupsen/logrus"
)

// Category is one of the five partitions a Phase's node set is split
// into. Every Node ID in a Phase belongs to exactly one Category.
type Category string

// The five categories (spec.md §3).
const (
	CategoryNotStarted Category = "not_started"
	CategoryInProgress Category = "in_progress"
	CategorySucceeded  Category = "succeeded"
	CategoryFailed     Category = "failed"
	CategoryExcluded   Category = "excluded"
)

// categories lists every Category in a stable order, used whenever all
// five need to be visited (e.g. move_to_not_started).
var categories = []Category{
	CategoryNotStarted, CategoryInProgress, CategorySucceeded, CategoryFailed, CategoryExcluded,
}

// writePolicy governs how a recorder reacts to a failed HTTP call:
// propagate returns the error to the caller, swallow logs it and
// returns nil. This explicit policy replaces the source's module-level
// lossy flag.
type writePolicy int

const (
	propagate writePolicy = iota
	swallow
)

// NodeChangeList is the PATCH payload for move_nodes.
type NodeChangeList struct {
	Phase string   `json:"phase"`
	From  Category `json:"from"`
	To    Category `json:"to"`
	Nodes []string `json:"nodes"`
}

// GenericMetadata is the PATCH payload for update_metadata.
type GenericMetadata struct {
	Phase     string     `json:"phase,omitempty"`
	StartTime *string    `json:"start_time,omitempty"`
	StopTime  *string    `json:"stop_time,omitempty"`
	Extra     map[string]string `json:"extra,omitempty"`
}

// NodeErrorsList is the PATCH payload for update_errors.
type NodeErrorsList struct {
	Phase  string              `json:"phase"`
	Errors map[string][]string `json:"errors"`
}

// Recorder is the StatusRecorder: it owns the HTTP client and the
// create-type (propagating) vs update-type (swallowing) write policy
// split.
type Recorder struct {
	client *httpclient.Client
	log    log.FieldLogger
}

// New returns a Recorder backed by client.
func New(client *httpclient.Client) *Recorder {
	return &Recorder{client: client, log: log.WithField(trace.Component, "status")}
}

// apply runs a PATCH-style write under the given policy: propagate
// returns the error, swallow logs and swallows it. Every create-type
// call in this package goes through CreateOrReference's own
// conflict-aware path instead; apply is used by every update-type
// call (spec.md §4.3's lossy mode).
func (r *Recorder) apply(policy writePolicy, action string, err error) error {
	if err == nil {
		return nil
	}
	if policy == propagate {
		return trace.Wrap(err)
	}
	r.log.WithError(err).Warnf("Failed to %v; continuing (lossy mode).", action)
	return nil
}

// SessionStatus is a handle to a Session's status record.
type SessionStatus struct {
	r         *Recorder
	SessionID string
	// Existed is true when creation discovered the record already
	// existed (create-or-reference returned the reference path).
	Existed bool
}

// CreateOrReferenceSession creates the Session Status record, or
// references the existing one if creation reports a conflict
// (spec.md §3: "creation returning a duplicate-exists signal is
// treated as success").
func (r *Recorder) CreateOrReferenceSession(ctx context.Context, sessionID string, bootSetNames []string) (*SessionStatus, error) {
	endpoint := r.client.Endpoint("session", sessionID, "status")
	_, err := r.client.PostJSON(ctx, endpoint, map[string]interface{}{
		"session_id": sessionID,
		"boot_sets":  bootSetNames,
	})
	existed := false
	if err != nil {
		if httpclient.IsConflict(err) {
			existed = true
		} else {
			return nil, trace.Wrap(err)
		}
	}
	return &SessionStatus{r: r, SessionID: sessionID, Existed: existed}, nil
}

// UpdateMetadata sets the Session-level start/stop time. Session
// metadata writes are the one cross-worker write not sharded by
// Boot-Set name (spec.md §5), issued by the coordinator at start and
// stop, and by SetError when the Session fails.
func (s *SessionStatus) UpdateMetadata(ctx context.Context, meta GenericMetadata) {
	endpoint := s.r.client.Endpoint("session", s.SessionID, "status")
	_, err := s.r.client.PatchJSON(ctx, endpoint, meta)
	s.r.apply(swallow, "update session metadata", err)
}

// SetError records a top-level Session error summary
// (SPEC_FULL.md §3).
func (s *SessionStatus) SetError(ctx context.Context, message string) {
	s.UpdateMetadata(ctx, GenericMetadata{Extra: map[string]string{"error": message}})
}

// BootSetStatus is a handle to one Boot Set's status record, owning
// the Phase records beneath it. It holds the Recorder and Session ID
// but no pointer to the SessionStatus handle.
type BootSetStatus struct {
	r           *Recorder
	SessionID   string
	BootSetName string
	Existed     bool
}

// CreateOrReferenceBootSet creates (or references) the status record
// for a single Boot Set.
func (s *SessionStatus) CreateOrReferenceBootSet(ctx context.Context, bootSetName string) (*BootSetStatus, error) {
	endpoint := s.r.client.Endpoint("session", s.SessionID, "status", bootSetName)
	_, err := s.r.client.PostJSON(ctx, endpoint, map[string]interface{}{
		"name": bootSetName,
	})
	existed := false
	if err != nil {
		if httpclient.IsConflict(err) {
			existed = true
		} else {
			return nil, trace.Wrap(err)
		}
	}
	return &BootSetStatus{r: s.r, SessionID: s.SessionID, BootSetName: bootSetName, Existed: existed}, nil
}

// UpdateMetadata updates the Boot-Set envelope (phase literal
// "boot_set", or omitted).
func (b *BootSetStatus) UpdateMetadata(ctx context.Context, meta GenericMetadata) {
	meta.Phase = "boot_set"
	endpoint := b.r.client.Endpoint("session", b.SessionID, "status", b.BootSetName)
	_, err := b.r.client.PatchJSON(ctx, endpoint, meta)
	b.r.apply(swallow, "update boot-set metadata", err)
}

// PhaseStatus is a handle to one Phase's status record: the category
// partition of a node set.
type PhaseStatus struct {
	r           *Recorder
	SessionID   string
	BootSetName string
	PhaseName   string
	Existed     bool
}

// CreateOrReferencePhase creates (or references) the status record
// for phaseName with every node starting in not_started.
func (b *BootSetStatus) CreateOrReferencePhase(ctx context.Context, phaseName string, nodes []string) (*PhaseStatus, error) {
	endpoint := b.r.client.Endpoint("session", b.SessionID, "status", b.BootSetName, "phases", phaseName)
	_, err := b.r.client.PostJSON(ctx, endpoint, map[string]interface{}{
		"phase":       phaseName,
		"not_started": nodes,
	})
	existed := false
	if err != nil {
		if httpclient.IsConflict(err) {
			existed = true
		} else {
			return nil, trace.Wrap(err)
		}
	}
	p := &PhaseStatus{r: b.r, SessionID: b.SessionID, BootSetName: b.BootSetName, PhaseName: phaseName, Existed: existed}
	if existed {
		// Re-entry: every pre-existing Phase must be normalised back
		// to not_started before work resumes (spec.md §3 invariant).
		if err := p.MoveToNotStarted(ctx, nodes); err != nil {
			return nil, trace.Wrap(err)
		}
	}
	return p, nil
}

// MoveNodes moves nodes from src to dst within this Phase, via a
// single batched PATCH (spec.md §4.3).
func (p *PhaseStatus) MoveNodes(ctx context.Context, src, dst Category, nodes []string) error {
	if len(nodes) == 0 {
		return nil
	}
	endpoint := p.r.client.Endpoint("session", p.SessionID, "status", p.BootSetName, "phases", p.PhaseName, "nodes")
	_, err := p.r.client.PatchJSON(ctx, endpoint, NodeChangeList{
		Phase: p.PhaseName, From: src, To: dst, Nodes: nodes,
	})
	return p.r.apply(swallow, "move nodes", err)
}

// MoveToNotStarted moves nodes from each of the other four categories
// back to not_started, used on re-entry (spec.md §3).
func (p *PhaseStatus) MoveToNotStarted(ctx context.Context, nodes []string) error {
	for _, cat := range categories {
		if cat == CategoryNotStarted {
			continue
		}
		if err := p.MoveNodes(ctx, cat, CategoryNotStarted, nodes); err != nil {
			return trace.Wrap(err)
		}
	}
	return nil
}

// UpdateErrors records the per-component error reasons for this
// Phase, keyed by error message.
func (p *PhaseStatus) UpdateErrors(ctx context.Context, errors map[string][]string) {
	if len(errors) == 0 {
		return
	}
	endpoint := p.r.client.Endpoint("session", p.SessionID, "status", p.BootSetName, "phases", p.PhaseName, "errors")
	_, err := p.r.client.PatchJSON(ctx, endpoint, NodeErrorsList{Phase: p.PhaseName, Errors: errors})
	p.r.apply(swallow, "update phase errors", err)
}

// UpdateMetadata sets this Phase's start/stop time.
func (p *PhaseStatus) UpdateMetadata(ctx context.Context, meta GenericMetadata) {
	meta.Phase = p.PhaseName
	endpoint := p.r.client.Endpoint("session", p.SessionID, "status", p.BootSetName, "phases", p.PhaseName)
	_, err := p.r.client.PatchJSON(ctx, endpoint, meta)
	p.r.apply(swallow, "update phase metadata", err)
}
