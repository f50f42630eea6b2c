// Package session defines the Session / Session Template / Boot Set
// data model (spec.md §3), produced externally and consumed once by
// BOA.
package session

import (
	"github.com/Cray-HPE/boa/lib/boaconfig"
	"github.com/gravitational/trace"
)

// CfsSpec describes the configuration-framework defaults carried on a
// Session, promoted to a first-class type per SPEC_FULL.md §3.
type CfsSpec struct {
	// Configuration is an existing configuration name to assign
	// verbatim, if set.
	Configuration string `json:"configuration,omitempty"`
	// CloneURL is the default git clone URL for freshly created
	// configurations.
	CloneURL string `json:"clone_url,omitempty"`
	// Branch is the default git branch for freshly created
	// configurations.
	Branch string `json:"branch,omitempty"`
	// Commit is the default git commit for freshly created
	// configurations. When both Commit and Branch are set, both are
	// written to the configuration layer as given.
	Commit string `json:"commit,omitempty"`
	// Playbook is the default playbook for freshly created
	// configurations.
	Playbook string `json:"playbook,omitempty"`
}

// BootSet is a named subset of nodes within a Session sharing image,
// kernel parameters, and rootfs provider.
type BootSet struct {
	// NodeList is an explicit list of Node IDs.
	NodeList []string `json:"node_list,omitempty"`
	// NodeGroups names inventory groups to union in.
	NodeGroups []string `json:"node_groups,omitempty"`
	// NodeRolesGroups names inventory roles to union in.
	NodeRolesGroups []string `json:"node_roles_groups,omitempty"`
	// Path is the object-store path to the image manifest.
	Path string `json:"path,omitempty"`
	// PathType is the object-store scheme; only "s3" is supported.
	PathType string `json:"path_type,omitempty"`
	// Etag is the expected etag of the manifest object.
	Etag string `json:"etag,omitempty"`
	// KernelParameters are appended verbatim to the kernel cmdline.
	KernelParameters string `json:"kernel_parameters,omitempty"`
	// RootfsProvider selects the rootfs provisioning scheme by name.
	RootfsProvider string `json:"rootfs_provider,omitempty"`
	// RootfsProviderPassthrough is appended to the rootfs fragment
	// verbatim.
	RootfsProviderPassthrough string `json:"rootfs_provider_passthrough,omitempty"`
	// Limit is a Boot-Set-local limit expression, applied in addition
	// to any Session-level limit (SPEC_FULL.md §3).
	Limit string `json:"limit,omitempty"`
}

// HasNodeSources reports whether this Boot Set names any nodes at
// all. An empty resolution is logged and skipped, not fatal
// (spec.md §3).
func (b BootSet) HasNodeSources() bool {
	return len(b.NodeList) > 0 || len(b.NodeGroups) > 0 || len(b.NodeRolesGroups) > 0
}

// Session is one operation against one or more Boot Sets.
type Session struct {
	// SessionID identifies this Session.
	SessionID string `json:"session_id"`
	// SessionTemplateID identifies the Session Template this Session
	// was created from. Used only in the rerun command (DESIGN.md).
	SessionTemplateID string `json:"session_template_id,omitempty"`
	// Operation is the lifecycle operation this Session performs.
	Operation boaconfig.Operation `json:"operation"`
	// Limit is a session-wide limit expression applied to every Boot
	// Set.
	Limit string `json:"limit,omitempty"`
	// BootSets maps Boot Set name to its definition.
	BootSets map[string]BootSet `json:"boot_sets"`
	// Cfs carries configuration-framework defaults for nodes that
	// don't name an explicit configuration.
	Cfs *CfsSpec `json:"cfs,omitempty"`
	// EnableCfs turns configuration on or off for this Session.
	EnableCfs bool `json:"enable_cfs"`
	// Partition optionally scopes role resolution to a single
	// partition (spec.md §4.1).
	Partition string `json:"partition,omitempty"`
}

// CheckAndSetDefaults validates the Session against the invariants in
// spec.md §3.
func (s *Session) CheckAndSetDefaults() error {
	if s.SessionID == "" {
		return trace.BadParameter("missing session_id")
	}
	if !s.Operation.Valid() {
		return trace.BadParameter("unsupported operation %q", s.Operation)
	}
	if len(s.BootSets) == 0 {
		return trace.BadParameter("session has no boot sets")
	}
	return nil
}

// EffectiveLimit combines the Session-level limit with a Boot Set's
// own limit, session limit first, matching agent.py's ordering when it
// narrows the already-Session-limited set further per Boot Set.
func (s Session) EffectiveLimit(bootSetName string) string {
	bs := s.BootSets[bootSetName]
	switch {
	case s.Limit != "" && bs.Limit != "":
		return s.Limit + "," + bs.Limit
	case s.Limit != "":
		return s.Limit
	default:
		return bs.Limit
	}
}

// Phases returns the static phase sequence for operation op, per
// spec.md §3's invariant.
func Phases(op boaconfig.Operation) []string {
	switch op {
	case boaconfig.OperationShutdown:
		return []string{PhaseShutdown}
	case boaconfig.OperationConfigure:
		return []string{PhaseStageConfiguration, PhaseWaitForConfiguration}
	case boaconfig.OperationBoot:
		return []string{PhaseStageConfiguration, PhaseBoot, PhaseWaitForConfiguration}
	case boaconfig.OperationReboot:
		return []string{PhaseStageConfiguration, PhaseShutdown, PhaseBoot, PhaseWaitForConfiguration}
	default:
		return nil
	}
}

// Phase name constants, shared by every component that dispatches on
// phase identity.
const (
	PhaseStageConfiguration   = "stage_configuration"
	PhaseShutdown             = "shutdown"
	PhaseBoot                 = "boot"
	PhaseWaitForConfiguration = "wait_for_configuration"
)
