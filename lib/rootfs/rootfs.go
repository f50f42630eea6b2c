// Package rootfs implements the RootfsProvider described in spec.md
// §4.5: the closed set of root filesystem provisioning schemes a Boot
// Set may select by name, and the kernel command-line fragment each
// one contributes.
//
// The source picks a provider by lower-casing a name and dynamically
// importing a module/class pair (original_source/src/cray/boa/rootfs/
// __init__.py, cpss3.py). SPEC_FULL.md §9 redesigns this as a closed
// Go variant: Provider is an interface, but the only constructor is
// NewProvider, and it recognizes exactly one kind.
package rootfs

import (
	"strings"

	"github.com/Cray-HPE/boa/lib/artifact"
	"github.com/Cray-HPE/boa/lib/boaerror"
)

// delimiter separates the colon-joined fields of the root= fragment,
// grounded on rootfs/__init__.py's RootfsProvider.DELIMITER.
const delimiter = ":"

// Fragments is the kernel-command-line contribution of a Provider: a
// root= fragment, and an optional nmd_data= fragment.
type Fragments struct {
	Root string
	NMD  string
}

// Provider renders the kernel-command-line fragments for one
// provisioning scheme.
type Provider interface {
	// Render computes the fragments for the given artifacts and
	// passthrough string.
	Render(artifacts *artifact.BootArtifacts, passthrough string) Fragments
}

// cpsS3Provider is the CPS-S3 variant (spec.md §4.5): protocol
// craycps-s3, provider_field = rootfs_url, provider_field_id =
// rootfs_etag, and an additional nmd_data= fragment.
type cpsS3Provider struct{}

const cpsS3Protocol = "craycps-s3"

func (cpsS3Provider) Render(artifacts *artifact.BootArtifacts, passthrough string) Fragments {
	fields := []string{cpsS3Protocol}
	if artifacts.RootfsURL != "" {
		fields = append(fields, artifacts.RootfsURL)
	}
	if artifacts.RootfsEtag != "" {
		fields = append(fields, artifacts.RootfsEtag)
	}
	if passthrough != "" {
		fields = append(fields, passthrough)
	}

	var root string
	if len(fields) > 0 {
		root = "root=" + strings.Join(fields, delimiter)
	}

	var nmdParts []string
	if artifacts.RootfsURL != "" {
		nmdParts = append(nmdParts, "url="+artifacts.RootfsURL)
	}
	if artifacts.RootfsEtag != "" {
		nmdParts = append(nmdParts, "etag="+artifacts.RootfsEtag)
	}
	var nmd string
	if len(nmdParts) > 0 {
		nmd = "nmd_data=" + strings.Join(nmdParts, ",")
	}

	return Fragments{Root: root, NMD: nmd}
}

// NewProvider resolves name (case-insensitive) to a Provider. Unknown
// names raise nontransient at construction, matching
// original_source/.../rootfs/__init__.py's ProviderNotImplemented.
func NewProvider(name string) (Provider, error) {
	switch strings.ToLower(name) {
	case "cpss3", "craycps-s3":
		return cpsS3Provider{}, nil
	default:
		return nil, boaerror.Nontransient("rootfs provider %q is not implemented", name)
	}
}

// BuildCmdline assembles the full kernel command line in the exact
// order spec.md §4.5 requires: image-embedded parameters, the Boot
// Set's own kernel_parameters, the root= fragment, the nmd_data=
// fragment (if any), then bos_session_id.
func BuildCmdline(imageParameters, bootSetKernelParameters string, fragments Fragments, sessionID string) string {
	var parts []string
	if imageParameters != "" {
		parts = append(parts, strings.Fields(imageParameters)...)
	}
	if bootSetKernelParameters != "" {
		parts = append(parts, strings.Fields(bootSetKernelParameters)...)
	}
	if fragments.Root != "" {
		parts = append(parts, fragments.Root)
	}
	if fragments.NMD != "" {
		parts = append(parts, fragments.NMD)
	}
	parts = append(parts, "bos_session_id="+sessionID)
	return strings.Join(parts, " ")
}
