package rootfs

import (
	"testing"

	"github.com/Cray-HPE/boa/lib/artifact"
	"github.com/stretchr/testify/require"
)

func TestNewProviderUnknownNameRejected(t *testing.T) {
	_, err := NewProvider("ars")
	require.Error(t, err)
}

func TestNewProviderCaseInsensitive(t *testing.T) {
	p, err := NewProvider("CPSS3")
	require.NoError(t, err)
	require.NotNil(t, p)
}

func TestCPSS3RenderProducesRootAndNMDFragments(t *testing.T) {
	p, err := NewProvider("cpss3")
	require.NoError(t, err)

	fragments := p.Render(&artifact.BootArtifacts{
		RootfsURL:  "s3://boot-images/img/rootfs",
		RootfsEtag: "r-etag",
	}, "")

	require.Equal(t, "root=craycps-s3:s3://boot-images/img/rootfs:r-etag", fragments.Root)
	require.Equal(t, "nmd_data=url=s3://boot-images/img/rootfs,etag=r-etag", fragments.NMD)
}

func TestCPSS3RenderIncludesPassthrough(t *testing.T) {
	p, err := NewProvider("cpss3")
	require.NoError(t, err)

	fragments := p.Render(&artifact.BootArtifacts{
		RootfsURL:  "s3://boot-images/img/rootfs",
		RootfsEtag: "r-etag",
	}, "dvs:foo")

	require.Equal(t, "root=craycps-s3:s3://boot-images/img/rootfs:r-etag:dvs:foo", fragments.Root)
}

func TestBuildCmdlineOrdering(t *testing.T) {
	p, err := NewProvider("cpss3")
	require.NoError(t, err)
	fragments := p.Render(&artifact.BootArtifacts{RootfsURL: "s3://b/rootfs", RootfsEtag: "e"}, "")

	cmdline := BuildCmdline("console=ttyS0", "quiet splash", fragments, "sess-1")
	require.Equal(t,
		"console=ttyS0 quiet splash root=craycps-s3:s3://b/rootfs:e nmd_data=url=s3://b/rootfs,etag=e bos_session_id=sess-1",
		cmdline,
	)
}

func TestBuildCmdlineOmitsEmptyFragments(t *testing.T) {
	cmdline := BuildCmdline("", "", Fragments{}, "sess-1")
	require.Equal(t, "bos_session_id=sess-1", cmdline)
}
