package artifact

import (
	"bytes"
	"encoding/json"
	"io/ioutil"
	"testing"

	"github.com/Cray-HPE/boa/lib/boaerror"
	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/service/s3"
	"github.com/aws/aws-sdk-go/service/s3/s3iface"
	"github.com/stretchr/testify/require"
)

// fakeS3 embeds s3iface.S3API so it only needs to override the two
// calls the Resolver actually issues, mirroring
// lib/testutils/s3.go's embedding pattern.
type fakeS3 struct {
	s3iface.S3API
	manifest []byte
	etag     string
}

func (f *fakeS3) HeadObject(*s3.HeadObjectInput) (*s3.HeadObjectOutput, error) {
	return &s3.HeadObjectOutput{ETag: aws.String(`"` + f.etag + `"`)}, nil
}

func (f *fakeS3) GetObject(*s3.GetObjectInput) (*s3.GetObjectOutput, error) {
	return &s3.GetObjectOutput{Body: ioutil.NopCloser(bytes.NewReader(f.manifest))}, nil
}

func marshalManifest(t *testing.T, m manifest) []byte {
	data, err := json.Marshal(m)
	require.NoError(t, err)
	return data
}

func fullManifest() manifest {
	return manifest{Artifacts: []manifestArtifact{
		{Type: ContentTypeKernel, Link: link{Path: "s3://boot-images/img/kernel", Etag: "k-etag"}},
		{Type: ContentTypeInitrd, Link: link{Path: "s3://boot-images/img/initrd", Etag: "i-etag"}},
		{Type: ContentTypeRootfs, Link: link{Path: "s3://boot-images/img/rootfs", Etag: "r-etag"}},
		{Type: ContentTypeBootParams, Link: link{Path: "s3://boot-images/img/params", Etag: "p-etag"}},
	}}
}

func TestResolveFullManifest(t *testing.T) {
	fake := &fakeS3{manifest: marshalManifest(t, fullManifest()), etag: "manifest-etag"}
	r := &Resolver{Config: Config{S3: fake}}

	artifacts, err := r.Resolve("s3://boot-images/img/manifest.json", "manifest-etag")
	require.NoError(t, err)
	require.Equal(t, "s3://boot-images/img/kernel", artifacts.KernelURL)
	require.Equal(t, "s3://boot-images/img/initrd", artifacts.InitrdURL)
	require.Equal(t, "s3://boot-images/img/rootfs", artifacts.RootfsURL)
	require.Equal(t, "r-etag", artifacts.RootfsEtag)
	require.True(t, artifacts.HasBootParameters)
	require.Equal(t, "s3://boot-images/img/params", artifacts.BootParametersURL)
}

func TestResolveMissingBootParametersIsLegal(t *testing.T) {
	m := fullManifest()
	m.Artifacts = m.Artifacts[:3] // drop boot-parameters
	fake := &fakeS3{manifest: marshalManifest(t, m), etag: "manifest-etag"}
	r := &Resolver{Config: Config{S3: fake}}

	artifacts, err := r.Resolve("s3://boot-images/img/manifest.json", "")
	require.NoError(t, err)
	require.False(t, artifacts.HasBootParameters)
	require.Empty(t, artifacts.BootParametersURL)
}

func TestResolveMissingRequiredArtifactFails(t *testing.T) {
	m := manifest{Artifacts: []manifestArtifact{
		{Type: ContentTypeKernel, Link: link{Path: "s3://boot-images/img/kernel"}},
		{Type: ContentTypeInitrd, Link: link{Path: "s3://boot-images/img/initrd"}},
	}}
	fake := &fakeS3{manifest: marshalManifest(t, m)}
	r := &Resolver{Config: Config{S3: fake}}

	_, err := r.Resolve("s3://boot-images/img/manifest.json", "")
	require.Error(t, err)
	require.True(t, boaerror.IsNontransient(err))
}

func TestResolveDuplicateRequiredArtifactFails(t *testing.T) {
	m := fullManifest()
	m.Artifacts = append(m.Artifacts, manifestArtifact{
		Type: ContentTypeRootfs, Link: link{Path: "s3://boot-images/img/rootfs2"},
	})
	fake := &fakeS3{manifest: marshalManifest(t, m)}
	r := &Resolver{Config: Config{S3: fake}}

	_, err := r.Resolve("s3://boot-images/img/manifest.json", "")
	require.Error(t, err)
	require.True(t, boaerror.IsNontransient(err))
}

func TestParseS3URL(t *testing.T) {
	loc, err := parseS3URL("s3://boot-images/a/b/c.json")
	require.NoError(t, err)
	require.Equal(t, "boot-images", loc.bucket)
	require.Equal(t, "a/b/c.json", loc.key)
}
