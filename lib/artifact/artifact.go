// Package artifact implements the ArtifactResolver described in
// spec.md §4.4: resolving an S3 image-manifest pointer into the four
// boot artifacts a Boot Set needs.
//
// Grounded on original_source/src/cray/boa/s3client.py's S3Url/
// S3BootArtifacts (manifest caching, per-content-type indexing) and on
// lib/hub/hub.go's session.NewSession/s3.New/s3iface.S3API wiring,
// which is the teacher's only real S3 call site.
package artifact

import (
	"encoding/json"
	"io/ioutil"
	"net/url"
	"strings"

	"github.com/Cray-HPE/boa/lib/boaerror"
	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/awserr"
	"github.com/aws/aws-sdk-go/aws/credentials"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/s3"
	"github.com/aws/aws-sdk-go/service/s3/s3iface"
	"github.com/gravitational/trace"
	log "github.com/sirupsen/logrus"
)

// The four content-types a manifest is indexed by (spec.md §4.4).
const (
	ContentTypeKernel     = "application/vnd.cray.image.kernel"
	ContentTypeInitrd     = "application/vnd.cray.image.initrd"
	ContentTypeRootfs     = "application/vnd.cray.image.rootfs.squashfs"
	ContentTypeBootParams = "application/vnd.cray.image.parameters.boot"
)

// Config configures a Resolver's S3 connectivity.
type Config struct {
	Region      string
	Endpoint    string
	AccessKey   string
	SecretKey   string
	// S3 is an optional pre-built client, primarily for tests.
	S3 s3iface.S3API
}

// CheckAndSetDefaults builds the S3 client if one was not supplied.
func (c *Config) CheckAndSetDefaults() error {
	if c.S3 != nil {
		return nil
	}
	cfg := &aws.Config{
		Region:           aws.String(c.Region),
		S3ForcePathStyle: aws.Bool(true),
	}
	if c.Endpoint != "" {
		cfg.Endpoint = aws.String(c.Endpoint)
	}
	if c.AccessKey != "" {
		cfg.Credentials = credentials.NewStaticCredentials(c.AccessKey, c.SecretKey, "")
	}
	sess, err := session.NewSession(cfg)
	if err != nil {
		return trace.Wrap(err)
	}
	c.S3 = s3.New(sess)
	return nil
}

// Resolver resolves image-manifest pointers into Boot Artifacts.
type Resolver struct {
	Config
}

// New returns a Resolver backed by config.
func New(config Config) (*Resolver, error) {
	if err := config.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	return &Resolver{Config: config}, nil
}

// s3URL splits an s3://bucket/key path into its parts, grounded on
// s3client.py's S3Url.
type s3URL struct {
	bucket string
	key    string
}

func parseS3URL(path string) (s3URL, error) {
	u, err := url.Parse(path)
	if err != nil {
		return s3URL{}, trace.Wrap(err)
	}
	return s3URL{bucket: u.Host, key: strings.TrimPrefix(u.Path, "/")}, nil
}

// link is one artifact's location pointer within the manifest.
type link struct {
	Path string `json:"path"`
	Etag string `json:"etag"`
	Type string `json:"type"`
}

type manifestArtifact struct {
	Type string `json:"type"`
	Link link   `json:"link"`
	MD5  string `json:"md5"`
}

type manifest struct {
	Artifacts []manifestArtifact `json:"artifacts"`
}

// BootArtifacts is the resolved set of image locations a Boot Set
// needs (spec.md §3).
type BootArtifacts struct {
	KernelURL         string
	InitrdURL         string
	RootfsURL         string
	RootfsEtag        string
	BootParametersURL string
	BootParametersEtag string
	// HasBootParameters is false when the manifest carried none; the
	// boot-parameters fields above are then both empty.
	HasBootParameters bool
}

// Resolve fetches the manifest at path, validates it against etag, and
// returns the four boot artifacts (spec.md §4.4).
func (r *Resolver) Resolve(path, etag string) (*BootArtifacts, error) {
	loc, err := parseS3URL(path)
	if err != nil {
		return nil, trace.Wrap(err)
	}

	if err := r.checkEtag(loc, etag); err != nil {
		return nil, trace.Wrap(err)
	}

	m, err := r.fetchManifest(loc)
	if err != nil {
		return nil, trace.Wrap(err)
	}

	kernel, err := requireOne(m, ContentTypeKernel)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	initrd, err := requireOne(m, ContentTypeInitrd)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	rootfs, err := requireOne(m, ContentTypeRootfs)
	if err != nil {
		return nil, trace.Wrap(err)
	}

	artifacts := &BootArtifacts{
		KernelURL:  kernel.Link.Path,
		InitrdURL:  initrd.Link.Path,
		RootfsURL:  rootfs.Link.Path,
		RootfsEtag: rootfs.Link.Etag,
	}

	if bp, ok := lookupOptional(m, ContentTypeBootParams); ok {
		artifacts.BootParametersURL = bp.Link.Path
		artifacts.BootParametersEtag = bp.Link.Etag
		artifacts.HasBootParameters = true
	}

	return artifacts, nil
}

// FetchBootParameters returns the boot-parameters object's body, a
// space-separated string of image-embedded kernel parameters, or ""
// if the manifest carried none (spec.md §4.5 step 1: "image-embedded
// parameters (fetched from the optional boot-parameters object,
// space-split)").
func (r *Resolver) FetchBootParameters(a *BootArtifacts) (string, error) {
	if !a.HasBootParameters {
		return "", nil
	}
	loc, err := parseS3URL(a.BootParametersURL)
	if err != nil {
		return "", trace.Wrap(err)
	}
	out, err := r.S3.GetObject(&s3.GetObjectInput{
		Bucket: aws.String(loc.bucket),
		Key:    aws.String(loc.key),
	})
	if err != nil {
		return "", trace.Wrap(convertS3Error(err))
	}
	defer out.Body.Close()

	data, err := ioutil.ReadAll(out.Body)
	if err != nil {
		return "", trace.Wrap(err)
	}
	return string(data), nil
}

// checkEtag HEADs the object and logs (does not fail) on an etag
// mismatch, per spec.md §4.4 step 1.
func (r *Resolver) checkEtag(loc s3URL, etag string) error {
	out, err := r.S3.HeadObject(&s3.HeadObjectInput{
		Bucket: aws.String(loc.bucket),
		Key:    aws.String(loc.key),
	})
	if err != nil {
		return trace.Wrap(convertS3Error(err))
	}
	if etag != "" && out.ETag != nil && strings.Trim(*out.ETag, `"`) != etag {
		log.WithFields(log.Fields{
			"path":     loc.bucket + "/" + loc.key,
			"expected": etag,
			"found":    strings.Trim(*out.ETag, `"`),
		}).Warn("S3 object etag mismatch, continuing.")
	}
	return nil
}

func (r *Resolver) fetchManifest(loc s3URL) (*manifest, error) {
	out, err := r.S3.GetObject(&s3.GetObjectInput{
		Bucket: aws.String(loc.bucket),
		Key:    aws.String(loc.key),
	})
	if err != nil {
		return nil, trace.Wrap(convertS3Error(err))
	}
	defer out.Body.Close()

	data, err := ioutil.ReadAll(out.Body)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	var m manifest
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, trace.Wrap(err)
	}
	return &m, nil
}

func matching(m *manifest, contentType string) []manifestArtifact {
	var out []manifestArtifact
	for _, a := range m.Artifacts {
		if a.Type == contentType {
			out = append(out, a)
		}
	}
	return out
}

func requireOne(m *manifest, contentType string) (manifestArtifact, error) {
	matches := matching(m, contentType)
	if len(matches) == 0 {
		return manifestArtifact{}, boaerror.ArtifactMissing(contentType)
	}
	if len(matches) > 1 {
		return manifestArtifact{}, boaerror.TooManyArtifacts(contentType, len(matches))
	}
	return matches[0], nil
}

func lookupOptional(m *manifest, contentType string) (manifestArtifact, bool) {
	matches := matching(m, contentType)
	if len(matches) == 0 {
		return manifestArtifact{}, false
	}
	return matches[0], true
}

// convertS3Error maps a NoSuchKey/NoSuchBucket AWS error to
// trace.NotFound, mirroring lib/utils/error.go's ConvertS3Error.
func convertS3Error(err error) error {
	awsErr, ok := err.(awserr.Error)
	if !ok {
		return err
	}
	switch awsErr.Code() {
	case s3.ErrCodeNoSuchKey, s3.ErrCodeNoSuchBucket, "NotFound":
		return trace.NotFound(awsErr.Message())
	}
	return err
}
