// Package coordinator implements the SessionCoordinator described in
// spec.md §4.11: parse the Session file, spawn one PhaseExecutor per
// Boot Set, run them concurrently, and aggregate whatever errors come
// back.
//
// Grounded on lib/fsm/fsm.go's executeSubphasesConcurrently fan-out
// and lib/utils/collecterrors.go's CollectErrors join (spec.md §5:
// "one worker per Boot Set... a single bounded queue used to aggregate
// exception tuples").
package coordinator

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/Cray-HPE/boa/lib/artifact"
	"github.com/Cray-HPE/boa/lib/boaconfig"
	"github.com/Cray-HPE/boa/lib/boaerror"
	"github.com/Cray-HPE/boa/lib/bootscriptclient"
	"github.com/Cray-HPE/boa/lib/cfsclient"
	"github.com/Cray-HPE/boa/lib/configuration"
	"github.com/Cray-HPE/boa/lib/httpclient"
	"github.com/Cray-HPE/boa/lib/inventory"
	"github.com/Cray-HPE/boa/lib/phase"
	"github.com/Cray-HPE/boa/lib/power"
	"github.com/Cray-HPE/boa/lib/powerclient"
	"github.com/Cray-HPE/boa/lib/session"
	"github.com/Cray-HPE/boa/lib/statewaiter"
	"github.com/Cray-HPE/boa/lib/status"
	"github.com/cenkalti/backoff"
	"github.com/gravitational/trace"
	log "github.com/sirupsen/logrus"
)

// errSidecarNotReady marks a retryable (non-permanent) attempt for
// backoff.RetryNotify; it never escapes WaitForSidecar.
var errSidecarNotReady = trace.Errorf("sidecar not ready")

// WaitForSidecar polls url until it answers with a 2xx status, up to
// timeout, using an exponential backoff cadence. An empty url is a
// no-op, matching spec.md §4.11's "wait for a local sidecar proxy to
// become ready (best-effort; may be a no-op)". Timing out is not
// fatal: BOA proceeds anyway and lets the first real service call
// surface any connectivity problem.
//
// Grounded on lib/utils/retry.go's RetryWithInterval/NewExponentialBackOff
// pairing.
func WaitForSidecar(ctx context.Context, url string, timeout time.Duration) error {
	if url == "" {
		return nil
	}
	client := &http.Client{Timeout: 2 * time.Second}

	b := backoff.NewExponentialBackOff()
	b.MaxElapsedTime = timeout
	b.MaxInterval = 2 * time.Second

	err := backoff.RetryNotify(func() error {
		if ready(ctx, client, url) {
			return nil
		}
		return errSidecarNotReady
	}, backoff.WithContext(b, ctx), func(err error, d time.Duration) {
		log.WithField("url", url).Debugf("Sidecar not ready yet, retrying in %v.", d)
	})
	if err != nil {
		log.WithField("url", url).Warn("Sidecar proxy did not report ready in time; continuing anyway.")
	}
	return nil
}

func ready(ctx context.Context, client *http.Client, url string) bool {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return false
	}
	resp, err := client.Do(req)
	if err != nil {
		return false
	}
	defer resp.Body.Close()
	return resp.StatusCode >= 200 && resp.StatusCode < 300
}

// Coordinator is the SessionCoordinator.
type Coordinator struct {
	cfg *boaconfig.Config
}

// New returns a Coordinator for cfg.
func New(cfg *boaconfig.Config) *Coordinator {
	return &Coordinator{cfg: cfg}
}

// Run loads the Session Template file, fans out one worker per Boot
// Set, waits for all to finish, and returns the aggregated error, if
// any (spec.md §4.11). The returned error is already classified
// transient/nontransient via lib/boaerror.
func (c *Coordinator) Run(ctx context.Context) error {
	var sess session.Session
	if err := boaconfig.LoadSessionFile(c.cfg.SessionFilePath, &sess); err != nil {
		return boaerror.WrapNontransient(err, "failed to load session template")
	}
	if sess.SessionID == "" {
		sess.SessionID = c.cfg.SessionID
	}
	if sess.SessionTemplateID == "" {
		sess.SessionTemplateID = c.cfg.SessionTemplateID
	}
	if sess.Operation == "" {
		sess.Operation = c.cfg.Operation
	}
	if sess.Limit == "" {
		sess.Limit = c.cfg.SessionLimit
	}
	if err := sess.CheckAndSetDefaults(); err != nil {
		return boaerror.WrapNontransient(err, "invalid session template")
	}

	recorder, err := c.newStatusRecorder()
	if err != nil {
		return boaerror.WrapTransient(err, "failed to construct service clients")
	}

	bootSetNames := make([]string, 0, len(sess.BootSets))
	for name := range sess.BootSets {
		bootSetNames = append(bootSetNames, name)
	}

	sessionStatus, err := recorder.CreateOrReferenceSession(ctx, sess.SessionID, bootSetNames)
	if err != nil {
		return boaerror.WrapTransient(err, "failed to create session status")
	}
	sessionStatus.UpdateMetadata(ctx, status.GenericMetadata{StartTime: nowPtr()})
	defer sessionStatus.UpdateMetadata(ctx, status.GenericMetadata{StopTime: nowPtr()})

	errCh := make(chan error, len(bootSetNames))
	for _, name := range bootSetNames {
		name := name
		go func() {
			errCh <- c.runBootSet(ctx, sess.Partition, sessionStatus, &sess, name)
		}()
	}

	var errs []error
	for range bootSetNames {
		if err := <-errCh; err != nil {
			errs = append(errs, err)
		}
	}

	aggregate := trace.NewAggregate(errs...)
	if aggregate == nil {
		return nil
	}
	sessionStatus.SetError(ctx, aggregate.Error())
	return classify(aggregate, errs)
}

// classify re-tags the aggregate with the transient/nontransient kind
// of its worst constituent: trace.NewAggregate's return value does not
// itself implement trace.Error, so boaerror.IsNontransient can't see
// through it to the per-Boot-Set errors it wraps. Any transient member
// makes the whole aggregate transient (spec.md §7: a retry is only
// safe to skip once every failure is nontransient).
func classify(aggregate error, errs []error) error {
	for _, err := range errs {
		if boaerror.IsTransient(err) {
			return boaerror.WrapTransient(aggregate, "one or more boot sets failed")
		}
	}
	return boaerror.WrapNontransient(aggregate, "one or more boot sets failed")
}

// runBootSet creates the Boot-Set Status record and runs its
// PhaseExecutor to completion. Each worker builds its own set of
// service clients and writes only its own Boot-Set and Phase records
// (spec.md §5: "one retry-aware session per worker, no cross-worker
// sharing").
func (c *Coordinator) runBootSet(ctx context.Context, partition string, sessionStatus *status.SessionStatus, sess *session.Session, name string) error {
	if !sess.BootSets[name].HasNodeSources() {
		log.WithField("boot_set", name).Warn("Boot Set names no nodes; skipping.")
		return nil
	}
	bootSetStatus, err := sessionStatus.CreateOrReferenceBootSet(ctx, name)
	if err != nil {
		return trace.Wrap(err)
	}
	deps, err := c.buildDeps(partition)
	if err != nil {
		return boaerror.WrapTransient(err, "failed to construct service clients")
	}
	exec := phase.New(deps, c.cfg, sess, name, bootSetStatus)
	return exec.Run(ctx)
}

// newStatusRecorder builds the single status-service client used by
// the coordinator itself to create the Session and Boot-Set records
// (spec.md §5: the status records, not the client, are the one
// cross-worker shared resource, sharded by Boot-Set name).
func (c *Coordinator) newStatusRecorder() (*status.Recorder, error) {
	statusHTTP, err := httpclient.New(c.cfg.StatusBaseURL)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return status.New(statusHTTP), nil
}

// buildDeps constructs a fresh HTTP client per external service and
// wires them into the collaborators a PhaseExecutor needs (spec.md
// §2's dependency table). Called once per worker goroutine so no
// client instance is shared across Boot Sets (spec.md §5).
func (c *Coordinator) buildDeps(partition string) (phase.Deps, error) {
	hsmHTTP, err := httpclient.New(c.cfg.HSMBaseURL)
	if err != nil {
		return phase.Deps{}, trace.Wrap(err)
	}
	powerHTTP, err := httpclient.New(c.cfg.PowerControllerBaseURL)
	if err != nil {
		return phase.Deps{}, trace.Wrap(err)
	}
	bootScriptHTTP, err := httpclient.New(c.cfg.BootScriptBaseURL)
	if err != nil {
		return phase.Deps{}, trace.Wrap(err)
	}
	cfsHTTP, err := httpclient.New(c.cfg.ConfigurationBaseURL)
	if err != nil {
		return phase.Deps{}, trace.Wrap(err)
	}

	inv := inventory.New(hsmHTTP, partition)
	artifacts, err := artifact.New(artifact.Config{
		Region:    "default",
		Endpoint:  fmt.Sprintf("%s://%s", c.cfg.S3Protocol, c.cfg.S3Gateway),
		AccessKey: c.cfg.S3AccessKey,
		SecretKey: c.cfg.S3SecretKey,
	})
	if err != nil {
		return phase.Deps{}, trace.Wrap(err)
	}

	return phase.Deps{
		Inventory:     inv,
		Power:         power.New(powerclient.New(powerHTTP)),
		Waiter:        statewaiter.New(inv),
		Configuration: configuration.New(cfsclient.New(cfsHTTP)),
		BootScript:    bootscriptclient.New(bootScriptHTTP),
		Artifacts:     artifacts,
	}, nil
}

func nowPtr() *string {
	s := time.Now().UTC().Format(time.RFC3339)
	return &s
}
