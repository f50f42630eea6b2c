// Package configuration implements the ConfigurationDriver described
// in spec.md §4.9: resolving (or creating) a desired configuration,
// staging it onto components, and waiting for components to reach a
// terminal configuration status.
//
// Grounded on original_source/src/cray/boa/cfsclient.py's
// wait_for_configuration and set_configuration/get_default_clone_url,
// generalized per spec.md §4.9's reuse-if-possible rule (absent from
// the source, which always created a fresh configuration).
package configuration

import (
	"context"
	"fmt"
	"time"

	"github.com/Cray-HPE/boa/lib/boaerror"
	"github.com/Cray-HPE/boa/lib/cfsclient"
	"github.com/Cray-HPE/boa/lib/inventory"
	"github.com/Cray-HPE/boa/lib/status"
	"github.com/gravitational/trace"
	"github.com/pborman/uuid"
	log "github.com/sirupsen/logrus"
)

// namePrefix marks configurations BOA created itself, distinguishing
// them from operator-authored ones during the reuse search (spec.md
// §4.9's "BOA prefix").
const namePrefix = "boa-"

// nearlyForever approximates the source's "give them about 100 years"
// unlimited wait (spec.md §4.9).
const nearlyForever = 100 * 365 * 24 * time.Hour

// sleep is overridden in tests.
var sleep = time.Sleep

// Spec is the configuration a Boot Set wants applied: either an
// existing named configuration, or enough of a clone-url/playbook/
// commit/branch tuple to find-or-create one.
type Spec struct {
	Configuration string
	CloneURL      string
	Branch        string
	Commit        string
	Playbook      string
}

// Driver resolves and stages configuration for a set of nodes.
type Driver struct {
	cfs *cfsclient.Client
	log log.FieldLogger
}

// New returns a Driver backed by cfs.
func New(cfs *cfsclient.Client) *Driver {
	return &Driver{cfs: cfs, log: log.WithField("component", "configuration")}
}

// ResolveConfiguration returns the configuration name to use for
// spec: the explicit name if given, otherwise an existing reusable
// configuration, otherwise a freshly created one (spec.md §4.9).
func (d *Driver) ResolveConfiguration(ctx context.Context, spec Spec) (string, error) {
	if spec.Configuration != "" {
		return spec.Configuration, nil
	}

	cloneURL, playbook := spec.CloneURL, spec.Playbook
	if cloneURL == "" || playbook == "" {
		opts, err := d.cfs.Options(ctx)
		if err != nil {
			return "", trace.Wrap(err)
		}
		if cloneURL == "" {
			cloneURL = opts.DefaultCloneURL
		}
		if playbook == "" {
			playbook = opts.DefaultPlaybook
		}
	}

	existing, err := d.findReusable(ctx, cloneURL, playbook, spec.Commit, spec.Branch)
	if err != nil {
		return "", trace.Wrap(err)
	}
	if existing != "" {
		return existing, nil
	}

	name := namePrefix + uuid.New()
	err = d.cfs.CreateConfiguration(ctx, cfsclient.Configuration{
		Name: name,
		Layers: []cfsclient.ConfigLayer{{
			CloneURL: cloneURL,
			Playbook: playbook,
			Commit:   spec.Commit,
			Branch:   spec.Branch,
		}},
	})
	if err != nil {
		return "", trace.Wrap(err)
	}
	return name, nil
}

// findReusable returns the name of an existing BOA-created, single-
// layer configuration whose layer matches {cloneURL, playbook,
// commit, branch}, or "" if none exists.
func (d *Driver) findReusable(ctx context.Context, cloneURL, playbook, commit, branch string) (string, error) {
	configs, err := d.cfs.ListConfigurations(ctx)
	if err != nil {
		return "", trace.Wrap(err)
	}
	for _, c := range configs {
		if len(c.Name) < len(namePrefix) || c.Name[:len(namePrefix)] != namePrefix {
			continue
		}
		if len(c.Layers) != 1 {
			continue
		}
		l := c.Layers[0]
		if l.CloneURL == cloneURL && l.Playbook == playbook && l.Commit == commit && l.Branch == branch {
			return c.Name, nil
		}
	}
	return "", nil
}

// StageConfiguration PATCHes the desired state for nodeIDs. The
// configuration service keys a component's desired configuration
// document by its commit field, so configName goes there. enabled is
// true only for the configure operation; boot/reboot defer enabling
// so configuration does not race the power transition (spec.md §4.9).
func (d *Driver) StageConfiguration(ctx context.Context, nodeIDs []string, configName string, enabled bool) error {
	return trace.Wrap(d.cfs.PatchDesiredState(ctx, nodeIDs, cfsclient.DesiredState{Commit: configName}, enabled))
}

// WaitParams are the timing knobs for WaitForConfiguration (spec.md
// §4.9).
type WaitParams struct {
	MaximumDuration  time.Duration
	CheckInterval    time.Duration
	SuccessThreshold float64
}

// WaitForConfiguration polls until every node's configurationStatus is
// configured or failed, moving nodes in phase from in_progress to
// succeeded or failed as they settle, and raises boaerror.ConfigurationTimeout or
// boaerror.ExhaustedRetries per spec.md §4.9. It also returns every
// node moved to CategoryFailed along the way (spec.md §4.9 step 5:
// "add to Boot-Set failed set"), so callers can fold configuration
// failures into their own failed-node accounting the same way the
// boot and shutdown phases do.
func (d *Driver) WaitForConfiguration(ctx context.Context, nodes inventory.NodeSet, phase *status.PhaseStatus, p WaitParams) (inventory.NodeSet, error) {
	total := len(nodes)
	if total == 0 {
		return inventory.NodeSet{}, nil
	}

	maxDuration := p.MaximumDuration
	if maxDuration == 0 {
		maxDuration = nearlyForever
	}
	deadline := time.Now().Add(maxDuration)

	allowableFailures := (1.0 - p.SuccessThreshold) * float64(total)

	remaining := nodes
	successes := 0
	failures := 0
	allFailed := inventory.NodeSet{}

	lastStatus := ""
	lastReport := time.Now()

	for time.Now().Before(deadline) {
		components, err := d.cfs.GetComponentsChunked(ctx, remaining.Slice())
		if err != nil {
			return allFailed, trace.Wrap(err)
		}

		byStatus := map[string]inventory.NodeSet{}
		seen := inventory.NodeSet{}
		for _, c := range components {
			st := c.ConfigurationStatus
			if st == "" {
				st = "undefined"
			}
			if byStatus[st] == nil {
				byStatus[st] = inventory.NodeSet{}
			}
			byStatus[st][c.ID] = struct{}{}
			seen[c.ID] = struct{}{}
		}

		configured := byStatus["configured"]
		if len(configured) > 0 {
			phase.MoveNodes(ctx, status.CategoryInProgress, status.CategorySucceeded, configured.Slice())
			successes += len(configured)
		}

		errorsByMsg := map[string][]string{}
		failed := byStatus["failed"]
		if len(failed) > 0 {
			errorsByMsg["CFS failed and exhausted all retries"] = failed.Slice()
		}
		removed := remaining.Difference(seen)
		if len(removed) > 0 {
			errorsByMsg["Status could not be retrieved from CFS"] = removed.Slice()
			failed = failed.Union(removed)
		}
		for st, set := range byStatus {
			if st == "configured" || st == "failed" || st == "pending" {
				continue
			}
			msg := fmt.Sprintf("component entered the unhandled status %q", st)
			errorsByMsg[msg] = set.Slice()
			failed = failed.Union(set)
		}
		if len(errorsByMsg) > 0 {
			phase.UpdateErrors(ctx, errorsByMsg)
		}
		if len(failed) > 0 {
			phase.MoveNodes(ctx, status.CategoryInProgress, status.CategoryFailed, failed.Slice())
			failures += len(failed)
			allFailed = allFailed.Union(failed)
		}

		if float64(failures) > allowableFailures {
			return allFailed, boaerror.ExhaustedRetries(total, failures, p.SuccessThreshold)
		}

		remaining = byStatus["pending"]
		if len(remaining) == 0 {
			return allFailed, nil
		}

		msg := fmt.Sprintf("%d unconfigured nodes, %d failed, %d succeeded", len(remaining), failures, successes)
		if msg != lastStatus || time.Since(lastReport) > 15*time.Second {
			d.log.Info(msg)
			lastStatus = msg
			lastReport = time.Now()
		}
		sleep(p.CheckInterval)
	}

	if float64(successes) >= p.SuccessThreshold*float64(total) {
		d.log.WithField("remaining", len(remaining)).Info("Configuration wait period elapsed; threshold met, remaining nodes may still be configuring.")
		return allFailed, nil
	}
	return allFailed, boaerror.ConfigurationTimeout(total, successes, p.SuccessThreshold)
}
