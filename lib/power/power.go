// Package power implements the PowerController described in spec.md
// §4.7: parsing the vendor power response into per-node failures, and
// the graceful/forceful two-stage shutdown state machine.
//
// Grounded on original_source/src/cray/boa/capmcclient.py's
// parse_response and graceful_shutdown.
package power

import (
	"context"
	"time"

	"github.com/Cray-HPE/boa/lib/inventory"
	"github.com/Cray-HPE/boa/lib/powerclient"
	"github.com/gravitational/trace"
	log "github.com/sirupsen/logrus"
)

// capmcNodeLockErrorCode is the vendor error code for "CAPMC node lock
// error" (spec.md §4.7), which must be attributed to every target node
// not already attributed to another error.
const capmcNodeLockErrorCode = 37

const capmcNodeLockErrorMsg = "CAPMC node lock error"

// retriedOffErrorMsg is stripped from the GRACEFUL stage's failure
// count because those nodes are retried under force (spec.md §4.7).
const retriedOffErrorMsg = "exceeded retries waiting for component to be Off"

// ParseResponse parses a vendor power-action response into the set of
// nodes that did not receive the requested action and the reasons for
// failure, keyed by error message (spec.md §4.7).
func ParseResponse(resp *powerclient.Response, targets inventory.NodeSet) (inventory.NodeSet, map[string][]string) {
	failed := inventory.NodeSet{}
	reasons := map[string][]string{}

	if resp == nil || resp.Code == 0 {
		return failed, reasons
	}

	for _, id := range resp.Undefined {
		failed[id] = struct{}{}
	}

	for _, xe := range resp.Xnames {
		reasons[xe.ErrMsg] = append(reasons[xe.ErrMsg], xe.Xname)
		failed[xe.Xname] = struct{}{}
	}

	if resp.Code == capmcNodeLockErrorCode {
		var unattributed []string
		for id := range targets {
			if _, ok := failed[id]; !ok {
				unattributed = append(unattributed, id)
				failed[id] = struct{}{}
			}
		}
		if len(unattributed) > 0 {
			reasons[capmcNodeLockErrorMsg] = append(reasons[capmcNodeLockErrorMsg], unattributed...)
		}
	}

	return failed, reasons
}

// Controller drives power actions and the shutdown state machine for
// one Boot Set's target nodes.
type Controller struct {
	client *powerclient.Client
	log    log.FieldLogger
}

// New returns a Controller backed by client.
func New(client *powerclient.Client) *Controller {
	return &Controller{client: client, log: log.WithField(trace.Component, "power")}
}

// Power issues a single on/off action and returns the failed nodes and
// per-message reasons (spec.md §4.7's power()).
func (c *Controller) Power(ctx context.Context, nodes inventory.NodeSet, on, force bool, reason string) (inventory.NodeSet, map[string][]string, error) {
	if len(nodes) == 0 {
		return inventory.NodeSet{}, nil, nil
	}
	resp, err := c.client.Power(ctx, nodes, on, force, reason)
	if err != nil {
		return nil, nil, trace.Wrap(err)
	}
	failed, reasons := ParseResponse(resp, nodes)
	return failed, reasons, nil
}

// off returns the subset of nodes CAPMC currently reports as off, and
// the per-message reasons for any nodes ParseResponse attributes to
// the status query itself (e.g. vendor error 37, "CAPMC node lock
// error" against the whole query). Those nodes aren't in the off set,
// so they fall out as still-on automatically; callers fold the
// reasons into their own error bookkeeping (spec.md §4.7).
func (c *Controller) off(ctx context.Context, nodes inventory.NodeSet) (inventory.NodeSet, map[string][]string, error) {
	resp, err := c.client.Status(ctx, nodes, "show_all")
	if err != nil {
		return nil, nil, trace.Wrap(err)
	}
	_, reasons := ParseResponse(resp, nodes)
	return inventory.NewNodeSet(resp.Off...), reasons, nil
}

// NodesOn returns the subset of nodes currently reported on, used by
// the boot phase to skip nodes that don't need a power-on action
// (spec.md §4.10's boot phase: "query current power; skip nodes
// already on").
func (c *Controller) NodesOn(ctx context.Context, nodes inventory.NodeSet) (inventory.NodeSet, error) {
	off, reasons, err := c.off(ctx, nodes)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	if len(reasons) > 0 {
		c.log.WithField("reasons", reasons).Warn("Status query reported errors for some nodes; treating them as on.")
	}
	return nodes.Difference(off), nil
}

// ShutdownParams are the timing knobs of the graceful shutdown state
// machine (spec.md §4.7), as durations.
type ShutdownParams struct {
	GraceWindow     time.Duration
	HardWindow      time.Duration
	GracefulPrewait time.Duration
	Frequency       time.Duration
	Reason          string
}

// sleep is overridden in tests to avoid real waits.
var sleep = time.Sleep

// GracefulShutdown runs the QUERY → GRACEFUL → WAIT_OFF_G → FORCEFUL →
// WAIT_OFF_F → DONE state machine described in spec.md §4.7. It
// returns the nodes still on at the end (failed) and the accumulated
// per-message reasons.
func (c *Controller) GracefulShutdown(ctx context.Context, targets inventory.NodeSet, p ShutdownParams) (inventory.NodeSet, map[string][]string, error) {
	errors := map[string][]string{}
	if len(targets) == 0 {
		return inventory.NodeSet{}, errors, nil
	}

	// QUERY
	off, queryReasons, err := c.off(ctx, targets)
	if err != nil {
		return nil, nil, trace.Wrap(err)
	}
	mergeErrors(errors, queryReasons)
	nodesOn := targets.Difference(off)

	// GRACEFUL
	if len(nodesOn) == 0 {
		c.log.Info("All nodes already in off state.")
		return inventory.NodeSet{}, errors, nil
	}
	c.log.Info("Issuing graceful powerdown request.")
	_, gracefulErrors, err := c.Power(ctx, nodesOn, false, false, p.Reason)
	if err != nil {
		return nil, nil, trace.Wrap(err)
	}
	mergeErrorsExcluding(errors, gracefulErrors, retriedOffErrorMsg)
	sleep(p.GracefulPrewait)

	// WAIT_OFF_G
	nodesOn, err = c.waitUntilOff(ctx, nodesOn, p.GraceWindow, p.Frequency, errors)
	if err != nil {
		return nil, nil, trace.Wrap(err)
	}

	// FORCEFUL
	if len(nodesOn) == 0 {
		return inventory.NodeSet{}, errors, nil
	}
	c.log.WithField("count", len(nodesOn)).Info("Issuing hard poweroff request.")
	forcefulFailed, forcefulErrors, err := c.Power(ctx, nodesOn, false, true, p.Reason)
	if err != nil {
		return nil, nil, trace.Wrap(err)
	}
	mergeErrors(errors, forcefulErrors)
	if len(forcefulFailed) > 0 {
		c.log.WithField("count", len(forcefulFailed)).Error("Power controller unable to issue shutdown command.")
		return forcefulFailed, errors, nil
	}

	// WAIT_OFF_F
	nodesOn, err = c.waitUntilOff(ctx, nodesOn, p.HardWindow, p.Frequency, errors)
	if err != nil {
		return nil, nil, trace.Wrap(err)
	}
	if len(nodesOn) > 0 {
		errors["Never went to off state"] = nodesOn.Slice()
		c.log.WithField("count", len(nodesOn)).Error("Nodes did not enter a shutdown state within the hard window.")
	}

	// DONE
	return nodesOn, errors, nil
}

// waitUntilOff polls every frequency until window elapses or nodesOn
// is empty, returning whatever remains on. Reasons ParseResponse
// attributes to the status query (e.g. a node lock error) are folded
// into errors, the same bookkeeping GracefulShutdown reports out.
func (c *Controller) waitUntilOff(ctx context.Context, nodesOn inventory.NodeSet, window, frequency time.Duration, errors map[string][]string) (inventory.NodeSet, error) {
	deadline := time.Now().Add(window)
	for len(nodesOn) > 0 && time.Now().Before(deadline) {
		sleep(frequency)
		off, reasons, err := c.off(ctx, nodesOn)
		if err != nil {
			c.log.WithError(err).Warn("Received an error while requesting node status; ignoring.")
			continue
		}
		mergeErrors(errors, reasons)
		nodesOn = nodesOn.Difference(off)
	}
	return nodesOn, nil
}

func mergeErrors(dst, src map[string][]string) {
	for msg, nodes := range src {
		dst[msg] = append(dst[msg], nodes...)
	}
}

func mergeErrorsExcluding(dst, src map[string][]string, exclude string) {
	for msg, nodes := range src {
		if msg == exclude {
			continue
		}
		dst[msg] = append(dst[msg], nodes...)
	}
}
