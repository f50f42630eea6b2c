// Package bootscriptclient implements the BootScriptRegistrar
// described in spec.md §4.6: splitting a target node set into those
// already known to the boot-script service and those that are not,
// then upserting boot parameters for each non-empty subset.
//
// Grounded on original_source/src/cray/boa/bssclient.py's
// set_bss_urls (bulk GET with a 404 meaning "none known", followed by
// one PUT per non-empty subset), reworked against
// lib/httpclient.Client in place of bssclient.py's requests session.
package bootscriptclient

import (
	"context"
	"encoding/json"

	"github.com/Cray-HPE/boa/lib/httpclient"
	"github.com/Cray-HPE/boa/lib/inventory"
	"github.com/gravitational/trace"
	log "github.com/sirupsen/logrus"
)

// hostList is one entry of the bulk GET response body.
type hostList struct {
	Hosts []string `json:"hosts"`
}

// bootParameters is the PUT assignment payload.
type bootParameters struct {
	Hosts  []string `json:"hosts"`
	Params string   `json:"params"`
	Kernel string   `json:"kernel"`
	Initrd string   `json:"initrd"`
}

// Registrar is the BootScriptRegistrar.
type Registrar struct {
	client *httpclient.Client
	log    log.FieldLogger
}

// New returns a Registrar backed by client.
func New(client *httpclient.Client) *Registrar {
	return &Registrar{client: client, log: log.WithField(trace.Component, "bootscriptclient")}
}

// Register tells the boot-script service which kernel/initrd/params to
// associate with nodes, splitting nodes into already-known and unknown
// subsets first (spec.md §4.6).
func (r *Registrar) Register(ctx context.Context, nodes inventory.NodeSet, params, kernel, initrd string) error {
	known, err := r.known(ctx, nodes)
	if err != nil {
		return trace.Wrap(err)
	}

	unknown := nodes.Difference(known)
	known = nodes.Intersect(known)

	for _, subset := range []inventory.NodeSet{known, unknown} {
		if len(subset) == 0 {
			continue
		}
		if err := r.put(ctx, subset, params, kernel, initrd); err != nil {
			return trace.Wrap(err)
		}
	}
	return nil
}

// known returns the subset of nodes the boot-script service already
// has boot parameters for. A 404 on the bulk GET means none are known
// (spec.md §4.6), which is not an error.
func (r *Registrar) known(ctx context.Context, nodes inventory.NodeSet) (inventory.NodeSet, error) {
	endpoint := r.client.Endpoint("bootparameters")
	out, err := r.client.PostJSON(ctx, endpoint, hostList{Hosts: nodes.Slice()})
	if err != nil {
		if httpclient.IsNotFound(err) {
			return inventory.NodeSet{}, nil
		}
		return nil, trace.Wrap(err)
	}

	var lists []hostList
	if err := json.Unmarshal(out.Bytes(), &lists); err != nil {
		return nil, trace.Wrap(err)
	}
	known := inventory.NodeSet{}
	for _, l := range lists {
		for _, host := range l.Hosts {
			known[host] = struct{}{}
		}
	}
	return known, nil
}

func (r *Registrar) put(ctx context.Context, subset inventory.NodeSet, params, kernel, initrd string) error {
	endpoint := r.client.Endpoint("bootparameters")
	_, err := r.client.PutJSON(ctx, endpoint, bootParameters{
		Hosts:  subset.Slice(),
		Params: params,
		Kernel: kernel,
		Initrd: initrd,
	})
	return trace.Wrap(err)
}
