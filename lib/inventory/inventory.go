// Package inventory resolves node groups, partitions, and roles from
// the hardware state service into sets of Node IDs (spec.md §4.1).
//
// Grounded on original_source/src/cray/boa/smd/smdinventory.py: three
// lazily-populated mappings plus a unioned "inventory" view, backed by
// one GET per mapping with the response cached for the lifetime of the
// Inventory value.
package inventory

import (
	"context"
	"encoding/json"
	"net/url"
	"sync"

	"github.com/Cray-HPE/boa/lib/httpclient"
	"github.com/gravitational/trace"
	log "github.com/sirupsen/logrus"
)

// NodeSet is a set of Node IDs.
type NodeSet map[string]struct{}

// NewNodeSet builds a NodeSet from a slice of Node IDs.
func NewNodeSet(ids ...string) NodeSet {
	s := make(NodeSet, len(ids))
	for _, id := range ids {
		s[id] = struct{}{}
	}
	return s
}

// Slice returns the set's members as a sorted-free slice.
func (s NodeSet) Slice() []string {
	out := make([]string, 0, len(s))
	for id := range s {
		out = append(out, id)
	}
	return out
}

// Union returns a new set containing every member of s and other.
func (s NodeSet) Union(other NodeSet) NodeSet {
	out := make(NodeSet, len(s)+len(other))
	for id := range s {
		out[id] = struct{}{}
	}
	for id := range other {
		out[id] = struct{}{}
	}
	return out
}

// Intersect returns a new set containing members present in both s
// and other.
func (s NodeSet) Intersect(other NodeSet) NodeSet {
	out := make(NodeSet)
	for id := range s {
		if _, ok := other[id]; ok {
			out[id] = struct{}{}
		}
	}
	return out
}

// Difference returns a new set containing members of s not present in
// other.
func (s NodeSet) Difference(other NodeSet) NodeSet {
	out := make(NodeSet)
	for id := range s {
		if _, ok := other[id]; !ok {
			out[id] = struct{}{}
		}
	}
	return out
}

// hsmGroup and hsmPartition mirror the subset of the hardware state
// service's group/partition response bodies BOA consumes.
type hsmGroup struct {
	Label   string `json:"label"`
	Members struct {
		IDs []string `json:"ids"`
	} `json:"members"`
}

type hsmComponent struct {
	ID   string `json:"ID"`
	Role string `json:"Role"`
}

type hsmComponentsResponse struct {
	Components []hsmComponent `json:"Components"`
}

// Inventory resolves groups, partitions, and roles from the hardware
// state service, caching each mapping the first time it is requested.
type Inventory struct {
	client    *httpclient.Client
	partition string

	mu         sync.Mutex
	groups     map[string]NodeSet
	partitions map[string]NodeSet
	roles      map[string]NodeSet
	union      map[string]NodeSet
}

// New returns an Inventory backed by client, optionally scoped to
// partition for role resolution (spec.md §4.1: "When a BootSet
// specifies a partition, the roles query is filtered by that
// partition").
func New(client *httpclient.Client, partition string) *Inventory {
	return &Inventory{client: client, partition: partition}
}

// Groups returns the label->NodeSet mapping, populating it on first
// use.
func (inv *Inventory) Groups(ctx context.Context) (map[string]NodeSet, error) {
	inv.mu.Lock()
	defer inv.mu.Unlock()
	if inv.groups != nil {
		return inv.groups, nil
	}
	var groups []hsmGroup
	if err := inv.get(ctx, "groups", nil, &groups); err != nil {
		return nil, trace.Wrap(err)
	}
	result := make(map[string]NodeSet, len(groups))
	for _, g := range groups {
		result[g.Label] = NewNodeSet(g.Members.IDs...)
	}
	inv.groups = result
	return result, nil
}

// Partitions returns the name->NodeSet mapping, populating it on
// first use.
func (inv *Inventory) Partitions(ctx context.Context) (map[string]NodeSet, error) {
	inv.mu.Lock()
	defer inv.mu.Unlock()
	if inv.partitions != nil {
		return inv.partitions, nil
	}
	var partitions []hsmGroup
	if err := inv.get(ctx, "partitions", nil, &partitions); err != nil {
		return nil, trace.Wrap(err)
	}
	result := make(map[string]NodeSet, len(partitions))
	for _, p := range partitions {
		result[p.Label] = NewNodeSet(p.Members.IDs...)
	}
	inv.partitions = result
	return result, nil
}

// Roles returns the role->NodeSet mapping, populating it on first
// use. If a partition was configured, the query is filtered to it.
func (inv *Inventory) Roles(ctx context.Context) (map[string]NodeSet, error) {
	inv.mu.Lock()
	defer inv.mu.Unlock()
	if inv.roles != nil {
		return inv.roles, nil
	}
	params := url.Values{}
	if inv.partition != "" {
		params.Set("partition", inv.partition)
	}
	var resp hsmComponentsResponse
	if err := inv.get(ctx, "State/Components", params, &resp); err != nil {
		return nil, trace.Wrap(err)
	}
	result := make(map[string]NodeSet)
	for _, c := range resp.Components {
		if c.Role == "" {
			continue
		}
		if _, ok := result[c.Role]; !ok {
			result[c.Role] = make(NodeSet)
		}
		result[c.Role][c.ID] = struct{}{}
	}
	inv.roles = result
	return result, nil
}

// Union returns the single name->NodeSet mapping combining groups,
// partitions, and roles, used to resolve the limit grammar's bare
// inventory-name tokens.
func (inv *Inventory) Union(ctx context.Context) (map[string]NodeSet, error) {
	groups, err := inv.Groups(ctx)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	partitions, err := inv.Partitions(ctx)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	roles, err := inv.Roles(ctx)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	union := make(map[string]NodeSet, len(groups)+len(partitions)+len(roles))
	for k, v := range groups {
		union[k] = v
	}
	for k, v := range partitions {
		union[k] = v
	}
	for k, v := range roles {
		union[k] = v
	}
	return union, nil
}

// Lookup returns the NodeSet for a named group/partition/role. Missing
// names are logged once and treated as an empty set, never fatal
// (spec.md §4.1/§4.2).
func (inv *Inventory) Lookup(ctx context.Context, name string) (NodeSet, bool, error) {
	union, err := inv.Union(ctx)
	if err != nil {
		return nil, false, trace.Wrap(err)
	}
	set, ok := union[name]
	if !ok {
		log.WithField("name", name).Warn("Inventory entry not found, treating as empty.")
		return NodeSet{}, false, nil
	}
	return set, true, nil
}

// NodeState is a node's current hardware state and enabled flag, as
// returned by a batched query to the hardware state service.
type NodeState struct {
	State   string `json:"State"`
	Enabled bool   `json:"Enabled"`
}

type bulkStateRequest struct {
	ComponentIDs []string `json:"ComponentIDs"`
}

type bulkStateResponse struct {
	Components []struct {
		ID      string `json:"ID"`
		State   string `json:"State"`
		Enabled bool   `json:"Enabled"`
	} `json:"Components"`
}

// BulkNodeState queries the hardware state service once for the
// current {State, Enabled} of every node in nodes (spec.md §4.2).
func (inv *Inventory) BulkNodeState(ctx context.Context, nodes NodeSet) (map[string]NodeState, error) {
	req := bulkStateRequest{ComponentIDs: nodes.Slice()}
	out, err := inv.client.PostJSON(ctx, inv.client.Endpoint("State", "Components", "Query"), req)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	var resp bulkStateResponse
	if err := json.Unmarshal(out.Bytes(), &resp); err != nil {
		return nil, trace.Wrap(err)
	}
	result := make(map[string]NodeState, len(resp.Components))
	for _, c := range resp.Components {
		result[c.ID] = NodeState{State: c.State, Enabled: c.Enabled}
	}
	return result, nil
}

func (inv *Inventory) get(ctx context.Context, path string, params url.Values, v interface{}) error {
	if params == nil {
		params = url.Values{}
	}
	out, err := inv.client.Get(ctx, inv.client.Endpoint(path), params)
	if err != nil {
		return trace.Wrap(err)
	}
	return trace.Wrap(json.Unmarshal(out.Bytes(), v))
}
