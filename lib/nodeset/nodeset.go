// Package nodeset implements the Ansible-style limit grammar and the
// enabled/disabled/empty split described in spec.md §4.2.
//
// The limit-folding behavior is grounded on
// original_source/src/cray/boa/agent.py's _apply_limit: a single
// left-to-right fold over an accumulator that starts empty, where the
// "all"/"*" token resolves to the Boot Set's own already-unioned base
// set rather than the full inventory union.
package nodeset

import (
	"context"
	"strings"

	"github.com/Cray-HPE/boa/lib/inventory"
	"github.com/gravitational/trace"
	log "github.com/sirupsen/logrus"
)

// InventoryLookup resolves a single inventory entry name to a node
// set. It is satisfied by *inventory.Inventory.
type InventoryLookup interface {
	Lookup(ctx context.Context, name string) (inventory.NodeSet, bool, error)
}

// ResolveBase computes the union of an explicit node list with
// inventory groups and roles, the first step of spec.md §3's Resolved
// Node Set pipeline.
func ResolveBase(ctx context.Context, inv InventoryLookup, nodeList, nodeGroups, nodeRolesGroups []string) (inventory.NodeSet, error) {
	base := inventory.NewNodeSet(nodeList...)
	for _, name := range nodeGroups {
		set, _, err := inv.Lookup(ctx, name)
		if err != nil {
			return nil, trace.Wrap(err)
		}
		base = base.Union(set)
	}
	for _, name := range nodeRolesGroups {
		set, _, err := inv.Lookup(ctx, name)
		if err != nil {
			return nil, trace.Wrap(err)
		}
		base = base.Union(set)
	}
	return base, nil
}

// ApplyLimit intersects base with the set described by the limit
// expression, following the left-to-right fold in
// original_source/.../agent.py:_apply_limit. An empty limit is a
// no-op, returning base unchanged.
func ApplyLimit(ctx context.Context, inv InventoryLookup, base inventory.NodeSet, limit string) (inventory.NodeSet, error) {
	if limit == "" {
		return base, nil
	}

	acc := inventory.NodeSet{}
	for _, tok := range strings.Split(limit, ",") {
		if tok == "" {
			continue
		}
		var op func(inventory.NodeSet, inventory.NodeSet) inventory.NodeSet
		name := tok
		switch tok[0] {
		case '&':
			name = tok[1:]
			op = inventory.NodeSet.Intersect
		case '!':
			name = tok[1:]
			op = inventory.NodeSet.Difference
		default:
			op = inventory.NodeSet.Union
		}

		limitNodes, err := resolveToken(ctx, inv, base, name)
		if err != nil {
			return nil, trace.Wrap(err)
		}
		acc = op(acc, limitNodes)
	}

	return base.Intersect(acc), nil
}

// resolveToken maps a single limit token to a node set: "all"/"*"
// resolves to base, a recognised inventory name resolves to that
// entry, anything else is a literal singleton Node ID (spec.md §4.2).
func resolveToken(ctx context.Context, inv InventoryLookup, base inventory.NodeSet, name string) (inventory.NodeSet, error) {
	if name == "all" || name == "*" {
		return base, nil
	}
	set, found, err := inv.Lookup(ctx, name)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	if found {
		return set, nil
	}
	return inventory.NewNodeSet(name), nil
}

// StateSource supplies the batched {State, Enabled} query used to
// split a node set into enabled/disabled/empty. Satisfied by
// *inventory.Inventory.
type StateSource interface {
	BulkNodeState(ctx context.Context, nodes inventory.NodeSet) (map[string]inventory.NodeState, error)
}

// Split is the result of the enabled/disabled/empty partition.
type Split struct {
	Enabled  inventory.NodeSet
	Disabled inventory.NodeSet
	Empty    inventory.NodeSet
	// Active is Enabled minus Empty, the set BOA actually operates on.
	Active inventory.NodeSet
}

// emptyState is the hardware state service's sentinel for a node slot
// with no populated component.
const emptyState = "Empty"

// SplitByState partitions nodes into enabled/disabled/empty using a
// single batched query, per spec.md §4.2.
func SplitByState(ctx context.Context, states StateSource, nodes inventory.NodeSet) (Split, error) {
	info, err := states.BulkNodeState(ctx, nodes)
	if err != nil {
		return Split{}, trace.Wrap(err)
	}

	enabled := inventory.NodeSet{}
	empty := inventory.NodeSet{}
	for id := range nodes {
		st, ok := info[id]
		if ok && st.Enabled {
			enabled[id] = struct{}{}
		}
		if ok && st.State == emptyState {
			empty[id] = struct{}{}
		}
	}
	disabled := nodes.Difference(enabled)
	active := enabled.Difference(empty)

	log.WithFields(log.Fields{
		"total":    len(nodes),
		"enabled":  len(enabled),
		"disabled": len(disabled),
		"empty":    len(empty),
		"active":   len(active),
	}).Info("Node set resolved.")

	return Split{Enabled: enabled, Disabled: disabled, Empty: empty, Active: active}, nil
}

// Resolve computes the full Resolved Node Set for a Boot Set: base
// union, limit filter, then enabled/non-empty filter (spec.md §3).
func Resolve(ctx context.Context, inv *inventory.Inventory, nodeList, nodeGroups, nodeRolesGroups []string, limit string) (inventory.NodeSet, error) {
	base, err := ResolveBase(ctx, inv, nodeList, nodeGroups, nodeRolesGroups)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	limited, err := ApplyLimit(ctx, inv, base, limit)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	split, err := SplitByState(ctx, inv, limited)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return split.Active, nil
}
