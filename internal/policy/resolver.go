// Package policy resolves the effective card control policy for any node of
// the organizational hierarchy by merging ancestor overrides with a
// restrict-only rule.
package policy

import (
	"context"

	"github.com/brixapay/be-expense-approvals/internal/apperrors"
	"github.com/brixapay/be-expense-approvals/internal/repository"
)

// Resolver walks the hierarchy and merges per-node policies into an
// effective policy. Resolution is a pure read over store state: nothing is
// cached between calls and nothing is written.
type Resolver struct {
	hierarchy repository.HierarchyRepository
	policies  repository.PolicyRepository
}

// NewResolver creates a Resolver over the given repositories.
func NewResolver(hierarchy repository.HierarchyRepository, policies repository.PolicyRepository) *Resolver {
	return &Resolver{hierarchy: hierarchy, policies: policies}
}

// maxWalkDepth bounds the ancestor walk; the tree has six levels, so any
// longer chain means a parent cycle in stored data.
const maxWalkDepth = 8

// ResolveEffective computes the effective policy for a node. The node must
// exist and its stored type must match nodeType. Policies are collected from
// the node and its ancestors up to and including the company level (program
// and bank nodes never carry card controls), then merged top-down: numeric
// limits clamp to the minimum, allow-lists intersect, block-lists union, and
// channel toggles can only be switched off, never back on. A child that
// attempts to widen an inherited value is silently clamped.
func (r *Resolver) ResolveEffective(ctx context.Context, nodeID string, nodeType repository.NodeType) (*repository.EffectivePolicy, error) {
	if !nodeType.Valid() {
		return nil, apperrors.InvalidInput("node_type", "unknown node type")
	}

	node, err := r.hierarchy.GetNode(ctx, nodeID)
	if err != nil {
		return nil, err
	}
	if node.Type != nodeType {
		return nil, apperrors.InvalidInput("node_type",
			"node type does not match the stored node")
	}

	chain, err := r.ancestorChain(ctx, node)
	if err != nil {
		return nil, err
	}

	effective := &repository.EffectivePolicy{
		NodeID:   node.ID,
		NodeType: node.Type,
	}

	// chain is ordered company-first, the requested node last, so each merge
	// step applies a more specific override onto the inherited state.
	for _, ancestor := range chain {
		own, err := r.policies.GetByNodeID(ctx, ancestor.ID)
		if err != nil {
			return nil, err
		}
		if own == nil {
			continue // no explicit policy at this node; inherit unchanged
		}
		mergeInto(effective, own)
		effective.SourceNodeIDs = append(effective.SourceNodeIDs, ancestor.ID)
	}

	return effective, nil
}

// ancestorChain returns the policy-bearing part of the node's ancestor path,
// ordered company-first and ending at the node itself. Nodes above company
// level are walked through but excluded.
func (r *Resolver) ancestorChain(ctx context.Context, node *repository.HierarchyNode) ([]*repository.HierarchyNode, error) {
	var reversed []*repository.HierarchyNode

	current := node
	seen := map[string]bool{}
	for depth := 0; ; depth++ {
		if depth > maxWalkDepth || seen[current.ID] {
			return nil, apperrors.New(apperrors.ErrCodeInternal,
				"hierarchy parent chain does not terminate")
		}
		seen[current.ID] = true

		if current.Type.Depth() >= repository.NodeTypeCompany.Depth() {
			reversed = append(reversed, current)
		}
		if current.ParentID == nil {
			break
		}
		parent, err := r.hierarchy.GetNode(ctx, *current.ParentID)
		if err != nil {
			return nil, err
		}
		current = parent
	}

	// Reverse so the company sits first and the requested node last.
	chain := make([]*repository.HierarchyNode, 0, len(reversed))
	for i := len(reversed) - 1; i >= 0; i-- {
		chain = append(chain, reversed[i])
	}
	return chain, nil
}

// mergeInto applies one node's own policy onto the inherited effective
// state. Restriction-only is enforced by construction: min for limits,
// intersection for allow-lists, union for block-lists, logical AND for
// channel toggles.
func mergeInto(eff *repository.EffectivePolicy, own *repository.CardControlPolicy) {
	eff.PerTxnLimit = clampLimit(eff.PerTxnLimit, own.PerTxnLimit)
	eff.DailyLimit = clampLimit(eff.DailyLimit, own.DailyLimit)
	eff.MonthlyLimit = clampLimit(eff.MonthlyLimit, own.MonthlyLimit)

	if own.AllowedMCCs != nil {
		eff.AllowedMCCs = intersect(eff.AllowedMCCs, own.AllowedMCCs)
	}
	if own.AllowedCountries != nil {
		eff.AllowedCountries = intersect(eff.AllowedCountries, own.AllowedCountries)
	}
	eff.BlockedMCCs = union(eff.BlockedMCCs, own.BlockedMCCs)

	eff.Channels.POS = clampToggle(eff.Channels.POS, own.Channels.POS)
	eff.Channels.Ecom = clampToggle(eff.Channels.Ecom, own.Channels.Ecom)
	eff.Channels.ATM = clampToggle(eff.Channels.ATM, own.Channels.ATM)
	eff.Channels.Contactless = clampToggle(eff.Channels.Contactless, own.Channels.Contactless)
	eff.Channels.Wallet = clampToggle(eff.Channels.Wallet, own.Channels.Wallet)
}

// clampLimit merges a numeric limit: an undefined child inherits, a defined
// child takes effect only up to the inherited value.
func clampLimit(inherited, child *int64) *int64 {
	if child == nil {
		return inherited
	}
	if inherited == nil || *child < *inherited {
		v := *child
		return &v
	}
	v := *inherited
	return &v
}

// clampToggle merges a channel switch: a child may disable a channel but
// can never re-enable one an ancestor disabled.
func clampToggle(inherited, child *bool) *bool {
	if child == nil {
		return inherited
	}
	if inherited == nil {
		v := *child
		return &v
	}
	v := *inherited && *child
	return &v
}

// intersect returns the ordered intersection of the inherited allow-list and
// a child override. A nil inherited list means no allow-list was in force
// yet, so the child's list stands as-is.
func intersect(inherited, child []string) []string {
	if inherited == nil {
		out := make([]string, len(child))
		copy(out, child)
		return out
	}
	allowed := make(map[string]bool, len(inherited))
	for _, v := range inherited {
		allowed[v] = true
	}
	out := []string{}
	for _, v := range child {
		if allowed[v] {
			out = append(out, v)
		}
	}
	return out
}

// union appends any new entries from add onto base, preserving order and
// dropping duplicates.
func union(base, add []string) []string {
	if len(add) == 0 {
		return base
	}
	seen := make(map[string]bool, len(base))
	out := make([]string, 0, len(base)+len(add))
	for _, v := range base {
		if !seen[v] {
			seen[v] = true
			out = append(out, v)
		}
	}
	for _, v := range add {
		if !seen[v] {
			seen[v] = true
			out = append(out, v)
		}
	}
	return out
}
