// Package policy implements the OpenID Federation 1.0 metadata-policy
// combinator semantics (merge of two policy documents, application of a
// policy to a metadata document) as pure functions over jsonval.Value.
package policy

import (
	"fmt"

	"github.com/jmerrifield20/tafed/internal/ferrors"
	"github.com/jmerrifield20/tafed/internal/jsonval"
)

// combinators recognized per entity-type/claim, in the OpenID Federation
// metadata-policy spec.
const (
	combinatorValue      = "value"
	combinatorAdd        = "add"
	combinatorDefault    = "default"
	combinatorOneOf      = "one_of"
	combinatorSubsetOf   = "subset_of"
	combinatorSupersetOf = "superset_of"
	combinatorEssential  = "essential"
)

// Merge combines a parent (TA) policy with a child (subordinate-declared)
// policy, per-entity-type and per-claim, failing with PolicyMergeConflict
// when combinators disagree incompatibly.
func Merge(parent, child jsonval.Value) (jsonval.Value, error) {
	if parent.IsNull() {
		parent = jsonval.Object()
	}
	if child.IsNull() {
		return parent, nil
	}
	if parent.Kind != jsonval.KindObject || child.Kind != jsonval.KindObject {
		return jsonval.Value{}, ferrors.New(ferrors.PolicyMergeConflict, "policy documents must be objects")
	}

	out := jsonval.Object()
	for _, entityType := range unionKeys(parent, child) {
		merged, err := mergeEntityTypePolicy(parent.Get(entityType), child.Get(entityType))
		if err != nil {
			return jsonval.Value{}, fmt.Errorf("merge %s: %w", entityType, err)
		}
		out = out.Set(entityType, merged)
	}
	return out, nil
}

func mergeEntityTypePolicy(parent, child jsonval.Value) (jsonval.Value, error) {
	if parent.IsNull() {
		parent = jsonval.Object()
	}
	if child.IsNull() {
		return parent, nil
	}
	out := jsonval.Object()
	for _, claim := range unionKeys(parent, child) {
		merged, err := mergeClaimPolicy(parent.Get(claim), child.Get(claim))
		if err != nil {
			return jsonval.Value{}, fmt.Errorf("claim %s: %w", claim, err)
		}
		out = out.Set(claim, merged)
	}
	return out, nil
}

// mergeClaimPolicy merges the per-claim combinator object, e.g.
// {"value": [...]} or {"subset_of": [...], "default": [...]}.
func mergeClaimPolicy(parent, child jsonval.Value) (jsonval.Value, error) {
	if parent.IsNull() {
		return child, nil
	}
	if child.IsNull() {
		return parent, nil
	}

	out := jsonval.Object()
	for _, combinator := range unionKeys(parent, child) {
		pv := parent.Get(combinator)
		cv := child.Get(combinator)
		merged, err := mergeCombinator(combinator, pv, cv)
		if err != nil {
			return jsonval.Value{}, err
		}
		out = out.Set(combinator, merged)
	}

	if err := checkCombinatorConsistency(out); err != nil {
		return jsonval.Value{}, err
	}
	return out, nil
}

func mergeCombinator(combinator string, parent, child jsonval.Value) (jsonval.Value, error) {
	if parent.IsNull() {
		return child, nil
	}
	if child.IsNull() {
		return parent, nil
	}

	switch combinator {
	case combinatorValue, combinatorDefault:
		if !jsonval.Equal(parent, child) {
			return jsonval.Value{}, ferrors.New(ferrors.PolicyMergeConflict,
				fmt.Sprintf("%s combinator disagreement", combinator))
		}
		return child, nil

	case combinatorOneOf:
		// Child narrows parent's allowed set: intersection.
		inter := intersect(parent, child)
		if len(inter.Arr) == 0 {
			return jsonval.Value{}, ferrors.New(ferrors.PolicyMergeConflict, "one_of intersection empty")
		}
		return inter, nil

	case combinatorSubsetOf:
		// Child must be a subset of parent's allowed superset; narrow to child.
		if !isSubset(child, parent) {
			return jsonval.Value{}, ferrors.New(ferrors.PolicyMergeConflict, "subset_of narrows outside parent bound")
		}
		return child, nil

	case combinatorSupersetOf:
		// Result must cover both required supersets: union.
		return union(parent, child), nil

	case combinatorAdd:
		return union(parent, child), nil

	case combinatorEssential:
		// true wins over false.
		if parent.Bool || child.Bool {
			return jsonval.Bool(true), nil
		}
		return jsonval.Bool(false), nil

	default:
		// Unknown combinator: child overrides, last-writer-wins, non-fatal.
		return child, nil
	}
}

func checkCombinatorConsistency(claimPolicy jsonval.Value) error {
	if claimPolicy.Has(combinatorValue) && claimPolicy.Has(combinatorOneOf) {
		val := claimPolicy.Get(combinatorValue)
		oneOf := claimPolicy.Get(combinatorOneOf)
		if !oneOf.ContainsString(val.Str) && val.Kind == jsonval.KindString {
			return ferrors.New(ferrors.PolicyMergeConflict, "value not contained in one_of")
		}
	}
	return nil
}

// Apply projects a merged policy onto a metadata document, returning the
// transformed metadata or PolicyViolation.
func Apply(policy, metadata jsonval.Value) (jsonval.Value, error) {
	if policy.IsNull() {
		return metadata, nil
	}
	if metadata.IsNull() {
		metadata = jsonval.Object()
	}
	if policy.Kind != jsonval.KindObject {
		return jsonval.Value{}, ferrors.New(ferrors.PolicyViolation, "policy must be an object")
	}

	out := metadata
	for _, entityType := range policy.Keys() {
		entityPolicy := policy.Get(entityType)
		entityMeta := metadata.Get(entityType)
		if entityMeta.IsNull() {
			entityMeta = jsonval.Object()
		}

		applied, err := applyEntityTypePolicy(entityPolicy, entityMeta)
		if err != nil {
			return jsonval.Value{}, fmt.Errorf("apply %s: %w", entityType, err)
		}
		out = out.Set(entityType, applied)
	}
	return out, nil
}

func applyEntityTypePolicy(entityPolicy, entityMeta jsonval.Value) (jsonval.Value, error) {
	out := entityMeta
	for _, claim := range entityPolicy.Keys() {
		claimPolicy := entityPolicy.Get(claim)
		current := entityMeta.Get(claim)

		applied, err := applyClaimPolicy(claimPolicy, current)
		if err != nil {
			return jsonval.Value{}, fmt.Errorf("claim %s: %w", claim, err)
		}
		if applied.IsNull() && !claimPolicy.Has(combinatorValue) && !claimPolicy.Has(combinatorDefault) && current.IsNull() {
			continue
		}
		out = out.Set(claim, applied)
	}
	return out, nil
}

func applyClaimPolicy(claimPolicy, current jsonval.Value) (jsonval.Value, error) {
	result := current

	if v := claimPolicy.Get(combinatorValue); !v.IsNull() {
		result = v
	} else if result.IsNull() {
		if d := claimPolicy.Get(combinatorDefault); !d.IsNull() {
			result = d
		}
	}

	if add := claimPolicy.Get(combinatorAdd); !add.IsNull() {
		result = union(result, add)
	}

	if oneOf := claimPolicy.Get(combinatorOneOf); !oneOf.IsNull() {
		if result.Kind == jsonval.KindString && !oneOf.ContainsString(result.Str) {
			return jsonval.Value{}, ferrors.New(ferrors.PolicyViolation, "value not in one_of")
		}
	}

	if sub := claimPolicy.Get(combinatorSubsetOf); !sub.IsNull() {
		if !result.IsNull() && !isSubset(result, sub) {
			return jsonval.Value{}, ferrors.New(ferrors.PolicyViolation, "value exceeds subset_of bound")
		}
	}

	if sup := claimPolicy.Get(combinatorSupersetOf); !sup.IsNull() {
		if !isSubset(sup, result) {
			return jsonval.Value{}, ferrors.New(ferrors.PolicyViolation, "value does not cover superset_of bound")
		}
	}

	if claimPolicy.Get(combinatorEssential).Bool && result.IsNull() {
		return jsonval.Value{}, ferrors.New(ferrors.PolicyViolation, "essential claim missing")
	}

	return result, nil
}

func unionKeys(a, b jsonval.Value) []string {
	seen := map[string]bool{}
	var keys []string
	for _, k := range a.Keys() {
		if !seen[k] {
			seen[k] = true
			keys = append(keys, k)
		}
	}
	for _, k := range b.Keys() {
		if !seen[k] {
			seen[k] = true
			keys = append(keys, k)
		}
	}
	return keys
}

func intersect(a, b jsonval.Value) jsonval.Value {
	if a.Kind != jsonval.KindArray || b.Kind != jsonval.KindArray {
		return jsonval.Array()
	}
	var out []jsonval.Value
	for _, av := range a.Arr {
		for _, bv := range b.Arr {
			if jsonval.Equal(av, bv) {
				out = append(out, av)
				break
			}
		}
	}
	return jsonval.Value{Kind: jsonval.KindArray, Arr: out}
}

func union(a, b jsonval.Value) jsonval.Value {
	if a.IsNull() {
		return b
	}
	if b.IsNull() {
		return a
	}
	if a.Kind != jsonval.KindArray || b.Kind != jsonval.KindArray {
		return b
	}
	out := append([]jsonval.Value{}, a.Arr...)
	for _, bv := range b.Arr {
		found := false
		for _, existing := range out {
			if jsonval.Equal(existing, bv) {
				found = true
				break
			}
		}
		if !found {
			out = append(out, bv)
		}
	}
	return jsonval.Value{Kind: jsonval.KindArray, Arr: out}
}

// isSubset reports whether every element of sub appears in super.
func isSubset(sub, super jsonval.Value) bool {
	if sub.Kind != jsonval.KindArray {
		return true
	}
	if super.Kind != jsonval.KindArray {
		return len(sub.Arr) == 0
	}
	for _, sv := range sub.Arr {
		found := false
		for _, superv := range super.Arr {
			if jsonval.Equal(sv, superv) {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}
