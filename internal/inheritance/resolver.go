// Package inheritance merges a parent agent's configuration with a
// sub-agent's according to per-field policies.
package inheritance

import (
	"encoding/json"
	"fmt"
)

// Policy says how one config field is derived for a sub-agent.
type Policy string

const (
	// Inherit takes the parent's value.
	Inherit Policy = "inherit"
	// Override takes the child's value when present, else the parent's.
	Override Policy = "override"
	// Extend concatenates lists (parent first, de-duplicated) or merges
	// maps (child wins on collisions).
	Extend Policy = "extend"
)

// Config maps field names to their policy. Fields without an entry, and
// entries with unknown policies, behave as Override.
type Config map[string]Policy

// Valid reports whether p is one of the known policies.
func (p Policy) Valid() bool {
	switch p {
	case Inherit, Override, Extend:
		return true
	}
	return false
}

// Resolve computes the effective configuration. Neither input is mutated;
// extended lists and maps are fresh values.
func Resolve(parent, child map[string]any, policies Config) map[string]any {
	out := make(map[string]any, len(parent)+len(child))
	keys := make(map[string]struct{}, len(parent)+len(child))
	for k := range parent {
		keys[k] = struct{}{}
	}
	for k := range child {
		keys[k] = struct{}{}
	}

	for k := range keys {
		pv, inParent := parent[k]
		cv, inChild := child[k]

		policy := policies[k]
		if !policy.Valid() {
			policy = Override
		}

		switch policy {
		case Inherit:
			if inParent {
				out[k] = pv
			}
		case Extend:
			if v, ok := extend(pv, inParent, cv, inChild); ok {
				out[k] = v
			} else if inChild {
				out[k] = cv
			} else {
				out[k] = pv
			}
		default:
			if inChild {
				out[k] = cv
			} else {
				out[k] = pv
			}
		}
	}
	return out
}

// extend merges two list or two map values. ok is false when the values are
// not both lists or both maps (absent values count as empty of the other's kind).
func extend(pv any, inParent bool, cv any, inChild bool) (any, bool) {
	if !inParent && !inChild {
		return nil, false
	}
	if ps, cs, ok := stringLists(pv, inParent, cv, inChild); ok {
		return dedupeStrings(append(append([]string{}, ps...), cs...)), true
	}
	if pl, cl, ok := anyLists(pv, inParent, cv, inChild); ok {
		return dedupeAny(append(append([]any{}, pl...), cl...)), true
	}
	if pm, cm, ok := maps(pv, inParent, cv, inChild); ok {
		merged := make(map[string]any, len(pm)+len(cm))
		for k, v := range pm {
			merged[k] = v
		}
		for k, v := range cm {
			merged[k] = v
		}
		return merged, true
	}
	return nil, false
}

func stringLists(pv any, inParent bool, cv any, inChild bool) ([]string, []string, bool) {
	ps, pok := pv.([]string)
	cs, cok := cv.([]string)
	pok = pok || !inParent
	cok = cok || !inChild
	return ps, cs, pok && cok
}

func anyLists(pv any, inParent bool, cv any, inChild bool) ([]any, []any, bool) {
	pl, pok := asList(pv)
	cl, cok := asList(cv)
	pok = pok || !inParent
	cok = cok || !inChild
	return pl, cl, pok && cok
}

func maps(pv any, inParent bool, cv any, inChild bool) (map[string]any, map[string]any, bool) {
	pm, pok := pv.(map[string]any)
	cm, cok := cv.(map[string]any)
	pok = pok || !inParent
	cok = cok || !inChild
	return pm, cm, pok && cok
}

func asList(v any) ([]any, bool) {
	switch l := v.(type) {
	case []any:
		return l, true
	case []string:
		out := make([]any, len(l))
		for i, s := range l {
			out[i] = s
		}
		return out, true
	}
	return nil, false
}

func dedupeStrings(in []string) []string {
	seen := make(map[string]struct{}, len(in))
	out := make([]string, 0, len(in))
	for _, s := range in {
		if _, ok := seen[s]; ok {
			continue
		}
		seen[s] = struct{}{}
		out = append(out, s)
	}
	return out
}

func dedupeAny(in []any) []any {
	seen := make(map[string]struct{}, len(in))
	out := make([]any, 0, len(in))
	for _, v := range in {
		key := identity(v)
		if _, ok := seen[key]; ok {
			continue
		}
		seen[key] = struct{}{}
		out = append(out, v)
	}
	return out
}

// identity gives structurally equal values the same key.
func identity(v any) string {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Sprintf("%T:%v", v, v)
	}
	return string(data)
}
