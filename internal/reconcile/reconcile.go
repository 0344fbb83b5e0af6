// Package reconcile computes the minimal changes that turn one association set into another.
package reconcile

// Plan is the result of diffing two sets
type Plan[K comparable] struct {
	Insert []K
	Delete []K
}

// Empty reports whether applying the plan would change nothing
func (p Plan[K]) Empty() bool {
	return len(p.Insert) == 0 && len(p.Delete) == 0
}

// Diff returns the keys to insert (in desired, not in current) and to delete
// (in current, not in desired). Duplicates in either input are collapsed and
// output order follows first appearance in the corresponding input.
func Diff[K comparable](current, desired []K) (toInsert, toDelete []K) {
	have := toSet(current)
	want := toSet(desired)

	toInsert = missingFrom(desired, have)
	toDelete = missingFrom(current, want)
	return toInsert, toDelete
}

// Compute wraps Diff in a Plan
func Compute[K comparable](current, desired []K) Plan[K] {
	ins, del := Diff(current, desired)
	return Plan[K]{Insert: ins, Delete: del}
}

// Dedupe returns keys with duplicates removed, preserving first appearance
func Dedupe[K comparable](keys []K) []K {
	seen := make(map[K]struct{}, len(keys))
	out := make([]K, 0, len(keys))
	for _, k := range keys {
		if _, ok := seen[k]; ok {
			continue
		}
		seen[k] = struct{}{}
		out = append(out, k)
	}
	return out
}

func toSet[K comparable](keys []K) map[K]struct{} {
	set := make(map[K]struct{}, len(keys))
	for _, k := range keys {
		set[k] = struct{}{}
	}
	return set
}

func missingFrom[K comparable](keys []K, set map[K]struct{}) []K {
	var out []K
	emitted := make(map[K]struct{})
	for _, k := range keys {
		if _, ok := set[k]; ok {
			continue
		}
		if _, ok := emitted[k]; ok {
			continue
		}
		emitted[k] = struct{}{}
		out = append(out, k)
	}
	return out
}
