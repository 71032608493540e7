// Package fsic implements the Filter-Specific Instance Counter algebra
// that drives queue/merge decisions during a transfer: each instance a
// peer has ever seen is tracked per partition, and diffing two FSICs tells
// a sender which records are newer than what the receiver already has.
package fsic

// FlatFSIC is the v1 wire form: one counter per instance id, with no
// partition structure. It is still used by peers that have not negotiated
// the fsic_v2_format capability.
type FlatFSIC map[string]int64

// NestedFSIC is the v2 wire form: counters scoped per partition, split
// into a "super" (ancestor-partition) and "sub" (leaf-partition) half so
// that a sender need not restate an ancestor's counters under every
// descendant partition.
type NestedFSIC struct {
	Super map[string]map[string]int64
	Sub   map[string]map[string]int64
}

func buildPrefixMapper(keys []string, includeSelf bool) map[string][]string {
	mapper := make(map[string][]string)
	for _, key := range keys {
		for _, other := range keys {
			if len(key) >= len(other) && key[:len(other)] == other {
				if includeSelf || key != other {
					mapper[key] = append(mapper[key], other)
				}
			}
		}
	}
	return mapper
}

func getSubPartitions(partitions []string) map[string]bool {
	subs := make(map[string]bool)
	for _, p := range partitions {
		for _, other := range partitions {
			if p != other && len(p) >= len(other) && p[:len(other)] == other {
				subs[p] = true
			}
		}
	}
	return subs
}

func mergeFSICDicts(dicts ...map[string]map[string]int64) map[string]map[string]int64 {
	merged := make(map[string]map[string]int64)
	for _, d := range dicts {
		for k, v := range d {
			merged[k] = v
		}
	}
	return merged
}

// RemoveRedundant drops {instance: counter} entries from n.Super/n.Sub
// wherever a prefix partition already records an equal-or-higher counter
// for the same instance. Partitions are left in place (possibly empty)
// because their presence still signals "this peer has data here" to
// downstream expansion.
func RemoveRedundant(n *NestedFSIC) {
	dicts := []map[string]map[string]int64{n.Super, n.Sub}
	merged := mergeFSICDicts(dicts...)

	keys := make([]string, 0, len(merged))
	for k := range merged {
		keys = append(keys, k)
	}
	prefixMapper := buildPrefixMapper(keys, false)

	for _, dict := range dicts {
		for part, subDict := range dict {
			for _, superpart := range prefixMapper[part] {
				superDict := merged[superpart]
				for inst, counter := range superDict {
					if existing, ok := subDict[inst]; ok && existing <= counter {
						delete(subDict, inst)
					}
				}
			}
		}
	}
}

func addFilterPartitions(fsic map[string]map[string]int64, filterParts []string) {
	for _, part := range filterParts {
		if _, ok := fsic[part]; !ok {
			fsic[part] = map[string]int64{}
		}
	}
}

func removeEmptyPartitions(fsic map[string]map[string]int64) {
	for part, sub := range fsic {
		if len(sub) == 0 {
			delete(fsic, part)
		}
	}
}

// Expand converts a raw wire-format NestedFSIC into a flattened
// partition->instance->counter map usable for filtering, propagating
// super-partition counts down into sub-partitions that are not
// themselves subordinate to another sub-partition. The super half is
// discarded in the result.
func Expand(n NestedFSIC, filterPartitions []string) map[string]map[string]int64 {
	sub := make(map[string]map[string]int64, len(n.Sub))
	for part, insts := range n.Sub {
		instsCopy := make(map[string]int64, len(insts))
		for k, v := range insts {
			instsCopy[k] = v
		}
		sub[part] = instsCopy
	}

	addFilterPartitions(sub, filterPartitions)

	subKeys := make([]string, 0, len(sub))
	for k := range sub {
		subKeys = append(subKeys, k)
	}
	subordinates := getSubPartitions(subKeys)

	for subPart, subFSIC := range sub {
		if subordinates[subPart] {
			continue
		}
		for superPart, superFSIC := range n.Super {
			if len(subPart) >= len(superPart) && subPart[:len(superPart)] == superPart {
				for instance, counter := range superFSIC {
					if counter > subFSIC[instance] {
						subFSIC[instance] = counter
					}
				}
			}
		}
	}

	removeEmptyPartitions(sub)
	return sub
}

// DiffV1 returns, for each instance in sender that has a higher counter
// than receiver knows about, the counter receiver currently has (0 if
// receiver has never seen that instance) — the lower bound a sender must
// transmit from.
func DiffV1(sender, receiver FlatFSIC) map[string]int64 {
	result := make(map[string]int64)
	for instance, counter := range sender {
		receiverCounter := receiver[instance]
		if receiverCounter < counter {
			result[instance] = receiverCounter
		}
	}
	return result
}

// QueueingCalc computes the same lower-bound-per-instance values as
// DiffV1, used directly by the queue SQL builder to decide which rows
// qualify for transfer; kept as a distinct entry point from DiffV1
// because the two serve different callers (wire-level FSIC exchange vs.
// the queue step's row-selection predicate) even though both apply the
// "strictly greater on the sending side" rule from the original
// implementation.
func QueueingCalc(fsic1, fsic2 FlatFSIC) map[string]int64 {
	return DiffV1(fsic1, fsic2)
}

// DiffV2 is the v2-wire-format analogue of DiffV1: for each partition and
// instance in fsic1 whose counter exceeds what fsic2 knows under any
// prefix partition, record the lower bound to send from.
func DiffV2(fsic1, fsic2 map[string]map[string]int64) map[string]map[string]int64 {
	keys := make([]string, 0, len(fsic1)+len(fsic2))
	seen := make(map[string]bool)
	for k := range fsic1 {
		if !seen[k] {
			keys = append(keys, k)
			seen[k] = true
		}
	}
	for k := range fsic2 {
		if !seen[k] {
			keys = append(keys, k)
			seen[k] = true
		}
	}
	prefixes := buildPrefixMapper(keys, true)

	result := make(map[string]map[string]int64)
	for part, insts := range fsic1 {
		for inst, sendingCounter := range insts {
			var receivingCounter int64
			first := true
			for _, prefix := range prefixes[part] {
				c := fsic2[prefix][inst]
				if first || c > receivingCounter {
					receivingCounter = c
					first = false
				}
			}
			if receivingCounter < sendingCounter {
				if result[part] == nil {
					result[part] = make(map[string]int64)
				}
				result[part][inst] = receivingCounter
			}
		}
	}
	return result
}

// ChunkV2 splits a v2 FSIC dict into a sequence of dicts, each holding at
// most chunkSize partitions-plus-instances, for bounding request size in
// the v2 wire format. Partitions and instances are visited in sorted
// order so that chunking is deterministic across peers.
func ChunkV2(fsics map[string]map[string]int64, chunkSize int) []map[string]map[string]int64 {
	parts := sortedKeys(fsics)

	remaining := chunkSize
	var chunks []map[string]map[string]int64
	current := make(map[string]map[string]int64)

	flush := func() {
		if len(current) > 0 {
			chunks = append(chunks, current)
		}
		current = make(map[string]map[string]int64)
		remaining = chunkSize - 1
	}

	for _, part := range parts {
		insts := fsics[part]
		remaining--
		for _, inst := range sortedKeys(insts) {
			if remaining <= 0 {
				flush()
			}
			if current[part] == nil {
				current[part] = make(map[string]int64)
			}
			current[part][inst] = insts[inst]
			remaining--
		}
	}
	if len(current) > 0 {
		chunks = append(chunks, current)
	}
	return chunks
}
