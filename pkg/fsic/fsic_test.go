package fsic

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestDiffV1OnlyIncludesStrictlyGreater(t *testing.T) {
	sender := FlatFSIC{"a": 5, "b": 2, "c": 9}
	receiver := FlatFSIC{"a": 5, "b": 1}

	diff := DiffV1(sender, receiver)

	assert.Equal(t, map[string]int64{"b": 1, "c": 0}, diff)
}

func TestQueueingCalcMatchesDiffV1(t *testing.T) {
	fsic1 := FlatFSIC{"a": 3}
	fsic2 := FlatFSIC{"a": 1}

	assert.Equal(t, DiffV1(fsic1, fsic2), QueueingCalc(fsic1, fsic2))
}

func TestRemoveRedundantDropsPrefixCoveredEntries(t *testing.T) {
	n := &NestedFSIC{
		Super: map[string]map[string]int64{
			"facility.1": {"inst-a": 5},
		},
		Sub: map[string]map[string]int64{
			"facility.1.user.2": {"inst-a": 4, "inst-b": 7},
		},
	}

	RemoveRedundant(n)

	assert.Equal(t, map[string]int64{"inst-b": 7}, n.Sub["facility.1.user.2"])
	// the super partition entry itself survives; it is not subordinate to
	// anything here.
	assert.Equal(t, map[string]int64{"inst-a": 5}, n.Super["facility.1"])
}

func TestExpandPropagatesSuperCountsIntoSub(t *testing.T) {
	n := NestedFSIC{
		Super: map[string]map[string]int64{
			"facility.1": {"inst-a": 5},
		},
		Sub: map[string]map[string]int64{
			"facility.1.user.2": {"inst-a": 2},
		},
	}

	expanded := Expand(n, nil)

	assert.Equal(t, int64(5), expanded["facility.1.user.2"]["inst-a"])
}

func TestExpandAddsFilterPartitionsAndDropsEmpties(t *testing.T) {
	n := NestedFSIC{
		Super: map[string]map[string]int64{},
		Sub:   map[string]map[string]int64{},
	}

	expanded := Expand(n, []string{"facility.1.user.2"})

	// the filter partition was added but has no counters, so it is
	// removed again by the final empty-partition sweep.
	_, present := expanded["facility.1.user.2"]
	assert.False(t, present)
}

func TestExpandSkipsSubordinatePartitions(t *testing.T) {
	n := NestedFSIC{
		Super: map[string]map[string]int64{
			"facility.1": {"inst-a": 9},
		},
		Sub: map[string]map[string]int64{
			"facility.1.user.2":         {"inst-a": 1},
			"facility.1.user.2.profile": {"inst-a": 1},
		},
	}

	expanded := Expand(n, nil)

	// the leaf partition is subordinate to facility.1.user.2 so it does
	// not receive the super-partition propagation directly.
	assert.Equal(t, int64(9), expanded["facility.1.user.2"]["inst-a"])
	assert.Equal(t, int64(1), expanded["facility.1.user.2.profile"]["inst-a"])
}

func TestDiffV2InheritsFromPrefixPartitions(t *testing.T) {
	fsic1 := map[string]map[string]int64{
		"facility.1.user.2": {"inst-a": 5},
	}
	fsic2 := map[string]map[string]int64{
		"facility.1": {"inst-a": 5},
	}

	diff := DiffV2(fsic1, fsic2)

	// receiver already has inst-a at 5 under the prefix partition, so
	// nothing needs to be sent.
	assert.Empty(t, diff)
}

func TestDiffV2SendsWhenReceiverBehind(t *testing.T) {
	fsic1 := map[string]map[string]int64{
		"facility.1.user.2": {"inst-a": 5},
	}
	fsic2 := map[string]map[string]int64{
		"facility.1": {"inst-a": 2},
	}

	diff := DiffV2(fsic1, fsic2)

	assert.Equal(t, map[string]int64{"inst-a": 2}, diff["facility.1.user.2"])
}

func TestChunkV2RespectsChunkSize(t *testing.T) {
	fsics := map[string]map[string]int64{
		"a": {"i1": 1, "i2": 2},
		"b": {"i1": 1},
		"c": {"i1": 1, "i2": 2, "i3": 3},
	}

	chunks := ChunkV2(fsics, 3)

	var total int
	for _, chunk := range chunks {
		size := len(chunk)
		for _, insts := range chunk {
			total += len(insts)
			size += len(insts)
		}
		assert.LessOrEqual(t, size, 3)
	}
	assert.Equal(t, 6, total)
	assert.NotEmpty(t, chunks)
}

func TestChunkV2EmptyInput(t *testing.T) {
	chunks := ChunkV2(map[string]map[string]int64{}, 5)
	assert.Empty(t, chunks)
}
