package grouper

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"mcdaq/internal/mc3e"
)

func addr(t *testing.T, s string) mc3e.Address {
	t.Helper()
	a, err := mc3e.ParseAddress(s)
	if err != nil {
		t.Fatalf("parse %s: %v", s, err)
	}
	return a
}

func TestGroupContiguousRun(t *testing.T) {
	addrs := []mc3e.Address{addr(t, "D100"), addr(t, "D101"), addr(t, "D102")}
	runs := Group(addrs)
	assert.Equal(t, []Run{{Device: "D", Start: 100, Count: 3}}, runs)
}

func TestGroupNonContiguousSplitsIntoSingleRuns(t *testing.T) {
	addrs := []mc3e.Address{addr(t, "D100"), addr(t, "D200"), addr(t, "D300")}
	runs := Group(addrs)
	assert.Equal(t, []Run{
		{Device: "D", Start: 100, Count: 1},
		{Device: "D", Start: 200, Count: 1},
		{Device: "D", Start: 300, Count: 1},
	}, runs)
}

func TestGroupDifferentDevicesNeverMerge(t *testing.T) {
	addrs := []mc3e.Address{addr(t, "D100"), addr(t, "W100")}
	runs := Group(addrs)
	assert.Len(t, runs, 2)
}

func TestGroupDeduplicatesEqualAddresses(t *testing.T) {
	addrs := []mc3e.Address{addr(t, "D100"), addr(t, "D100"), addr(t, "D101")}
	runs := Group(addrs)
	assert.Equal(t, []Run{{Device: "D", Start: 100, Count: 2}}, runs)
}

func TestGroupEmptyInputReturnsNoRuns(t *testing.T) {
	runs := Group(nil)
	assert.Empty(t, runs)
}

func TestGroupOrderIndependent(t *testing.T) {
	addrs := []mc3e.Address{addr(t, "D102"), addr(t, "D100"), addr(t, "D101")}
	runs := Group(addrs)
	assert.Equal(t, []Run{{Device: "D", Start: 100, Count: 3}}, runs)
}

func TestRunIndexOf(t *testing.T) {
	r := Run{Device: "D", Start: 100, Count: 3}
	assert.Equal(t, 0, r.IndexOf(addr(t, "D100")))
	assert.Equal(t, 2, r.IndexOf(addr(t, "D102")))
	assert.Equal(t, -1, r.IndexOf(addr(t, "D200")))
	assert.Equal(t, -1, r.IndexOf(addr(t, "W100")))
}
