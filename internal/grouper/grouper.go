// Package grouper splits a tag list into maximal contiguous same-device
// runs for batch reads. PLC round-trip time dominates poll latency, so the
// run decomposition is deterministic: the same input always produces the
// same runs.
package grouper

import (
	"sort"

	"mcdaq/internal/mc3e"
)

// Run is a maximal contiguous subsequence of the same device where offsets
// increase by exactly 1, suitable for a single MC3E batch read.
type Run struct {
	Device string
	Start  int
	Count  int
}

// Contains reports whether addr falls within this run.
func (r Run) Contains(addr mc3e.Address) bool {
	return addr.Device == r.Device && addr.Offset >= r.Start && addr.Offset < r.Start+r.Count
}

// IndexOf returns addr's zero-based offset within the run, or -1 if addr is
// not in the run.
func (r Run) IndexOf(addr mc3e.Address) int {
	if !r.Contains(addr) {
		return -1
	}
	return addr.Offset - r.Start
}

// Group splits addrs into maximal contiguous same-device runs. Runs are
// produced in sorted device/offset order, not input order; callers that
// need the original order map each input address back to its run with
// Run.IndexOf. Duplicate addresses are deduplicated, so each distinct
// address appears in exactly one run. An empty input returns no runs,
// which callers treat as success with an empty result map.
func Group(addrs []mc3e.Address) []Run {
	if len(addrs) == 0 {
		return nil
	}

	seen := make(map[mc3e.Address]bool, len(addrs))
	unique := make([]mc3e.Address, 0, len(addrs))
	for _, a := range addrs {
		if seen[a] {
			continue
		}
		seen[a] = true
		unique = append(unique, a)
	}

	sort.Slice(unique, func(i, j int) bool {
		if unique[i].Device != unique[j].Device {
			return unique[i].Device < unique[j].Device
		}
		return unique[i].Offset < unique[j].Offset
	})

	var runs []Run
	for _, a := range unique {
		if n := len(runs); n > 0 {
			last := &runs[n-1]
			if last.Device == a.Device && last.Start+last.Count == a.Offset {
				last.Count++
				continue
			}
		}
		runs = append(runs, Run{Device: a.Device, Start: a.Offset, Count: 1})
	}
	return runs
}
