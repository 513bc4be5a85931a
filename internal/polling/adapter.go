package polling

import (
	"mcdaq/internal/mc3e"
	"mcdaq/internal/plcpool"
)

// PoolManager adapts *plcpool.Manager to the Reader/Writer interfaces,
// translating plcpool's value/failure types to polling's own so that
// workers and their tests depend only on the interfaces in reader.go.
type PoolManager struct {
	Manager *plcpool.Manager
}

func (p PoolManager) ReadBatch(plcCode string, addrs []mc3e.Address) (map[mc3e.Address]Value, []RunFailure, error) {
	values, failures, err := p.Manager.ReadBatch(plcCode, addrs)

	out := make(map[mc3e.Address]Value, len(values))
	for addr, v := range values {
		out[addr] = Value{IsBit: v.Kind == mc3e.KindBit, Word: v.Word, Bit: v.Bit}
	}

	var runFailures []RunFailure
	for _, f := range failures {
		runAddrs := make([]mc3e.Address, f.Run.Count)
		for i := 0; i < f.Run.Count; i++ {
			runAddrs[i] = mc3e.Address{Device: f.Run.Device, Offset: f.Run.Start + i}
		}
		runFailures = append(runFailures, RunFailure{Addresses: runAddrs, Err: f.Error})
	}

	return out, runFailures, err
}

func (p PoolManager) WriteBit(plcCode string, addr mc3e.Address, on bool) error {
	return p.Manager.WriteBit(plcCode, addr, on)
}
