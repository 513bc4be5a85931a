// Package polling implements the multi-group polling engine: one scheduled
// worker per polling group in Fixed or Handshake mode, a bounded data
// queue from workers to the buffer consumer, and the coordinator that owns
// the worker registry and group-status map.
package polling

import (
	"time"

	"mcdaq/internal/mc3e"
)

// Mode is a polling group's scheduling discipline.
type Mode int

const (
	ModeFixed Mode = iota
	ModeHandshake
)

func (m Mode) String() string {
	if m == ModeHandshake {
		return "Handshake"
	}
	return "Fixed"
}

// TagKind is the semantic bucket of a tag, choosing its destination table
// and DATATAG_TYPE column value.
type TagKind int

const (
	KindAlarm TagKind = iota
	KindBitPLC
	KindBitHost
	KindOperation
	KindState
	KindWordHost
)

func (k TagKind) String() string {
	switch k {
	case KindAlarm:
		return "Alarm"
	case KindBitPLC:
		return "BIT-PLC"
	case KindBitHost:
		return "BIT-HOST"
	case KindOperation:
		return "Operation"
	case KindState:
		return "State"
	case KindWordHost:
		return "WORD-HOST"
	default:
		return "Unknown"
	}
}

// Label is the short string used in a sample's generated tag name
// ({plc}.{kind-label}.{machine_code}.{address}).
func (k TagKind) Label() string {
	switch k {
	case KindAlarm:
		return "ALM"
	case KindBitPLC:
		return "BITP"
	case KindBitHost:
		return "BITH"
	case KindOperation:
		return "OP"
	case KindState:
		return "STATE"
	case KindWordHost:
		return "WH"
	default:
		return "UNK"
	}
}

// DatatagType is the value written to XSCADA_DATATAG_LOG.DATATAG_TYPE for
// this kind; the column is variable-width, 1-2 chars. Operation-kind
// samples never reach this column — they route to XSCADA_OPERATION
// instead, see internal/oraclestore.
func (k TagKind) DatatagType() string {
	switch k {
	case KindAlarm:
		return "A"
	case KindBitPLC:
		return "B"
	case KindBitHost:
		return "H"
	case KindState:
		return "S"
	case KindWordHost:
		return "WH"
	default:
		return "U"
	}
}

// DataType is a tag's PLC-side encoding.
type DataType int

const (
	TypeBit DataType = iota
	TypeWord
	TypeDWord
	TypeReal
	TypeString
)

// Tag is one configured point within a polling group.
type Tag struct {
	PLCCode     string
	Address     mc3e.Address
	Name        string
	DataType    DataType
	Scale       float64
	Unit        string
	MachineCode string
	Kind        TagKind
}

// GroupConfig is one polling group's static configuration.
type GroupConfig struct {
	Name            string
	PLCCode         string
	Mode            Mode
	Interval        time.Duration // Fixed only; must be >= 100ms
	TriggerAddress  mc3e.Address  // Handshake only
	AutoResetTrigger bool
	Priority        int
	Enabled         bool
	Tags            []Tag
}

// Quality flags whether a sample's value came back clean.
type Quality int

const (
	QualityGood Quality = iota
	QualityBad
)

// Sample is one tag's value at one poll cycle.
type Sample struct {
	Timestamp   time.Time
	GroupName   string
	PLCCode     string
	Address     mc3e.Address
	TagName     string
	Kind        TagKind
	MachineCode string
	Raw         uint16 // word value, or 0/1 for bit
	Scaled      float64
	Quality     Quality
}

// State is a polling group's lifecycle state machine.
type State int

const (
	StateIdle State = iota
	StateRunning
	StateStopping
	StateError
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "Idle"
	case StateRunning:
		return "Running"
	case StateStopping:
		return "Stopping"
	case StateError:
		return "Error"
	default:
		return "Unknown"
	}
}

// GroupStatus is an immutable snapshot published by a worker at the end of
// every cycle. Workers publish, readers atomically load; nothing mutates a
// snapshot in place, so status reads never contend with the polling loop.
type GroupStatus struct {
	Name                string
	Mode                Mode
	State               State
	TotalPolls          int64
	SuccessCount        int64
	ErrorCount          int64
	LastPollTime        time.Time
	AvgPollDuration     time.Duration
	ConsecutiveFailures int
	LastError           string
	NextRetryDeadline   time.Time
}
