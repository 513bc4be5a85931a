// Package sqlconfig loads the core's read-only configuration from a
// SQLite database holding three tables: plcs, tags, and polling_groups.
// The core reads once at start and never writes back; reconfiguration
// requires a restart.
package sqlconfig

import (
	"database/sql"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"mcdaq/internal/coreerr"
	"mcdaq/internal/mc3e"
	"mcdaq/internal/plcpool"
	"mcdaq/internal/polling"
)

// Store is a read-only handle onto the configuration database. It is safe
// to discard after Load; the core never queries it again at runtime.
type Store struct {
	db *sql.DB
}

// Open opens path read-only. query_only enforces that at the driver level
// in case a bug tries to write.
func Open(path string) (*Store, error) {
	dsn := fmt.Sprintf("%s?_pragma=busy_timeout(5000)&_pragma=query_only(1)", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, coreerr.Configuration("sqlconfig.open", err)
	}
	if err := db.Ping(); err != nil {
		return nil, coreerr.Configuration("sqlconfig.open", err)
	}
	return &Store{db: db}, nil
}

func (s *Store) Close() error { return s.db.Close() }

// plcRow mirrors one row of the plcs table.
type plcRow struct {
	code           string
	host           string
	port           int
	network        byte
	pc             byte
	destModuleIO   uint16
	destStation    byte
	connectTimeout int // ms
	readTimeout    int // ms
	poolSize       int
	enabled        bool
}

// tagRow mirrors one row of the tags table, joined to its owning group.
type tagRow struct {
	plcCode     string
	groupName   sql.NullString
	address     string
	name        string
	dataType    string
	scale       float64
	unit        string
	machineCode string
	kind        string
	enabled     bool
}

// groupRow mirrors one row of the polling_groups table, joined to its PLC.
type groupRow struct {
	name             string
	plcCode          string
	mode             string
	intervalMS       int
	triggerAddress   sql.NullString
	autoResetTrigger bool
	priority         int
	enabled          bool
}

// Load reads all three result sets and assembles plcpool.Config and
// polling.GroupConfig values, validating the configuration invariants: PLC
// code unique, tag (PLC, address) unique, group name unique, a group's PLC
// must exist, Fixed interval >= 100ms, Handshake requires a trigger bit
// address. Any violation is a Configuration error and aborts startup, so
// none of these surface at runtime.
func (s *Store) Load() ([]plcpool.Config, []polling.GroupConfig, error) {
	plcs, err := s.loadPLCs()
	if err != nil {
		return nil, nil, err
	}
	tags, err := s.loadTags()
	if err != nil {
		return nil, nil, err
	}
	groups, err := s.loadGroups()
	if err != nil {
		return nil, nil, err
	}

	plcByCode := make(map[string]plcRow, len(plcs))
	plcConfigs := make([]plcpool.Config, 0, len(plcs))
	for _, p := range plcs {
		if _, dup := plcByCode[p.code]; dup {
			return nil, nil, coreerr.Configuration("load", fmt.Errorf("duplicate plc code %q", p.code))
		}
		plcByCode[p.code] = p
		plcConfigs = append(plcConfigs, plcpool.Config{
			Code:           p.code,
			Host:           p.host,
			Port:           p.port,
			Network:        p.network,
			PC:             p.pc,
			DestModuleIO:   p.destModuleIO,
			DestStation:    p.destStation,
			ConnectTimeout: msToDuration(p.connectTimeout),
			ReadTimeout:    msToDuration(p.readTimeout),
			PoolSize:       p.poolSize,
			Enabled:        p.enabled,
		})
	}

	groupByName := make(map[string]*polling.GroupConfig, len(groups))
	orderedNames := make([]string, 0, len(groups))
	for _, g := range groups {
		if _, dup := groupByName[g.name]; dup {
			return nil, nil, coreerr.Configuration("load", fmt.Errorf("duplicate group name %q", g.name))
		}
		if _, ok := plcByCode[g.plcCode]; !ok {
			return nil, nil, coreerr.Configuration("load", fmt.Errorf("group %q references unknown plc %q", g.name, g.plcCode))
		}

		cfg := &polling.GroupConfig{
			Name:             g.name,
			PLCCode:          g.plcCode,
			Priority:         g.priority,
			Enabled:          g.enabled,
			AutoResetTrigger: g.autoResetTrigger,
		}

		switch g.mode {
		case "Fixed":
			cfg.Mode = polling.ModeFixed
			cfg.Interval = msToDuration(g.intervalMS)
			if cfg.Interval < 100*time.Millisecond {
				return nil, nil, coreerr.Configuration("load", fmt.Errorf("group %q: fixed interval %dms below 100ms minimum", g.name, g.intervalMS))
			}
		case "Handshake":
			cfg.Mode = polling.ModeHandshake
			if !g.triggerAddress.Valid || g.triggerAddress.String == "" {
				return nil, nil, coreerr.Configuration("load", fmt.Errorf("group %q: handshake mode requires a trigger bit address", g.name))
			}
			addr, err := mc3e.ParseAddress(g.triggerAddress.String)
			if err != nil {
				return nil, nil, coreerr.Configuration("load", fmt.Errorf("group %q: %w", g.name, err))
			}
			cfg.TriggerAddress = addr
		default:
			return nil, nil, coreerr.Configuration("load", fmt.Errorf("group %q: unknown mode %q", g.name, g.mode))
		}

		groupByName[g.name] = cfg
		orderedNames = append(orderedNames, g.name)
	}

	seenTag := make(map[string]bool, len(tags))
	for _, t := range tags {
		key := t.plcCode + "/" + t.address
		if seenTag[key] {
			return nil, nil, coreerr.Configuration("load", fmt.Errorf("duplicate tag (%s, %s)", t.plcCode, t.address))
		}
		seenTag[key] = true

		if !t.enabled || !t.groupName.Valid || t.groupName.String == "" {
			continue // untagged and disabled tags are silently ignored
		}
		group, ok := groupByName[t.groupName.String]
		if !ok {
			continue // tag references a group that doesn't exist or is disabled
		}
		addr, err := mc3e.ParseAddress(t.address)
		if err != nil {
			return nil, nil, coreerr.Configuration("load", fmt.Errorf("tag (%s, %s): %w", t.plcCode, t.address, err))
		}
		kind, err := parseTagKind(t.kind)
		if err != nil {
			return nil, nil, coreerr.Configuration("load", fmt.Errorf("tag (%s, %s): %w", t.plcCode, t.address, err))
		}
		dataType, err := parseDataType(t.dataType)
		if err != nil {
			return nil, nil, coreerr.Configuration("load", fmt.Errorf("tag (%s, %s): %w", t.plcCode, t.address, err))
		}
		group.Tags = append(group.Tags, polling.Tag{
			PLCCode:     t.plcCode,
			Address:     addr,
			Name:        t.name,
			DataType:    dataType,
			Scale:       t.scale,
			Unit:        t.unit,
			MachineCode: t.machineCode,
			Kind:        kind,
		})
	}

	groupConfigs := make([]polling.GroupConfig, 0, len(orderedNames))
	for _, name := range orderedNames {
		groupConfigs = append(groupConfigs, *groupByName[name])
	}

	return plcConfigs, groupConfigs, nil
}

func msToDuration(ms int) time.Duration { return time.Duration(ms) * time.Millisecond }

func parseTagKind(s string) (polling.TagKind, error) {
	switch s {
	case "Alarm":
		return polling.KindAlarm, nil
	case "BIT-PLC":
		return polling.KindBitPLC, nil
	case "BIT-HOST":
		return polling.KindBitHost, nil
	case "Operation":
		return polling.KindOperation, nil
	case "State":
		return polling.KindState, nil
	case "WORD-HOST":
		return polling.KindWordHost, nil
	default:
		return 0, fmt.Errorf("unknown tag kind %q", s)
	}
}

func parseDataType(s string) (polling.DataType, error) {
	switch s {
	case "BIT":
		return polling.TypeBit, nil
	case "WORD":
		return polling.TypeWord, nil
	case "DWORD":
		return polling.TypeDWord, nil
	case "REAL", "FLOAT":
		return polling.TypeReal, nil
	case "STRING":
		return polling.TypeString, nil
	default:
		return 0, fmt.Errorf("unknown data type %q", s)
	}
}

func (s *Store) loadPLCs() ([]plcRow, error) {
	rows, err := s.db.Query(`
		SELECT code, host, port, network, pc, dest_module_io, dest_station,
		       connect_timeout_ms, read_timeout_ms, pool_size, enabled
		FROM plcs WHERE enabled = 1`)
	if err != nil {
		return nil, coreerr.Configuration("load_plcs", err)
	}
	defer rows.Close()

	var out []plcRow
	for rows.Next() {
		var p plcRow
		var network, pc, destStation, enabled int
		var destModuleIO int
		if err := rows.Scan(&p.code, &p.host, &p.port, &network, &pc, &destModuleIO, &destStation,
			&p.connectTimeout, &p.readTimeout, &p.poolSize, &enabled); err != nil {
			return nil, coreerr.Configuration("load_plcs", err)
		}
		p.network = byte(network)
		p.pc = byte(pc)
		p.destModuleIO = uint16(destModuleIO)
		p.destStation = byte(destStation)
		p.enabled = enabled != 0
		out = append(out, p)
	}
	return out, rows.Err()
}

func (s *Store) loadTags() ([]tagRow, error) {
	rows, err := s.db.Query(`
		SELECT t.plc_code, g.name, t.address, t.name, t.data_type, t.scale,
		       t.unit, t.machine_code, t.kind, t.enabled
		FROM tags t
		LEFT JOIN polling_groups g ON g.name = t.group_name
		WHERE t.enabled = 1`)
	if err != nil {
		return nil, coreerr.Configuration("load_tags", err)
	}
	defer rows.Close()

	var out []tagRow
	for rows.Next() {
		var t tagRow
		var enabled int
		if err := rows.Scan(&t.plcCode, &t.groupName, &t.address, &t.name, &t.dataType, &t.scale,
			&t.unit, &t.machineCode, &t.kind, &enabled); err != nil {
			return nil, coreerr.Configuration("load_tags", err)
		}
		t.enabled = enabled != 0
		out = append(out, t)
	}
	return out, rows.Err()
}

func (s *Store) loadGroups() ([]groupRow, error) {
	rows, err := s.db.Query(`
		SELECT name, plc_code, mode, interval_ms, trigger_address,
		       auto_reset_trigger, priority, enabled
		FROM polling_groups WHERE enabled = 1`)
	if err != nil {
		return nil, coreerr.Configuration("load_groups", err)
	}
	defer rows.Close()

	var out []groupRow
	for rows.Next() {
		var g groupRow
		var autoReset, enabled int
		if err := rows.Scan(&g.name, &g.plcCode, &g.mode, &g.intervalMS, &g.triggerAddress,
			&autoReset, &g.priority, &enabled); err != nil {
			return nil, coreerr.Configuration("load_groups", err)
		}
		g.autoResetTrigger = autoReset != 0
		g.enabled = enabled != 0
		out = append(out, g)
	}
	return out, rows.Err()
}
