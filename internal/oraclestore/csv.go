package oraclestore

import (
	"encoding/csv"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"
)

// utf8BOM is prepended to every spill file.
var utf8BOM = []byte{0xEF, 0xBB, 0xBF}

var datatagLogHeader = []string{"ctime", "otime", "datatag_name", "datatag_type", "value_str", "value_num", "value_raw"}
var operationHeader = []string{"time", "name", "value"}

// isoMicros formats t as ISO-8601 with microsecond precision, the
// timestamp format used in CSV spill files.
func isoMicros(t time.Time) string {
	return t.Format("2006-01-02T15:04:05.000000Z07:00")
}

// spillFileName builds the dated file name for one spill run, e.g.
// xscada_datatag_log_YYYYMMDD_HHMMSS_{n}.csv.
func spillFileName(table Table, at time.Time, seq int) string {
	stem := "xscada_datatag_log"
	if table == TableOperation {
		stem = "xscada_operation"
	}
	return fmt.Sprintf("%s_%s_%d.csv", stem, at.Format("20060102_150405"), seq)
}

// Spill writes rows to a dated CSV file under dir, one file per
// destination table: BOM, one header row, then one data row per entry with
// standard CSV quoting. It is the backup-of-last-resort after retries are
// exhausted — every row passed to Spill is accounted for exactly once in
// the returned file.
func Spill(dir string, table Table, rows []Row, at time.Time, seq int) (string, error) {
	if len(rows) == 0 {
		return "", nil
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", fmt.Errorf("oraclestore: create backup dir: %w", err)
	}

	path := filepath.Join(dir, spillFileName(table, at, seq))
	f, err := os.Create(path)
	if err != nil {
		return "", fmt.Errorf("oraclestore: create spill file: %w", err)
	}
	defer f.Close()

	if _, err := f.Write(utf8BOM); err != nil {
		return "", fmt.Errorf("oraclestore: write BOM: %w", err)
	}

	w := csv.NewWriter(f)
	header := datatagLogHeader
	if table == TableOperation {
		header = operationHeader
	}
	if err := w.Write(header); err != nil {
		return "", fmt.Errorf("oraclestore: write csv header: %w", err)
	}

	for _, r := range rows {
		var record []string
		if table == TableOperation {
			record = []string{
				isoMicros(r.OTime),
				r.Name,
				strconv.FormatFloat(r.ValueNum, 'f', -1, 64),
			}
		} else {
			record = []string{
				isoMicros(at),
				isoMicros(r.OTime),
				r.Name,
				r.Kind,
				r.ValueStr,
				strconv.FormatFloat(r.ValueNum, 'f', -1, 64),
				strconv.FormatUint(uint64(r.ValueRaw), 10),
			}
		}
		if err := w.Write(record); err != nil {
			return "", fmt.Errorf("oraclestore: write csv row: %w", err)
		}
	}
	w.Flush()
	if err := w.Error(); err != nil {
		return "", fmt.Errorf("oraclestore: flush csv: %w", err)
	}
	return path, nil
}
