// Package inspectionlog records a CSV audit trail of completed
// inspection judgments, one row per PASS/NG verdict, with automatic
// file rotation. A row is appended on the judgment-completed
// transition, giving operators a durable per-tip record of what
// shipped.
package inspectionlog

import (
	"encoding/csv"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/cseJeoni/needlecore/internal/eeprom"
	"github.com/cseJeoni/needlecore/internal/indicator"
)

const maxRowsPerFile = 50_000

var csvHeader = []string{
	"timestamp", "tip_type", "shot_count", "maker_code",
	"needle_state", "verdict",
	"resistance1_mohm", "resistance2_mohm",
	"motor1_position", "motor2_position",
}

// Entry is one inspection judgment row.
type Entry struct {
	Time            time.Time
	Tip             *eeprom.Record // nil if no tip data was read this cycle
	NeedleState     indicator.NeedleState
	Verdict         indicator.Verdict
	Resistance1MOhm int
	Resistance2MOhm int
	Motor1Position  int16
	Motor2Position  int16
}

// Logger is a mutex-guarded CSV writer with rotation, enabled/disabled
// at runtime from config.
type Logger struct {
	mu      sync.Mutex
	dir     string
	enabled bool

	file   *os.File
	writer *csv.Writer
	rows   int
}

// New creates a Logger writing under dir when enabled.
func New(dir string, enabled bool) *Logger {
	if dir == "" {
		dir = "/var/log/needlecore"
	}
	return &Logger{dir: dir, enabled: enabled}
}

// SetEnabled toggles logging at runtime.
func (l *Logger) SetEnabled(on bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.enabled = on
	if !on {
		l.closeFile()
	}
}

// Record appends one inspection judgment row, rotating the file if
// needed. No-op when disabled.
func (l *Logger) Record(e Entry) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if !l.enabled {
		return nil
	}
	if l.writer == nil || l.rows >= maxRowsPerFile {
		if err := l.rotateFile(e.Time); err != nil {
			return fmt.Errorf("inspectionlog: rotate: %w", err)
		}
	}
	row := buildRow(e)
	if err := l.writer.Write(row); err != nil {
		return fmt.Errorf("inspectionlog: write: %w", err)
	}
	l.writer.Flush()
	l.rows++
	return nil
}

// Close flushes and closes the current log file.
func (l *Logger) Close() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.closeFile()
}

func (l *Logger) rotateFile(now time.Time) error {
	l.closeFile()

	if err := os.MkdirAll(l.dir, 0755); err != nil {
		return fmt.Errorf("mkdir %s: %w", l.dir, err)
	}

	filename := fmt.Sprintf("inspections_%s.csv", now.Format("2006-01-02_150405"))
	path := filepath.Join(l.dir, filename)

	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create %s: %w", path, err)
	}
	l.file = f
	l.writer = csv.NewWriter(f)
	l.rows = 0

	if err := l.writer.Write(csvHeader); err != nil {
		return err
	}
	l.writer.Flush()
	return nil
}

func (l *Logger) closeFile() {
	if l.writer != nil {
		l.writer.Flush()
		l.writer = nil
	}
	if l.file != nil {
		l.file.Close()
		l.file = nil
	}
}

func buildRow(e Entry) []string {
	row := make([]string, len(csvHeader))
	row[0] = e.Time.Format(time.RFC3339Nano)
	if e.Tip != nil {
		row[1] = fmt.Sprintf("%d", e.Tip.TipType)
		row[2] = fmt.Sprintf("%d", e.Tip.ShotCount)
		row[3] = fmt.Sprintf("%d", e.Tip.MakerCode)
	}
	row[4] = e.NeedleState.String()
	row[5] = verdictStr(e.Verdict)
	row[6] = fmt.Sprintf("%d", e.Resistance1MOhm)
	row[7] = fmt.Sprintf("%d", e.Resistance2MOhm)
	row[8] = fmt.Sprintf("%d", e.Motor1Position)
	row[9] = fmt.Sprintf("%d", e.Motor2Position)
	return row
}

func verdictStr(v indicator.Verdict) string {
	switch v {
	case indicator.VerdictPass:
		return "PASS"
	case indicator.VerdictNG:
		return "NG"
	default:
		return "NONE"
	}
}
