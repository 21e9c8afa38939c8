// Package recorder writes scan samples to an append-only CSV file that the
// plotting tool tails while the scan runs.
package recorder

import (
	"encoding/csv"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"github.com/w1xm/dish_interface/dish"
)

// Header is the first row of every sink.
var Header = []string{"azimuth", "elevation", "power", "timestamp"}

// FileName returns the sink name for a run started at start. Later runs
// that start in the same second get a numeric suffix, see Create.
func FileName(start time.Time) string {
	return fmt.Sprintf("rf_power_%d.csv", start.Unix())
}

// maxSuffix bounds the names tried for runs started in the same second.
const maxSuffix = 100

func suffixedName(start time.Time, n int) string {
	if n < 2 {
		return FileName(start)
	}
	return fmt.Sprintf("rf_power_%d_%d.csv", start.Unix(), n)
}

// Recorder is a single run's sink. Every Record is on stable storage before
// it returns.
type Recorder struct {
	mu   sync.Mutex
	f    *os.File
	w    *csv.Writer
	path string
	rows int
}

// Create makes a new sink in dir. It never overwrites an existing file:
// when the name for start is taken it tries rf_power_<unix>_2.csv and so on.
func Create(dir string, start time.Time) (*Recorder, error) {
	var (
		f    *os.File
		path string
		err  error
	)
	for n := 1; n <= maxSuffix; n++ {
		path = filepath.Join(dir, suffixedName(start, n))
		f, err = os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL|os.O_APPEND, 0o644)
		if !errors.Is(err, os.ErrExist) {
			break
		}
	}
	if err != nil {
		return nil, fmt.Errorf("create sink: %w", err)
	}
	r := &Recorder{f: f, w: csv.NewWriter(f), path: path}
	if err := r.write(Header); err != nil {
		f.Close()
		return nil, err
	}
	// The new directory entry must survive a power loss along with the rows.
	if err := syncDir(dir); err != nil {
		f.Close()
		return nil, err
	}
	return r, nil
}

func syncDir(dir string) error {
	d, err := os.Open(dir)
	if err != nil {
		return fmt.Errorf("sync sink dir: %w", err)
	}
	defer d.Close()
	if err := d.Sync(); err != nil {
		return fmt.Errorf("sync sink dir: %w", err)
	}
	return nil
}

func (r *Recorder) Path() string { return r.path }

// Rows returns the number of samples recorded.
func (r *Recorder) Rows() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.rows
}

func formatFloat(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}

// FormatTimestamp renders t as Unix seconds with millisecond precision.
func FormatTimestamp(t time.Time) string {
	return strconv.FormatFloat(float64(t.UnixMilli())/1000, 'f', 3, 64)
}

func (r *Recorder) write(row []string) error {
	if err := r.w.Write(row); err != nil {
		return fmt.Errorf("write row: %w", err)
	}
	r.w.Flush()
	if err := r.w.Error(); err != nil {
		return fmt.Errorf("write row: %w", err)
	}
	if err := r.f.Sync(); err != nil {
		return fmt.Errorf("sync sink: %w", err)
	}
	return nil
}

// Record appends s and syncs the file.
func (r *Recorder) Record(s dish.Sample) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.f == nil {
		return fmt.Errorf("record: %w", os.ErrClosed)
	}
	err := r.write([]string{
		formatFloat(s.Azimuth),
		formatFloat(s.Elevation),
		formatFloat(s.Power),
		FormatTimestamp(s.Timestamp),
	})
	if err != nil {
		return err
	}
	r.rows++
	return nil
}

func (r *Recorder) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.f == nil {
		return nil
	}
	f := r.f
	r.f = nil
	if err := f.Sync(); err != nil {
		f.Close()
		return fmt.Errorf("sync sink: %w", err)
	}
	return f.Close()
}
