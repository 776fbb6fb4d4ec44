package control

import (
	"encoding/csv"
	"path/filepath"
	"strconv"
	"sync"

	"gopkg.in/natefinch/lumberjack.v2"
)

// FileSink appends samples as CSV lines to a size-rotated file.
type FileSink struct {
	mu     sync.Mutex
	logger *lumberjack.Logger
	csv    *csv.Writer
	err    error
}

// NewFileSink returns a sink writing to filename under dirPath. The file rotates at maxSizeMB
// and keeps two compressed backups.
func NewFileSink(dirPath, filename string, maxSizeMB int) *FileSink {
	logger := &lumberjack.Logger{
		Filename:   filepath.Join(dirPath, filename),
		MaxSize:    maxSizeMB,
		MaxBackups: 2,
		Compress:   true,
	}
	return &FileSink{logger: logger, csv: csv.NewWriter(logger)}
}

// Record writes the record stream,unix_ms,setpoint,feedback,error,overrun_ms. Streams holding
// commas or quotes are quoted. The first write error is kept and later samples are dropped.
func (fs *FileSink) Record(s Sample) {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	if fs.err != nil {
		return
	}
	fs.err = fs.csv.Write([]string{
		s.Stream,
		strconv.FormatInt(s.Time.UnixMilli(), 10),
		formatFloat(s.Setpoint),
		formatFloat(s.Feedback),
		formatFloat(s.Error),
		formatFloat(float64(s.Overrun.Microseconds()) / 1000),
	})
	if fs.err == nil {
		// flushed per sample
		fs.csv.Flush()
		fs.err = fs.csv.Error()
	}
}

// Err returns the first write error, if any.
func (fs *FileSink) Err() error {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	return fs.err
}

func formatFloat(v float64) string {
	return strconv.FormatFloat(v, 'g', -1, 64)
}

// Close closes the underlying file.
func (fs *FileSink) Close() error {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	return fs.logger.Close()
}
