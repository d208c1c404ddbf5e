// Copyright 2024 The llmbatch Authors.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package llmbatch

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/pkg/errors"

	"github.com/dancing-ui/llmbatch/logging"
	"github.com/dancing-ui/llmbatch/util"
)

// UsageRecord is one line of the usage audit trail: what a single item
// consumed and how it terminated.
type UsageRecord struct {
	Timestamp   uint64 `json:"timestamp"`
	ItemID      string `json:"item_id"`
	Fingerprint string `json:"fingerprint"`
	Model       string `json:"model"`
	State       string `json:"state"`

	Attempts            int     `json:"attempts"`
	EstimatedTokens     float64 `json:"estimated_tokens"`
	ActualOutputTokens  int64   `json:"actual_output_tokens"`
	AdmissionWaitMillis int64   `json:"admission_wait_millis"`
}

// UsageLoggerConfig configures the usage audit log.
type UsageLoggerConfig struct {
	AppName       string `json:"appName" yaml:"appName"`
	LogDir        string `json:"logDir" yaml:"logDir"`
	MaxFileSize   uint64 `json:"maxFileSize" yaml:"maxFileSize"`
	MaxFileAmount uint32 `json:"maxFileAmount" yaml:"maxFileAmount"`
	FlushInterval uint32 `json:"flushInterval" yaml:"flushInterval"`
}

func (c *UsageLoggerConfig) String() string {
	if c == nil {
		return "UsageLoggerConfig{nil}"
	}
	return fmt.Sprintf("UsageLoggerConfig{AppName:%s, LogDir:%s, MaxFileSize:%d, MaxFileAmount:%d, FlushInterval:%d}",
		c.AppName, c.LogDir, c.MaxFileSize, c.MaxFileAmount, c.FlushInterval)
}

// UsageLogger appends usage records to a buffered, size-rotated file. It is
// constructed explicitly and shared by reference; Record is safe for
// concurrent use.
type UsageLogger struct {
	mu              sync.Mutex
	writer          *bufio.Writer
	file            *os.File
	baseDir         string
	fileName        string
	currentFileSize uint64
	maxFileSize     uint64
	maxFileAmount   uint32
	buffer          []UsageRecord
	bufferSize      int
	ticker          *time.Ticker
	stopChan        chan struct{}
	stopOnce        sync.Once
	logger          logging.Logger
}

// NewUsageLogger opens (or creates) the usage log and starts the periodic
// flush goroutine.
func NewUsageLogger(config *UsageLoggerConfig, logger logging.Logger) (*UsageLogger, error) {
	if config == nil {
		return nil, errors.New("usage logger config is nil")
	}
	if len(config.LogDir) == 0 {
		return nil, errors.New("usage log directory cannot be empty")
	}
	if logger == nil {
		logger = logging.NewNopLogger()
	}

	maxFileSize := config.MaxFileSize
	if maxFileSize == 0 {
		maxFileSize = DefaultUsageLogMaxFileSize
	}
	maxFileAmount := config.MaxFileAmount
	if maxFileAmount == 0 {
		maxFileAmount = DefaultUsageLogMaxFileAmount
	}
	flushInterval := config.FlushInterval
	if flushInterval == 0 {
		flushInterval = DefaultUsageLogFlushInterval
	}

	if err := util.CreateDirIfNotExists(config.LogDir); err != nil {
		return nil, errors.Wrap(err, "failed to create usage log directory")
	}

	ul := &UsageLogger{
		baseDir:       config.LogDir,
		fileName:      formUsageFileName(config),
		maxFileSize:   maxFileSize,
		maxFileAmount: maxFileAmount,
		bufferSize:    DefaultUsageLogBufferSize,
		buffer:        make([]UsageRecord, 0, DefaultUsageLogBufferSize),
		stopChan:      make(chan struct{}),
		logger:        logger,
	}
	if err := ul.createOrOpenLogFile(); err != nil {
		return nil, err
	}
	ul.startPeriodicFlush(time.Duration(flushInterval) * time.Second)
	return ul, nil
}

func formUsageFileName(config *UsageLoggerConfig) string {
	serviceName := config.AppName
	if len(serviceName) == 0 {
		serviceName = "llmbatch"
	}
	serviceName = strings.ReplaceAll(serviceName, ".", "-")
	return serviceName + "-" + UsageLogFileNameSuffix + "." + util.FormatDate(util.CurrentTimeMillis())
}

func (ul *UsageLogger) createOrOpenLogFile() error {
	filePath := filepath.Join(ul.baseDir, ul.fileName)

	if stat, err := os.Stat(filePath); err == nil {
		ul.currentFileSize = uint64(stat.Size())
		if ul.currentFileSize >= ul.maxFileSize {
			if err := ul.rotateLogFile(); err != nil {
				return errors.Wrap(err, "failed to rotate usage log file")
			}
			return nil
		}
	}

	file, err := os.OpenFile(filePath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return errors.Wrap(err, "failed to open usage log file")
	}
	ul.file = file
	ul.writer = bufio.NewWriterSize(file, 8192)
	return nil
}

func (ul *UsageLogger) rotateLogFile() error {
	if ul.writer != nil {
		ul.writer.Flush()
		ul.writer = nil
	}
	if ul.file != nil {
		ul.file.Close()
		ul.file = nil
	}

	currentPath := filepath.Join(ul.baseDir, ul.fileName)

	for i := int(ul.maxFileAmount) - 1; i >= 1; i-- {
		oldPath := fmt.Sprintf("%s.%d", currentPath, i)
		newPath := fmt.Sprintf("%s.%d", currentPath, i+1)

		if i == int(ul.maxFileAmount)-1 {
			if err := os.Remove(newPath); err != nil && !os.IsNotExist(err) {
				return errors.Wrapf(err, "failed to remove old usage log file %s", newPath)
			}
		}
		if _, err := os.Stat(oldPath); err == nil {
			if err := os.Rename(oldPath, newPath); err != nil {
				return errors.Wrapf(err, "failed to rotate usage log file from %s to %s", oldPath, newPath)
			}
		}
	}

	if _, err := os.Stat(currentPath); err == nil {
		if err := os.Rename(currentPath, currentPath+".1"); err != nil {
			return errors.Wrapf(err, "failed to rotate current usage log file %s", currentPath)
		}
	}

	ul.currentFileSize = 0
	return ul.createOrOpenLogFile()
}

func (ul *UsageLogger) startPeriodicFlush(interval time.Duration) {
	ul.ticker = time.NewTicker(interval)
	go func() {
		for {
			select {
			case <-ul.ticker.C:
				ul.flush()
			case <-ul.stopChan:
				ul.ticker.Stop()
				ul.flush()
				return
			}
		}
	}()
}

// Record buffers one usage record. A nil receiver records nothing.
func (ul *UsageLogger) Record(record UsageRecord) {
	if ul == nil {
		return
	}
	if record.Timestamp == 0 {
		record.Timestamp = util.CurrentTimeMillis()
	}

	ul.mu.Lock()
	defer ul.mu.Unlock()

	ul.buffer = append(ul.buffer, record)
	if len(ul.buffer) > ul.bufferSize {
		ul.flushUnsafe()
	}
}

func (ul *UsageLogger) flush() {
	if ul == nil {
		return
	}
	ul.mu.Lock()
	defer ul.mu.Unlock()
	ul.flushUnsafe()
}

func (ul *UsageLogger) flushUnsafe() {
	if len(ul.buffer) == 0 || ul.writer == nil {
		return
	}
	for _, record := range ul.buffer {
		// A failed rotation leaves no writer; drop the rest of the buffer
		// instead of dereferencing nil.
		if ul.writer == nil {
			break
		}
		line := ul.formatLogLine(record)
		n, err := ul.writer.WriteString(line)
		if err != nil {
			ul.logger.Error(err, "failed to write usage log line")
			continue
		}
		ul.currentFileSize += uint64(n)
		if ul.currentFileSize >= ul.maxFileSize {
			ul.writer.Flush()
			if err := ul.rotateLogFile(); err != nil {
				ul.logger.Error(err, "failed to rotate usage log file")
			}
		}
	}
	if ul.writer != nil {
		ul.writer.Flush()
	}
	ul.buffer = ul.buffer[:0]
}

func (ul *UsageLogger) formatLogLine(record UsageRecord) string {
	return fmt.Sprintf("%s|%s|%s|%s|%s|%d|%.1f|%d|%d\n",
		util.FormatTimeMillis(record.Timestamp),
		record.ItemID,
		record.Fingerprint,
		record.Model,
		record.State,
		record.Attempts,
		record.EstimatedTokens,
		record.ActualOutputTokens,
		record.AdmissionWaitMillis,
	)
}

// Stop drains the buffer and closes the file. Safe to call more than once.
func (ul *UsageLogger) Stop() {
	if ul == nil {
		return
	}
	ul.stopOnce.Do(func() {
		close(ul.stopChan)
	})

	ul.mu.Lock()
	defer ul.mu.Unlock()

	ul.flushUnsafe()
	ul.writer = nil
	if ul.file != nil {
		ul.file.Close()
		ul.file = nil
	}
}
