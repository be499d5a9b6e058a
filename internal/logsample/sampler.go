// Package logsample retains a trace of the slowest request per
// observation window.
//
// Saving every ingested message would double the write load, so the
// sampler keeps only the worst request (by total processing time) out
// of every N observations and persists it to the ingest log on a
// detached goroutine. The write is best-effort: a failure is logged
// and forgotten.
package logsample

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/tallylabs/tally/internal/storage"
	"github.com/tallylabs/tally/internal/types"
)

const saveTimeout = 5 * time.Second

// LogSaver is the slice of the storage layer the sampler needs.
type LogSaver interface {
	SaveLog(ctx context.Context, rec *storage.LogRecord) error
}

// Sample is one observed request.
type Sample struct {
	Message json.RawMessage
	Fact    *types.Fact
	Timings types.ProcessingTime
	Metrics types.ResultMetrics
	Debug   *types.DebugInfo
}

// Sampler collects samples and flushes the worst one every freq
// observations. freq <= 0 disables sampling entirely.
type Sampler struct {
	saver     LogSaver
	freq      int
	log       *zap.Logger
	processID string

	mu    sync.Mutex
	seen  int
	worst *Sample

	wg sync.WaitGroup
}

func New(saver LogSaver, freq int, log *zap.Logger) *Sampler {
	if log == nil {
		log = zap.NewNop()
	}
	host, _ := os.Hostname()
	if host == "" {
		host = "unknown"
	}
	return &Sampler{
		saver:     saver,
		freq:      freq,
		log:       log,
		processID: fmt.Sprintf("%s-%d", host, os.Getpid()),
	}
}

// Enabled reports whether observations are being collected.
func (s *Sampler) Enabled() bool { return s != nil && s.freq > 0 }

// Observe folds one request into the current window. When the window
// fills, the worst sample is persisted on a detached goroutine so the
// caller's response path never waits on the log write.
func (s *Sampler) Observe(sample *Sample) {
	if !s.Enabled() || sample == nil {
		return
	}

	s.mu.Lock()
	s.seen++
	if s.worst == nil || sample.Timings.Total > s.worst.Timings.Total {
		s.worst = sample
	}
	if s.seen < s.freq {
		s.mu.Unlock()
		return
	}
	worst := s.worst
	s.seen, s.worst = 0, nil
	s.mu.Unlock()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.save(worst)
	}()
}

// Flush persists the current window's worst sample, if any, without
// waiting for the window to fill. For shutdown.
func (s *Sampler) Flush() {
	if !s.Enabled() {
		return
	}
	s.mu.Lock()
	worst := s.worst
	s.seen, s.worst = 0, nil
	s.mu.Unlock()
	if worst != nil {
		s.save(worst)
	}
	s.wg.Wait()
}

func (s *Sampler) save(sample *Sample) {
	ctx, cancel := context.WithTimeout(context.Background(), saveTimeout)
	defer cancel()

	rec := &storage.LogRecord{
		ID:        uuid.NewString(),
		ProcessID: s.processID,
		CreatedAt: time.Now().UnixMilli(),
		Message:   sample.Message,
		Timings:   marshalRaw(sample.Timings),
		Metrics:   marshalRaw(sample.Metrics),
	}
	if sample.Fact != nil {
		rec.Fact = marshalRaw(sample.Fact)
	}
	if sample.Debug != nil {
		rec.Debug = marshalRaw(sample.Debug)
	}
	if err := s.saver.SaveLog(ctx, rec); err != nil {
		s.log.Warn("log sample write failed", zap.String("id", rec.ID), zap.Error(err))
		return
	}
	s.log.Debug("log sample saved",
		zap.String("id", rec.ID),
		zap.Int64("totalMs", sample.Timings.Total))
}

func marshalRaw(v any) json.RawMessage {
	if v == nil {
		return nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		return nil
	}
	return data
}
