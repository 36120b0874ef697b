package service

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/agoramesh/policygate/internal/domain/decision"
	"github.com/agoramesh/policygate/internal/domain/market"
	"github.com/agoramesh/policygate/internal/metrics"
)

// DefaultViolationLimit caps AgentViolations queries.
const DefaultViolationLimit = 50

// DefaultComplianceWindowDays is the trailing window for compliance rates.
const DefaultComplianceWindowDays = 90

// DecisionService provides async decision logging with a buffered
// channel and a background worker, plus the derived compliance queries.
// Checkpoint evaluations are logged without blocking, and a store
// failure never affects the gated action's outcome: flush errors are
// swallowed, logged, and counted so operators can detect audit gaps.
type DecisionService struct {
	store         decision.Store
	tasks         market.TaskReader
	packs         *PackService
	recordChan    chan decision.Record
	wg            sync.WaitGroup
	logger        *slog.Logger
	meter         *metrics.Metrics
	batchSize     int
	flushInterval time.Duration

	channelSize int
	sendTimeout time.Duration // 0 = drop immediately when full
	dropCount   atomic.Int64
	writeErrors atomic.Int64
}

// DecisionOption configures DecisionService.
type DecisionOption func(*DecisionService)

// WithDecisionBatchSize sets the number of records to batch before writing.
func WithDecisionBatchSize(size int) DecisionOption {
	return func(s *DecisionService) {
		s.batchSize = size
	}
}

// WithDecisionFlushInterval sets the interval to flush pending records.
func WithDecisionFlushInterval(interval time.Duration) DecisionOption {
	return func(s *DecisionService) {
		s.flushInterval = interval
	}
}

// WithDecisionChannelSize sets the size of the record channel buffer.
func WithDecisionChannelSize(size int) DecisionOption {
	return func(s *DecisionService) {
		s.recordChan = make(chan decision.Record, size)
		s.channelSize = size
	}
}

// WithDecisionSendTimeout sets the backpressure timeout.
// 0 = drop immediately, >0 = block up to this duration before dropping.
func WithDecisionSendTimeout(timeout time.Duration) DecisionOption {
	return func(s *DecisionService) {
		s.sendTimeout = timeout
	}
}

// NewDecisionService creates a new DecisionService with the given store
// and options. tasks and packs feed the violation join; either may be
// nil, in which case joined display fields stay empty.
func NewDecisionService(store decision.Store, tasks market.TaskReader, packs *PackService, logger *slog.Logger, meter *metrics.Metrics, opts ...DecisionOption) *DecisionService {
	const defaultChannelSize = 1000
	s := &DecisionService{
		store:         store,
		tasks:         tasks,
		packs:         packs,
		recordChan:    make(chan decision.Record, defaultChannelSize),
		logger:        logger,
		meter:         meter,
		batchSize:     100,
		flushInterval: time.Second,
		channelSize:   defaultChannelSize,
		sendTimeout:   100 * time.Millisecond,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Start begins the background worker that batches and writes records.
func (s *DecisionService) Start(ctx context.Context) {
	s.wg.Add(1)
	go s.worker(ctx)
}

// Record sends a decision record to the background worker. Applies
// backpressure: a fast non-blocking send, then blocking up to
// sendTimeout. If the timeout expires the record is dropped and counted.
func (s *DecisionService) Record(rec decision.Record) {
	select {
	case s.recordChan <- rec:
		return
	default:
		// Channel full - apply backpressure.
	}

	if s.sendTimeout <= 0 {
		s.recordDrop(rec)
		return
	}

	select {
	case s.recordChan <- rec:
	case <-time.After(s.sendTimeout):
		s.recordDrop(rec)
	}
}

func (s *DecisionService) recordDrop(rec decision.Record) {
	drops := s.dropCount.Add(1)
	s.meter.DecisionDropsTotal.Inc()
	s.logger.Warn("decision record dropped",
		"checkpoint", rec.Checkpoint,
		"agent_id", rec.AgentID,
		"total_drops", drops,
	)
}

// DroppedRecords returns total dropped records (for monitoring).
func (s *DecisionService) DroppedRecords() int64 {
	return s.dropCount.Load()
}

// WriteErrors returns total swallowed store write failures.
func (s *DecisionService) WriteErrors() int64 {
	return s.writeErrors.Load()
}

// Stop signals the worker to stop and waits for it to finish.
// Pending records are flushed before returning.
func (s *DecisionService) Stop() {
	close(s.recordChan)
	s.wg.Wait()
}

// worker is the background goroutine that collects and flushes records.
func (s *DecisionService) worker(ctx context.Context) {
	defer s.wg.Done()

	batch := make([]decision.Record, 0, s.batchSize)
	ticker := time.NewTicker(s.flushInterval)
	defer ticker.Stop()

	for {
		select {
		case rec, ok := <-s.recordChan:
			if !ok {
				// Channel closed - final flush with bounded deadline.
				if len(batch) > 0 {
					flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
					s.flush(flushCtx, batch)
					cancel()
				}
				return
			}
			batch = append(batch, rec)
			if len(batch) >= s.batchSize {
				s.flush(ctx, batch)
				batch = batch[:0]
			}

		case <-ticker.C:
			if len(batch) > 0 {
				s.flush(ctx, batch)
				batch = batch[:0]
			}

		case <-ctx.Done():
			// Context cancelled - drain channel and flush with deadline.
			for rec := range s.recordChan {
				batch = append(batch, rec)
			}
			if len(batch) > 0 {
				flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				s.flush(flushCtx, batch)
				cancel()
			}
			return
		}
	}
}

// flush writes a batch to the store. Errors are logged and counted but
// never propagated - the audit trail must not gate marketplace actions.
func (s *DecisionService) flush(ctx context.Context, batch []decision.Record) {
	if err := s.store.Append(ctx, batch...); err != nil {
		s.writeErrors.Add(1)
		s.meter.DecisionWriteErrorsTotal.Inc()
		s.logger.Error("failed to write decision batch",
			"error", err,
			"count", len(batch),
		)
	}
}

// AgentViolations returns the most recent DENY decisions for an agent,
// newest first, joined with pack name and task title. A limit of 0
// applies DefaultViolationLimit.
func (s *DecisionService) AgentViolations(ctx context.Context, agentID string, limit int) ([]decision.Violation, error) {
	if limit <= 0 {
		limit = DefaultViolationLimit
	}
	records, err := s.store.ListByAgent(ctx, agentID, true, time.Time{}, limit)
	if err != nil {
		return nil, fmt.Errorf("list denials: %w", err)
	}

	violations := make([]decision.Violation, 0, len(records))
	for _, rec := range records {
		v := decision.Violation{Record: rec}
		if s.packs != nil && rec.PackID != "" {
			// Archived packs remain readable, so the join survives
			// pack archival.
			if pack, err := s.packs.Get(ctx, rec.PackID); err == nil {
				v.PackName = pack.Name
			}
		}
		if s.tasks != nil && rec.TaskID != "" {
			if task, err := s.tasks.GetTask(ctx, rec.TaskID); err == nil {
				v.TaskTitle = task.Title
			}
		}
		violations = append(violations, v)
	}
	return violations, nil
}

// ComplianceRate computes (total-denied)/total*100 for an agent over a
// trailing window. Returns 100 when no decisions fall in the window.
// A windowDays of 0 applies DefaultComplianceWindowDays.
func (s *DecisionService) ComplianceRate(ctx context.Context, agentID string, windowDays int) (float64, error) {
	if windowDays <= 0 {
		windowDays = DefaultComplianceWindowDays
	}
	since := time.Now().UTC().AddDate(0, 0, -windowDays)
	total, denied, err := s.store.CountByAgent(ctx, agentID, since)
	if err != nil {
		return 0, fmt.Errorf("count decisions: %w", err)
	}
	return decision.ComplianceRate(total, denied), nil
}
