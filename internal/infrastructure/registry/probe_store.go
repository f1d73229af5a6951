package registry

import (
	"time"

	"go.uber.org/zap"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

// probeRecord is one health-probe outcome, persisted for operators
// inspecting why a breaker tripped. Not on the request hot path.
type probeRecord struct {
	ID         uint `gorm:"primarykey"`
	PipelineID string
	Success    bool
	LatencyMs  float64
	Error      string
	ProbedAt   time.Time
}

// ProbeStore persists a bounded ring of recent probe outcomes per pipeline.
// Writes are queued and flushed by a background goroutine so probe
// scheduling never blocks on disk I/O.
type ProbeStore struct {
	db        *gorm.DB
	queue     chan probeRecord
	logger    *zap.Logger
	maxPerKey int
	stop      chan struct{}
}

// NewProbeStore opens (or creates) a sqlite-backed probe history store at
// dsn. Pass "" to disable persistence (health probing still works; only
// history is lost).
func NewProbeStore(dsn string, logger *zap.Logger) (*ProbeStore, error) {
	logger = logger.With(zap.String("component", "probe-store"))
	if dsn == "" {
		return &ProbeStore{logger: logger}, nil
	}

	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	if err != nil {
		return nil, err
	}
	if err := db.AutoMigrate(&probeRecord{}); err != nil {
		return nil, err
	}

	s := &ProbeStore{
		db:        db,
		queue:     make(chan probeRecord, 256),
		logger:    logger,
		maxPerKey: 200,
		stop:      make(chan struct{}),
	}
	go s.run()
	return s, nil
}

// Record enqueues a probe outcome. Non-blocking; drops the record (and
// logs) if the queue is saturated rather than ever stalling the probe
// scheduler.
func (s *ProbeStore) Record(pipelineID string, success bool, latency time.Duration, probeErr error) {
	if s.db == nil {
		return
	}
	rec := probeRecord{
		PipelineID: pipelineID,
		Success:    success,
		LatencyMs:  float64(latency) / float64(time.Millisecond),
		ProbedAt:   time.Now(),
	}
	if probeErr != nil {
		rec.Error = probeErr.Error()
	}
	select {
	case s.queue <- rec:
	default:
		s.logger.Warn("probe history queue full, dropping record", zap.String("pipeline_id", pipelineID))
	}
}

// run batches queued probe records and writes them in a single insert,
// trimming each pipeline's history to maxPerKey rows.
func (s *ProbeStore) run() {
	const flushInterval = 2 * time.Second
	ticker := time.NewTicker(flushInterval)
	defer ticker.Stop()

	var batch []probeRecord
	flush := func() {
		if len(batch) == 0 {
			return
		}
		if err := s.db.Create(&batch).Error; err != nil {
			s.logger.Warn("flush probe history failed", zap.Error(err))
		}
		for _, rec := range batch {
			s.trim(rec.PipelineID)
		}
		batch = batch[:0]
	}

	for {
		select {
		case rec := <-s.queue:
			batch = append(batch, rec)
			if len(batch) >= 32 {
				flush()
			}
		case <-ticker.C:
			flush()
		case <-s.stop:
			for len(s.queue) > 0 {
				batch = append(batch, <-s.queue)
			}
			flush()
			return
		}
	}
}

func (s *ProbeStore) trim(pipelineID string) {
	var count int64
	s.db.Model(&probeRecord{}).Where("pipeline_id = ?", pipelineID).Count(&count)
	if count <= int64(s.maxPerKey) {
		return
	}
	var oldest []uint
	s.db.Model(&probeRecord{}).
		Where("pipeline_id = ?", pipelineID).
		Order("probed_at asc").
		Limit(int(count) - s.maxPerKey).
		Pluck("id", &oldest)
	if len(oldest) > 0 {
		s.db.Delete(&probeRecord{}, oldest)
	}
}

// Close stops the background flusher, flushing any queued records first.
func (s *ProbeStore) Close() {
	if s.db == nil {
		return
	}
	close(s.stop)
}

// Recent returns the most recent probe records for a pipeline, most recent
// first. The GET /v1/pipelines endpoint does not call it; it reports
// Registry.Snapshot only.
func (s *ProbeStore) Recent(pipelineID string, limit int) ([]probeRecord, error) {
	if s.db == nil {
		return nil, nil
	}
	var recs []probeRecord
	err := s.db.Where("pipeline_id = ?", pipelineID).
		Order("probed_at desc").
		Limit(limit).
		Find(&recs).Error
	return recs, err
}
