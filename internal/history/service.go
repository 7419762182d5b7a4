package history

import (
	"log"
	"sync"
	"time"

	"github.com/pelorus-track/pelorus/internal/geo"
	"github.com/pelorus-track/pelorus/internal/metrics"
	"github.com/pelorus-track/pelorus/internal/track"
)

// Service is the async history writer. Enqueue is a non-blocking channel
// send; a background goroutine flushes batches to the Repo on batch-size or
// timer, and drains the queue on Stop. Records that cannot be written are
// handed to OnFailure for DLQ routing.
type Service struct {
	repo      *Repo
	queue     chan track.FusedRecord
	batchSize int
	interval  time.Duration
	onFailure func(rec track.FusedRecord, err error)
	metrics   *metrics.Metrics

	// Min-move filter inputs. Zero values disable the filter.
	minMoveMeters float64
	maxPosAge     time.Duration
	lastPos       map[track.EntityKey]lastPosition // flush goroutine only

	stopCh chan struct{}
	wg     sync.WaitGroup
}

type lastPosition struct {
	lat, lon float64
	tsMs     int64
}

// ServiceConfig configures the history writer.
type ServiceConfig struct {
	Repo          *Repo
	QueueSize     int
	FlushBatch    int
	FlushInterval time.Duration
	// OnFailure receives records the repo could not store.
	OnFailure func(rec track.FusedRecord, err error)
	Metrics   *metrics.Metrics

	// MinMoveMeters and MaxPositionAge drive the optional pre-insert filter:
	// a record is skipped when it moved less than MinMoveMeters AND is
	// younger than MaxPositionAge relative to the previous stored position.
	MinMoveMeters  float64
	MaxPositionAge time.Duration
}

// NewService creates the writer. Call Start to launch the flush loop.
func NewService(cfg ServiceConfig) *Service {
	queueSize := cfg.QueueSize
	if queueSize <= 0 {
		queueSize = 8192
	}
	batchSize := cfg.FlushBatch
	if batchSize <= 0 {
		batchSize = 50
	}
	interval := cfg.FlushInterval
	if interval <= 0 {
		interval = 2 * time.Second
	}
	return &Service{
		repo:          cfg.Repo,
		queue:         make(chan track.FusedRecord, queueSize),
		batchSize:     batchSize,
		interval:      interval,
		onFailure:     cfg.OnFailure,
		metrics:       cfg.Metrics,
		minMoveMeters: cfg.MinMoveMeters,
		maxPosAge:     cfg.MaxPositionAge,
		lastPos:       make(map[track.EntityKey]lastPosition),
		stopCh:        make(chan struct{}),
	}
}

// Start launches the background flush goroutine.
func (s *Service) Start() {
	s.wg.Add(1)
	go s.flushLoop()
}

// Stop signals the flush loop to stop, drains remaining records, and returns.
func (s *Service) Stop() {
	close(s.stopCh)
	s.wg.Wait()
}

// Enqueue hands one record to the writer. Overflow surfaces to OnFailure
// instead of blocking the fusion worker.
func (s *Service) Enqueue(rec track.FusedRecord) {
	select {
	case s.queue <- rec:
	default:
		s.fail(rec, errQueueFull)
	}
}

// Depth reports how many records are waiting to be flushed.
func (s *Service) Depth() int { return len(s.queue) }

// flushLoop runs until stopCh is closed, flushing on batch-size or timer.
func (s *Service) flushLoop() {
	defer s.wg.Done()

	batch := make([]track.FusedRecord, 0, s.batchSize)
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case rec := <-s.queue:
			if rec := s.filter(rec); rec != nil {
				batch = append(batch, *rec)
			}
			if len(batch) >= s.batchSize {
				s.flush(batch)
				batch = batch[:0]
			}

		case <-ticker.C:
			if len(batch) > 0 {
				s.flush(batch)
				batch = batch[:0]
			}

		case <-s.stopCh:
			s.drainAndFlush(batch)
			return
		}
	}
}

func (s *Service) drainAndFlush(batch []track.FusedRecord) {
	for {
		select {
		case rec := <-s.queue:
			if rec := s.filter(rec); rec != nil {
				batch = append(batch, *rec)
			}
			if len(batch) >= s.batchSize {
				s.flush(batch)
				batch = batch[:0]
			}
		default:
			if len(batch) > 0 {
				s.flush(batch)
			}
			return
		}
	}
}

// filter applies the min-move skip and tracks the last stored position.
func (s *Service) filter(rec track.FusedRecord) *track.FusedRecord {
	if s.minMoveMeters <= 0 || s.maxPosAge <= 0 {
		return &rec
	}
	if last, ok := s.lastPos[rec.Key]; ok {
		dist := geo.Haversine(last.lat, last.lon, rec.Lat, rec.Lon)
		age := time.Duration(rec.TsMs-last.tsMs) * time.Millisecond
		if dist < s.minMoveMeters && age < s.maxPosAge {
			return nil
		}
	}
	s.lastPos[rec.Key] = lastPosition{lat: rec.Lat, lon: rec.Lon, tsMs: rec.TsMs}
	return &rec
}

func (s *Service) flush(recs []track.FusedRecord) {
	inserted, failed, err := s.repo.InsertBatch(recs)
	if s.metrics != nil {
		s.metrics.HistoryFlushes.Inc()
		s.metrics.HistoryRows.Add(float64(inserted))
		if err != nil || len(failed) > 0 {
			s.metrics.HistoryFailures.Inc()
		}
	}
	if err != nil {
		log.Printf("[history] flush of %d records failed: %v", len(recs), err)
	}
	for _, f := range failed {
		s.fail(f.Rec, f.Err)
	}
}

func (s *Service) fail(rec track.FusedRecord, err error) {
	if s.onFailure != nil {
		s.onFailure(rec, err)
		return
	}
	log.Printf("[history] dropping %s@%d: %v", rec.Key, rec.TsMs, err)
}

type queueFullError struct{}

func (queueFullError) Error() string { return "history: write queue full" }

var errQueueFull = queueFullError{}
