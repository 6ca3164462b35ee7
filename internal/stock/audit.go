package stock

import (
	"encoding/json"
	"log"
	"sync"
	"time"

	"github.com/rotor-ads/rotor/internal/model"
	"github.com/rotor-ads/rotor/internal/store"
)

// Audit actions written by the producer and the lease engine.
const (
	AuditProduced   = "produced"
	AuditNoStock    = "no_stock"
	AuditLeaseApply = "lease_apply"
	AuditAckFail    = "ack_fail"
	AuditExpired    = "expired"
)

// AuditWriter is an async batch writer over the audit log. Emit performs a
// non-blocking channel send (drops on overflow); a background goroutine
// flushes batches to the repo.
type AuditWriter struct {
	repo      *store.AuditRepo
	queue     chan model.AuditRecord
	batchSize int
	interval  time.Duration

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// AuditWriterConfig configures the audit writer.
type AuditWriterConfig struct {
	Repo          *store.AuditRepo
	QueueSize     int
	FlushBatch    int
	FlushInterval time.Duration
}

func NewAuditWriter(cfg AuditWriterConfig) *AuditWriter {
	queueSize := cfg.QueueSize
	if queueSize <= 0 {
		queueSize = 4096
	}
	batchSize := cfg.FlushBatch
	if batchSize <= 0 {
		batchSize = 512
	}
	interval := cfg.FlushInterval
	if interval <= 0 {
		interval = 30 * time.Second
	}
	return &AuditWriter{
		repo:      cfg.Repo,
		queue:     make(chan model.AuditRecord, queueSize),
		batchSize: batchSize,
		interval:  interval,
		stopCh:    make(chan struct{}),
	}
}

// Start launches the background flush goroutine.
func (w *AuditWriter) Start() {
	w.wg.Add(1)
	go w.flushLoop()
}

// Stop signals the flush loop to stop, drains remaining records, and returns.
// Safe to call more than once.
func (w *AuditWriter) Stop() {
	w.stopOnce.Do(func() { close(w.stopCh) })
	w.wg.Wait()
}

// Emit enqueues an audit record. Non-blocking; drops on overflow.
func (w *AuditWriter) Emit(userID, campaignID, action string, detail any) {
	detailJSON := "{}"
	if detail != nil {
		if b, err := json.Marshal(detail); err == nil {
			detailJSON = string(b)
		}
	}
	rec := model.AuditRecord{
		UserID:     userID,
		CampaignID: campaignID,
		Action:     action,
		DetailJSON: detailJSON,
	}
	select {
	case w.queue <- rec:
	default:
		// Queue full: drop the record rather than block the producer path.
	}
}

func (w *AuditWriter) flushLoop() {
	defer w.wg.Done()

	batch := make([]model.AuditRecord, 0, w.batchSize)
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case rec := <-w.queue:
			batch = append(batch, rec)
			if len(batch) >= w.batchSize {
				w.flush(batch)
				batch = batch[:0]
			}

		case <-ticker.C:
			if len(batch) > 0 {
				w.flush(batch)
				batch = batch[:0]
			}

		case <-w.stopCh:
			w.drainAndFlush(batch)
			return
		}
	}
}

func (w *AuditWriter) drainAndFlush(batch []model.AuditRecord) {
	for {
		select {
		case rec := <-w.queue:
			batch = append(batch, rec)
			if len(batch) >= w.batchSize {
				w.flush(batch)
				batch = batch[:0]
			}
		default:
			if len(batch) > 0 {
				w.flush(batch)
			}
			return
		}
	}
}

func (w *AuditWriter) flush(records []model.AuditRecord) {
	if n, err := w.repo.InsertBatch(records); err != nil {
		log.Printf("[audit] flush %d records failed: %v", len(records), err)
	} else if n > 0 {
		log.Printf("[audit] flushed %d records", n)
	}
}
