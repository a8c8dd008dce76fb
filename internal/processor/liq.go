package processor

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	appconfig "liqflow/config"
	"liqflow/internal/aggregator"
	"liqflow/internal/bucket"
	liqchannel "liqflow/internal/channel/liq"
	"liqflow/internal/dedup"
	metrics "liqflow/internal/metrics"
	"liqflow/internal/models"
	"liqflow/internal/normalizer"
	"liqflow/internal/store"
	"liqflow/logger"
)

const statsInterval = time.Minute

// Stats counts what the processor did since start.
type Stats struct {
	MessagesProcessed int64
	BatchesAccepted   int64
	Duplicates        int64
	EmptyBatches      int64
	Malformed         int64
	EventsNormalized  int64
	BucketWrites      int64
	BucketErrors      int64
}

// writeJob is an admitted batch waiting for its bucket writes.
type writeJob struct {
	batchID    string
	channel    string
	events     []models.LiquidationEvent
	receivedAt time.Time
}

// LiquidationProcessor turns raw feed frames into minute bucket increments.
// A single dispatcher decodes and deduplicates frames in arrival order; only
// the bucket writes of admitted batches fan out to the workers.
type LiquidationProcessor struct {
	channels *liqchannel.Channels
	counter  store.Counter
	seen     *dedup.Store
	workers  int
	now      func() time.Time
	jobs     chan writeJob

	ctx     context.Context
	wg      *sync.WaitGroup
	mu      sync.RWMutex
	running bool
	log     *logger.Log

	messages     atomic.Int64
	accepted     atomic.Int64
	duplicates   atomic.Int64
	empty        atomic.Int64
	malformed    atomic.Int64
	events       atomic.Int64
	bucketWrites atomic.Int64
	bucketErrors atomic.Int64
}

// NewLiquidationProcessor builds the processor. seen is owned by the caller so
// it outlives reconnects and can be inspected by the health endpoint.
func NewLiquidationProcessor(cfg *appconfig.Config, ch *liqchannel.Channels, counter store.Counter, seen *dedup.Store) *LiquidationProcessor {
	if seen == nil {
		seen = dedup.NewStore()
	}
	return &LiquidationProcessor{
		channels: ch,
		counter:  counter,
		seen:     seen,
		workers:  cfg.Processor.MaxWorkers,
		now:      time.Now,
		wg:       &sync.WaitGroup{},
		log:      logger.GetLogger(),
	}
}

// Start begins consuming raw liquidation messages.
func (p *LiquidationProcessor) Start(ctx context.Context) error {
	p.mu.Lock()
	if p.running {
		p.mu.Unlock()
		return fmt.Errorf("liquidation processor already running")
	}
	workers := p.workers
	if workers < 1 {
		workers = 1
	}
	p.running = true
	p.ctx = ctx
	p.jobs = make(chan writeJob, workers)
	p.mu.Unlock()

	p.log.WithComponent("liq_processor").WithFields(logger.Fields{
		"operation": "start",
		"workers":   workers,
	}).Info("starting liquidation processor")

	p.wg.Add(1)
	go p.dispatch()
	for i := 0; i < workers; i++ {
		p.wg.Add(1)
		go p.worker(i)
	}

	p.wg.Add(1)
	go p.reporter()
	return nil
}

// Stop waits for the dispatcher and workers to exit. They stop when the start
// context is cancelled or the raw channel is closed.
func (p *LiquidationProcessor) Stop() {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return
	}
	p.running = false
	p.mu.Unlock()

	p.log.WithComponent("liq_processor").Info("stopping liquidation processor")
	p.wg.Wait()
	p.logStats()
	p.log.WithComponent("liq_processor").Info("liquidation processor stopped")
}

func (p *LiquidationProcessor) GetStats() Stats {
	return Stats{
		MessagesProcessed: p.messages.Load(),
		BatchesAccepted:   p.accepted.Load(),
		Duplicates:        p.duplicates.Load(),
		EmptyBatches:      p.empty.Load(),
		Malformed:         p.malformed.Load(),
		EventsNormalized:  p.events.Load(),
		BucketWrites:      p.bucketWrites.Load(),
		BucketErrors:      p.bucketErrors.Load(),
	}
}

// dispatch is the only reader of the raw channel, so duplicate detection sees
// every channel's batches in the order the feed sent them.
func (p *LiquidationProcessor) dispatch() {
	defer p.wg.Done()
	defer close(p.jobs)
	for {
		select {
		case <-p.ctx.Done():
			return
		case msg, ok := <-p.channels.Raw:
			if !ok {
				return
			}
			job, admitted := p.admit(msg)
			if !admitted {
				continue
			}
			select {
			case p.jobs <- job:
			case <-p.ctx.Done():
				return
			}
		}
	}
}

func (p *LiquidationProcessor) worker(id int) {
	defer p.wg.Done()
	for {
		select {
		case <-p.ctx.Done():
			return
		case job, ok := <-p.jobs:
			if !ok {
				return
			}
			p.apply(p.ctx, job)
		}
	}
}

// handleMessage admits and applies one frame on the calling goroutine.
func (p *LiquidationProcessor) handleMessage(ctx context.Context, raw models.RawLiquidationMessage) {
	if job, ok := p.admit(raw); ok {
		p.apply(ctx, job)
	}
}

// admit decodes a frame and runs it through the dedup store. It reports false
// for malformed, empty and duplicate batches.
func (p *LiquidationProcessor) admit(raw models.RawLiquidationMessage) (writeJob, bool) {
	p.messages.Add(1)
	log := p.log.WithComponent("liq_processor")

	batch, err := normalizer.Extract(raw.Data)
	if err != nil {
		p.malformed.Add(1)
		metrics.IncBatch(metrics.OutcomeMalformed)
		log.WithError(err).WithFields(logger.Fields{
			"exchange": raw.Exchange,
			"bytes":    len(raw.Data),
		}).Warn("dropping malformed message")
		return writeJob{}, false
	}
	if len(batch.Trades) == 0 {
		p.empty.Add(1)
		metrics.IncBatch(metrics.OutcomeEmpty)
		return writeJob{}, false
	}

	var (
		events    []models.LiquidationEvent
		evaluated bool
	)
	fingerprint := normalizer.Fingerprint(batch.Trades)
	admitted := p.seen.Admit(batch.Channel, fingerprint, func() bool {
		evaluated = true
		events = normalizer.Normalize(batch.Trades, p.now())
		return len(events) > 0
	})
	if !admitted {
		if evaluated {
			p.empty.Add(1)
			metrics.IncBatch(metrics.OutcomeEmpty)
			log.WithFields(logger.Fields{
				"channel": batch.Channel,
				"records": len(batch.Trades),
			}).Debug("batch had no valid liquidations")
			return writeJob{}, false
		}
		p.duplicates.Add(1)
		metrics.IncBatch(metrics.OutcomeDuplicate)
		log.WithFields(logger.Fields{
			"channel":     batch.Channel,
			"fingerprint": fingerprint,
		}).Debug("duplicate batch dropped")
		return writeJob{}, false
	}

	p.accepted.Add(1)
	p.events.Add(int64(len(events)))
	metrics.IncBatch(metrics.OutcomeAccepted)
	metrics.AddEventsNormalized(len(events))

	return writeJob{
		batchID:    uuid.New().String(),
		channel:    batch.Channel,
		events:     events,
		receivedAt: raw.Timestamp,
	}, true
}

func (p *LiquidationProcessor) apply(ctx context.Context, job writeJob) {
	written := p.writeBuckets(ctx, job.batchID, aggregator.GroupByMinute(job.events))
	p.archive(ctx, job.batchID, job.channel, job.events, job.receivedAt)

	logger.LogDataFlowEntry(p.log.WithComponent("liq_processor").WithFields(logger.Fields{"batch_id": job.batchID, "channel": job.channel}),
		"liq_processor", "counter_store", written, "liquidation_bucket")
}

// writeBuckets applies one increment and one expiry per bucket, in key order.
// A failed increment skips that bucket's expiry; nothing is retried.
func (p *LiquidationProcessor) writeBuckets(ctx context.Context, batchID string, sums map[string]float64) int {
	keys := make([]string, 0, len(sums))
	for k := range sums {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	written := 0
	for _, key := range keys {
		if err := p.counter.IncrByFloat(ctx, key, sums[key]); err != nil {
			p.bucketFailed(batchID, key, "incrbyfloat", err)
			continue
		}
		if err := p.counter.Expire(ctx, key, bucket.TTL); err != nil {
			p.bucketFailed(batchID, key, "expire", err)
			continue
		}
		written++
		p.bucketWrites.Add(1)
		metrics.IncBucketWrite(true)
		logger.IncrementStoreWrite()
	}
	return written
}

func (p *LiquidationProcessor) bucketFailed(batchID, key, op string, err error) {
	p.bucketErrors.Add(1)
	metrics.IncBucketWrite(false)
	p.log.WithComponent("liq_processor").WithError(err).WithFields(logger.Fields{
		"batch_id":  batchID,
		"bucket":    key,
		"operation": op,
	}).Warn("bucket write failed")
}

func (p *LiquidationProcessor) archive(ctx context.Context, batchID, channel string, events []models.LiquidationEvent, receivedAt time.Time) {
	if p.channels == nil || p.channels.Archive == nil {
		return
	}
	for _, ev := range events {
		rec := models.ArchivedLiquidation{
			BatchID:    batchID,
			Channel:    channel,
			Event:      ev,
			ReceivedAt: receivedAt,
		}
		if !p.channels.SendArchive(ctx, rec) && ctx.Err() == nil {
			metrics.EmitDropMetric(p.log, metrics.DropMetricArchive, models.ExchangeLighter, "archive")
		}
	}
}

func (p *LiquidationProcessor) reporter() {
	defer p.wg.Done()
	ticker := time.NewTicker(statsInterval)
	defer ticker.Stop()
	for {
		select {
		case <-p.ctx.Done():
			return
		case <-ticker.C:
			p.logStats()
		}
	}
}

func (p *LiquidationProcessor) logStats() {
	s := p.GetStats()
	p.log.WithComponent("liq_processor").WithFields(logger.Fields{
		"messages_processed": s.MessagesProcessed,
		"batches_accepted":   s.BatchesAccepted,
		"duplicates":         s.Duplicates,
		"empty_batches":      s.EmptyBatches,
		"malformed":          s.Malformed,
		"events_normalized":  s.EventsNormalized,
		"bucket_writes":      s.BucketWrites,
		"bucket_errors":      s.BucketErrors,
		"dedup_channels":     p.seen.Len(),
	}).Info("liquidation processor stats")
}
