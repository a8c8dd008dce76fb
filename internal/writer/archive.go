// Package writer archives accepted liquidation events to S3 as parquet files.
package writer

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"path"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/google/uuid"
	"github.com/xitongsys/parquet-go/parquet"
	"github.com/xitongsys/parquet-go/source"
	"github.com/xitongsys/parquet-go/writer"

	appconfig "liqflow/config"
	"liqflow/internal/bucket"
	"liqflow/internal/metrics"
	"liqflow/internal/models"
	"liqflow/logger"
)

const component = "archive_writer"

// Uploader is the part of the S3 client the writer uses.
type Uploader interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

type memFile struct {
	buffer *bytes.Buffer
}

func newMemFile() *memFile {
	return &memFile{buffer: &bytes.Buffer{}}
}

func (m *memFile) Create(string) (source.ParquetFile, error) { return m, nil }
func (m *memFile) Open(string) (source.ParquetFile, error)   { return m, nil }
func (m *memFile) Seek(int64, int) (int64, error)            { return int64(m.buffer.Len()), nil }
func (m *memFile) Read([]byte) (int, error)                  { return 0, io.EOF }
func (m *memFile) Write(b []byte) (int, error)               { return m.buffer.Write(b) }
func (m *memFile) Close() error                              { return nil }
func (m *memFile) Bytes() []byte                             { return m.buffer.Bytes() }

// archiveRecord is the parquet schema of one archived event.
type archiveRecord struct {
	Exchange     string  `parquet:"name=exchange, type=BYTE_ARRAY, convertedtype=UTF8"`
	BatchID      string  `parquet:"name=batch_id, type=BYTE_ARRAY, convertedtype=UTF8"`
	Channel      string  `parquet:"name=channel, type=BYTE_ARRAY, convertedtype=UTF8"`
	BucketKey    string  `parquet:"name=bucket_key, type=BYTE_ARRAY, convertedtype=UTF8"`
	USDAmount    float64 `parquet:"name=usd_amount, type=DOUBLE"`
	EventTime    int64   `parquet:"name=event_time, type=INT64, convertedtype=TIMESTAMP_MILLIS"`
	ReceivedTime int64   `parquet:"name=received_time, type=INT64, convertedtype=TIMESTAMP_MILLIS"`
}

// ArchiveWriter buffers events from the archive channel and uploads them as
// one snappy-compressed parquet object per flush. A flush happens when the
// buffer reaches max_buffer_size, on every flush_interval tick and on stop.
type ArchiveWriter struct {
	cfg      appconfig.ArchiveConfig
	in       <-chan models.ArchivedLiquidation
	uploader Uploader
	log      *logger.Log
	now      func() time.Time

	ctx     context.Context
	cancel  context.CancelFunc
	wg      *sync.WaitGroup
	running bool
	mu      sync.Mutex
	buffer  []models.ArchivedLiquidation

	records atomic.Int64
	files   atomic.Int64
	bytes   atomic.Int64
	errors  atomic.Int64
}

// NewArchiveWriter builds the S3 client from the archive configuration. Static
// credentials are used when both keys are set, otherwise the default AWS chain.
func NewArchiveWriter(ctx context.Context, cfg *appconfig.Config, in <-chan models.ArchivedLiquidation) (*ArchiveWriter, error) {
	ac := cfg.Archive
	if !ac.Enabled {
		return nil, fmt.Errorf("archive is disabled")
	}
	if strings.TrimSpace(ac.Bucket) == "" {
		return nil, fmt.Errorf("s3 bucket not configured")
	}

	loadOpts := []func(*config.LoadOptions) error{config.WithRegion(ac.Region)}
	if ac.AccessKeyID != "" && ac.SecretAccessKey != "" {
		loadOpts = append(loadOpts, config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(ac.AccessKeyID, ac.SecretAccessKey, ""),
		))
	}
	awsCfg, err := config.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if ac.Endpoint != "" {
			o.BaseEndpoint = aws.String(ac.Endpoint)
		}
		o.UsePathStyle = ac.PathStyle
	})

	w := NewArchiveWriterWithUploader(ac, in, client)
	w.log.WithComponent(component).WithFields(logger.Fields{
		"bucket":     ac.Bucket,
		"region":     ac.Region,
		"endpoint":   ac.Endpoint,
		"path_style": ac.PathStyle,
	}).Info("archive writer initialized")
	return w, nil
}

func NewArchiveWriterWithUploader(cfg appconfig.ArchiveConfig, in <-chan models.ArchivedLiquidation, up Uploader) *ArchiveWriter {
	cfg.Bucket = strings.TrimSpace(cfg.Bucket)
	cfg.Prefix = strings.Trim(strings.TrimSpace(cfg.Prefix), "/")
	if cfg.MaxBufferSize <= 0 {
		cfg.MaxBufferSize = 5000
	}
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = 5 * time.Minute
	}
	return &ArchiveWriter{
		cfg:      cfg,
		in:       in,
		uploader: up,
		log:      logger.GetLogger(),
		now:      time.Now,
		wg:       &sync.WaitGroup{},
	}
}

func (w *ArchiveWriter) Start(ctx context.Context) error {
	w.mu.Lock()
	if w.running {
		w.mu.Unlock()
		return fmt.Errorf("archive writer already running")
	}
	w.running = true
	w.ctx, w.cancel = context.WithCancel(ctx)
	w.mu.Unlock()

	w.log.WithComponent(component).WithFields(logger.Fields{
		"flush_interval": w.cfg.FlushInterval.String(),
		"max_buffer":     w.cfg.MaxBufferSize,
	}).Info("starting archive writer")

	w.wg.Add(1)
	go w.worker()
	return nil
}

// Stop ends the worker and uploads whatever is still buffered.
func (w *ArchiveWriter) Stop() {
	w.mu.Lock()
	if !w.running {
		w.mu.Unlock()
		return
	}
	w.running = false
	cancel := w.cancel
	w.mu.Unlock()

	cancel()
	w.wg.Wait()
	w.flush("stop")
	metrics.ReportWriter(w.log, component, w.Stats())
	w.log.WithComponent(component).Info("archive writer stopped")
}

func (w *ArchiveWriter) Stats() metrics.WriterStats {
	w.mu.Lock()
	buffered := len(w.buffer)
	w.mu.Unlock()
	return metrics.WriterStats{
		RecordsWritten: w.records.Load(),
		FilesWritten:   w.files.Load(),
		BytesWritten:   w.bytes.Load(),
		ErrorsCount:    w.errors.Load(),
		BufferLen:      buffered,
		BufferCap:      w.cfg.MaxBufferSize,
	}
}

func (w *ArchiveWriter) worker() {
	defer w.wg.Done()
	ticker := time.NewTicker(w.cfg.FlushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-w.ctx.Done():
			w.drain()
			return
		case rec, ok := <-w.in:
			if !ok {
				return
			}
			w.add(rec)
		case <-ticker.C:
			w.flush("interval")
			metrics.ReportWriter(w.log, component, w.Stats())
		}
	}
}

// drain buffers records already queued on the input so Stop uploads them.
func (w *ArchiveWriter) drain() {
	for {
		select {
		case rec, ok := <-w.in:
			if !ok {
				return
			}
			w.add(rec)
		default:
			return
		}
	}
}

func (w *ArchiveWriter) add(rec models.ArchivedLiquidation) {
	w.mu.Lock()
	w.buffer = append(w.buffer, rec)
	full := len(w.buffer) >= w.cfg.MaxBufferSize
	w.mu.Unlock()
	if full {
		w.flush("buffer_full")
	}
}

func (w *ArchiveWriter) flush(reason string) {
	w.mu.Lock()
	records := w.buffer
	w.buffer = nil
	w.mu.Unlock()

	if len(records) == 0 {
		return
	}

	log := w.log.WithComponent(component).WithFields(logger.Fields{
		"records": len(records),
		"reason":  reason,
	})

	data, err := createParquet(records)
	if err != nil {
		w.errors.Add(1)
		log.WithError(err).Error("failed to create parquet for archive batch")
		return
	}

	key := w.objectKey(w.now())
	// uploads started during shutdown still complete
	ctx := context.WithoutCancel(w.ctx)
	if _, err := w.uploader.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(w.cfg.Bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(data),
		ContentType: aws.String("application/vnd.apache.parquet"),
	}); err != nil {
		w.errors.Add(1)
		log.WithError(err).WithFields(logger.Fields{"s3_key": key}).Error("failed to upload archive batch")
		return
	}

	w.records.Add(int64(len(records)))
	w.files.Add(1)
	w.bytes.Add(int64(len(data)))
	logger.RecordChannelMessage("archive_s3", len(data))
	log.WithFields(logger.Fields{"s3_key": key, "bytes": len(data)}).Info("archive batch uploaded")
}

func createParquet(records []models.ArchivedLiquidation) ([]byte, error) {
	mf := newMemFile()
	pw, err := writer.NewParquetWriter(mf, new(archiveRecord), 1)
	if err != nil {
		return nil, err
	}
	pw.CompressionType = parquet.CompressionCodec_SNAPPY

	for _, r := range records {
		rec := archiveRecord{
			Exchange:     models.ExchangeLighter,
			BatchID:      r.BatchID,
			Channel:      r.Channel,
			BucketKey:    bucket.Key(r.Event.Timestamp),
			USDAmount:    r.Event.USDAmount,
			EventTime:    r.Event.Timestamp.UTC().UnixMilli(),
			ReceivedTime: r.ReceivedAt.UTC().UnixMilli(),
		}
		if err := pw.Write(rec); err != nil {
			return nil, err
		}
	}
	if err := pw.WriteStop(); err != nil {
		return nil, err
	}
	return mf.Bytes(), nil
}

// objectKey partitions by UTC date and hour of the flush,
// e.g. liquidations/date=2024-05-01/hour=12/lighter_liq_20240501120030_1a2b3c4d.parquet.
func (w *ArchiveWriter) objectKey(at time.Time) string {
	ts := at.UTC()
	name := fmt.Sprintf("%s_liq_%s_%s.parquet", models.ExchangeLighter, ts.Format("20060102150405"), uuid.New().String()[:8])
	parts := []string{
		fmt.Sprintf("date=%04d-%02d-%02d", ts.Year(), ts.Month(), ts.Day()),
		fmt.Sprintf("hour=%02d", ts.Hour()),
		name,
	}
	if w.cfg.Prefix != "" {
		parts = append([]string{w.cfg.Prefix}, parts...)
	}
	return path.Join(parts...)
}
