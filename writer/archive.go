package writer

import (
	"bytes"
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/google/uuid"
	"github.com/xitongsys/parquet-go/parquet"
	"github.com/xitongsys/parquet-go/source"
	parquetwriter "github.com/xitongsys/parquet-go/writer"

	appconfig "tickflow/config"
	"tickflow/logger"
	"tickflow/models"
)

// archiveInputBuffer bounds the intake channel; ticks are dropped with a
// warning when the archiver cannot keep up, the journal stays complete.
const archiveInputBuffer = 4096

// TopOfBookRecord is the parquet row layout of an archived book tick.
type TopOfBookRecord struct {
	Exchange  string  `parquet:"name=exchange, type=BYTE_ARRAY, convertedtype=UTF8"`
	Symbol    string  `parquet:"name=symbol, type=BYTE_ARRAY, convertedtype=UTF8"`
	Timestamp int64   `parquet:"name=timestamp, type=INT64"`
	Sequence  int64   `parquet:"name=sequence, type=INT64"`
	BidPrice  float64 `parquet:"name=bid_price, type=DOUBLE"`
	BidQty    float64 `parquet:"name=bid_qty, type=DOUBLE"`
	AskPrice  float64 `parquet:"name=ask_price, type=DOUBLE"`
	AskQty    float64 `parquet:"name=ask_qty, type=DOUBLE"`
}

// memoryFileWriter implements the ParquetFile interface for in-memory
// writing before the S3 upload.
type memoryFileWriter struct {
	buffer *bytes.Buffer
}

func newMemoryFileWriter() *memoryFileWriter {
	return &memoryFileWriter{buffer: &bytes.Buffer{}}
}

func (mfw *memoryFileWriter) Create(name string) (source.ParquetFile, error) { return mfw, nil }
func (mfw *memoryFileWriter) Open(name string) (source.ParquetFile, error)   { return mfw, nil }
func (mfw *memoryFileWriter) Seek(offset int64, whence int) (int64, error) {
	return int64(mfw.buffer.Len()), nil
}
func (mfw *memoryFileWriter) Read(b []byte) (int, error)  { return mfw.buffer.Read(b) }
func (mfw *memoryFileWriter) Write(b []byte) (int, error) { return mfw.buffer.Write(b) }
func (mfw *memoryFileWriter) Close() error                { return nil }
func (mfw *memoryFileWriter) Bytes() []byte               { return mfw.buffer.Bytes() }

// Archiver batches top-of-book ticks per symbol and periodically uploads
// them to S3 as parquet files. It is an optional sidecar to the journal
// writer; losing an archive batch never affects the journal.
type Archiver struct {
	config   *appconfig.Config
	input    chan models.TopOfBook
	s3Client *s3.Client

	buffer      map[string][]models.TopOfBook
	flushTicker *time.Ticker

	ctx     context.Context
	wg      *sync.WaitGroup
	mu      sync.RWMutex
	running bool
	log     *logger.Log
}

// NewArchiver builds the S3 client and validates credentials.
func NewArchiver(cfg *appconfig.Config) (*Archiver, error) {
	log := logger.GetLogger()
	ctx := context.Background()

	loadOpts := []func(*awsconfig.LoadOptions) error{
		awsconfig.WithRegion(cfg.Storage.S3.Region),
	}
	if cfg.Storage.S3.AccessKeyID != "" && cfg.Storage.S3.SecretAccessKey != "" {
		loadOpts = append(loadOpts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(
				cfg.Storage.S3.AccessKeyID,
				cfg.Storage.S3.SecretAccessKey,
				"",
			),
		))
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS configuration: %w", err)
	}

	creds, err := awsCfg.Credentials.Retrieve(ctx)
	if err != nil || !creds.HasKeys() {
		return nil, fmt.Errorf("aws credentials not found")
	}

	s3Client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Storage.S3.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Storage.S3.Endpoint)
		}
		o.UsePathStyle = cfg.Storage.S3.PathStyle
	})

	log.WithComponent("archiver").WithFields(logger.Fields{
		"bucket":     cfg.Storage.S3.Bucket,
		"region":     cfg.Storage.S3.Region,
		"endpoint":   cfg.Storage.S3.Endpoint,
		"path_style": cfg.Storage.S3.PathStyle,
	}).Info("archiver initialized")

	return &Archiver{
		config:   cfg,
		input:    make(chan models.TopOfBook, archiveInputBuffer),
		s3Client: s3Client,
		buffer:   make(map[string][]models.TopOfBook),
		wg:       &sync.WaitGroup{},
		log:      log,
	}, nil
}

// Offer enqueues one tick for archiving without blocking the caller.
func (a *Archiver) Offer(tob models.TopOfBook) {
	select {
	case a.input <- tob:
	default:
		a.log.WithComponent("archiver").WithFields(logger.Fields{
			"symbol": tob.Symbol,
		}).Warn("archive channel full, dropping tick")
	}
}

// Start launches the intake and flush workers.
func (a *Archiver) Start(ctx context.Context) error {
	a.mu.Lock()
	if a.running {
		a.mu.Unlock()
		return fmt.Errorf("archiver already running")
	}
	a.running = true
	a.ctx = ctx
	a.mu.Unlock()

	a.flushTicker = time.NewTicker(a.config.Storage.S3.FlushInterval)

	a.wg.Add(2)
	go a.intakeWorker()
	go a.flushWorker()

	a.log.WithComponent("archiver").Info("archiver started successfully")
	return nil
}

// Stop flushes any buffered ticks and waits for the workers to exit.
func (a *Archiver) Stop() {
	a.mu.Lock()
	a.running = false
	a.mu.Unlock()

	if a.flushTicker != nil {
		a.flushTicker.Stop()
	}

	a.log.WithComponent("archiver").Info("stopping archiver")
	a.wg.Wait()
	a.log.WithComponent("archiver").Info("archiver stopped")
}

func (a *Archiver) intakeWorker() {
	defer a.wg.Done()

	log := a.log.WithComponent("archiver").WithFields(logger.Fields{"worker": "intake"})
	for {
		select {
		case <-a.ctx.Done():
			log.Info("worker stopped due to context cancellation")
			return
		case tob := <-a.input:
			a.mu.Lock()
			a.buffer[tob.Symbol] = append(a.buffer[tob.Symbol], tob)
			a.mu.Unlock()
		}
	}
}

func (a *Archiver) flushWorker() {
	defer a.wg.Done()

	log := a.log.WithComponent("archiver").WithFields(logger.Fields{"worker": "flush"})
	for {
		select {
		case <-a.ctx.Done():
			a.flushBuffers("shutdown")
			log.Info("flush worker stopped due to context cancellation")
			return
		case <-a.flushTicker.C:
			a.flushBuffers("interval")
		}
	}
}

func (a *Archiver) flushBuffers(reason string) {
	a.mu.Lock()
	buffers := a.buffer
	a.buffer = make(map[string][]models.TopOfBook)
	a.mu.Unlock()

	if len(buffers) == 0 {
		return
	}

	a.log.WithComponent("archiver").WithFields(logger.Fields{
		"flushed_buffers": len(buffers),
		"reason":          reason,
	}).Info("flushing archive buffers")

	for symbol, ticks := range buffers {
		if len(ticks) == 0 {
			continue
		}
		a.uploadBatch(symbol, ticks)
	}
}

func (a *Archiver) uploadBatch(symbol string, ticks []models.TopOfBook) {
	now := time.Now().UTC()
	log := a.log.WithComponent("archiver").WithFields(logger.Fields{
		"symbol":       symbol,
		"record_count": len(ticks),
		"operation":    "upload_batch",
	})

	data, err := a.createParquetFile(ticks)
	if err != nil {
		log.WithError(err).Error("failed to create parquet file")
		return
	}

	key := a.s3Key(symbol, ticks[0].Exchange, now)
	input := &s3.PutObjectInput{
		Bucket:      aws.String(a.config.Storage.S3.Bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(data),
		ContentType: aws.String("application/octet-stream"),
		Metadata: map[string]string{
			"content-type":     "parquet",
			"compression":      a.config.Storage.S3.Compression,
			"tickflow-version": a.config.Tickflow.Version,
		},
	}

	ctx := context.WithoutCancel(a.ctx)
	if _, err := a.s3Client.PutObject(ctx, input); err != nil {
		log.WithError(err).
			WithEnv("S3_BUCKET").
			WithFields(logger.Fields{"bucket": a.config.Storage.S3.Bucket, "s3_key": key}).
			Error("failed to upload to S3")
		return
	}

	logger.IncrementArchiveWrite(int64(len(data)))
	log.WithFields(logger.Fields{"s3_key": key, "file_size": len(data)}).Info("batch uploaded successfully")
}

func (a *Archiver) s3Key(symbol, exchange string, ts time.Time) string {
	parts := []string{
		fmt.Sprintf("exchange=%s", exchange),
		fmt.Sprintf("symbol=%s", symbol),
		fmt.Sprintf("%04d/%02d/%02d", ts.Year(), ts.Month(), ts.Day()),
		fmt.Sprintf("%s_tob_%s_%s_%s.parquet",
			exchange, symbol, ts.Format("20060102150405"), uuid.New().String()),
	}
	return filepath.ToSlash(filepath.Join(parts...))
}

func (a *Archiver) createParquetFile(ticks []models.TopOfBook) ([]byte, error) {
	fw := newMemoryFileWriter()

	pw, err := parquetwriter.NewParquetWriter(fw, new(TopOfBookRecord), 4)
	if err != nil {
		return nil, fmt.Errorf("failed to create parquet writer: %w", err)
	}

	switch a.config.Storage.S3.Compression {
	case "snappy":
		pw.CompressionType = parquet.CompressionCodec_SNAPPY
	case "gzip":
		pw.CompressionType = parquet.CompressionCodec_GZIP
	default:
		pw.CompressionType = parquet.CompressionCodec_UNCOMPRESSED
	}

	for _, tob := range ticks {
		record := TopOfBookRecord{
			Exchange:  tob.Exchange,
			Symbol:    tob.Symbol,
			Timestamp: tob.Timestamp,
			Sequence:  tob.Sequence,
			BidPrice:  tob.BidPrice,
			BidQty:    tob.BidQty,
			AskPrice:  tob.AskPrice,
			AskQty:    tob.AskQty,
		}
		if err := pw.Write(record); err != nil {
			pw.WriteStop()
			return nil, fmt.Errorf("failed to write parquet record: %w", err)
		}
	}

	if err := pw.WriteStop(); err != nil {
		return nil, fmt.Errorf("failed to finalize parquet writing: %w", err)
	}
	return fw.Bytes(), nil
}
