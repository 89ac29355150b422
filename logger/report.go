package logger

import (
	"context"
	"runtime"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	cwtypes "github.com/aws/aws-sdk-go-v2/service/cloudwatch/types"
)

type channelStat struct {
	messages int64
	bytes    int64
}

var (
	errorsTrade   int64
	errorsBook    int64
	warnsTrade    int64
	warnsBook     int64
	tradeReads    int64
	bookReads     int64
	journalWrites int64
	archiveWrites int64
	retryCount    int64
	seqGaps       int64
	channels      sync.Map // map[string]*channelStat
)

func recordWarn(component string) {
	if strings.Contains(component, "trade") {
		atomic.AddInt64(&warnsTrade, 1)
	} else if strings.Contains(component, "book") {
		atomic.AddInt64(&warnsBook, 1)
	}
}

func recordError(component string) {
	if strings.Contains(component, "trade") {
		atomic.AddInt64(&errorsTrade, 1)
	} else if strings.Contains(component, "book") {
		atomic.AddInt64(&errorsBook, 1)
	}
}

func IncrementTradeRead(size int) {
	atomic.AddInt64(&tradeReads, 1)
	recordChannel("trade_ws", size)
}

func IncrementBookRead(size int) {
	atomic.AddInt64(&bookReads, 1)
	recordChannel("orderbook_ws", size)
}

func IncrementJournalWrite(size int) {
	atomic.AddInt64(&journalWrites, 1)
	recordChannel("journal_write", size)
}

func IncrementArchiveWrite(size int64) {
	atomic.AddInt64(&archiveWrites, 1)
	recordChannel("s3_archive_write", int(size))
}

func IncrementRetryCount() {
	atomic.AddInt64(&retryCount, 1)
}

func IncrementSequenceGap() {
	atomic.AddInt64(&seqGaps, 1)
}

func recordChannel(name string, size int) {
	v, _ := channels.LoadOrStore(name, &channelStat{})
	cs := v.(*channelStat)
	atomic.AddInt64(&cs.messages, 1)
	atomic.AddInt64(&cs.bytes, int64(size))
}

// StartReport begins periodic logging of feed and channel statistics.
func StartReport(ctx context.Context, log *Log, interval time.Duration) {
	ticker := time.NewTicker(interval)
	go func() {
		for {
			select {
			case <-ctx.Done():
				ticker.Stop()
				return
			case <-ticker.C:
				logReport(ctx, log)
			}
		}
	}()
}

func logReport(ctx context.Context, log *Log) {
	channelData := map[string]map[string]int64{}
	channels.Range(func(k, v any) bool {
		name := k.(string)
		cs := v.(*channelStat)
		channelData[name] = map[string]int64{
			"messages": atomic.LoadInt64(&cs.messages),
			"bytes":    atomic.LoadInt64(&cs.bytes),
		}
		return true
	})

	fields := Fields{
		"errors_trade":   atomic.LoadInt64(&errorsTrade),
		"errors_book":    atomic.LoadInt64(&errorsBook),
		"warns_trade":    atomic.LoadInt64(&warnsTrade),
		"warns_book":     atomic.LoadInt64(&warnsBook),
		"trade_reads":    atomic.LoadInt64(&tradeReads),
		"book_reads":     atomic.LoadInt64(&bookReads),
		"journal_writes": atomic.LoadInt64(&journalWrites),
		"archive_writes": atomic.LoadInt64(&archiveWrites),
		"retries":        atomic.LoadInt64(&retryCount),
		"sequence_gaps":  atomic.LoadInt64(&seqGaps),
		"goroutines":     runtime.NumGoroutine(),
		"channels":       channelData,
	}

	log.WithComponent("report").WithFields(fields).Info("runtime report")

	var data []cwtypes.MetricDatum
	for _, m := range []struct {
		name  string
		value int64
	}{
		{"TradeReads", atomic.LoadInt64(&tradeReads)},
		{"BookReads", atomic.LoadInt64(&bookReads)},
		{"JournalWrites", atomic.LoadInt64(&journalWrites)},
		{"ArchiveWrites", atomic.LoadInt64(&archiveWrites)},
		{"Retries", atomic.LoadInt64(&retryCount)},
		{"SequenceGaps", atomic.LoadInt64(&seqGaps)},
		{"ErrorsTrade", atomic.LoadInt64(&errorsTrade)},
		{"ErrorsBook", atomic.LoadInt64(&errorsBook)},
	} {
		data = append(data, cwtypes.MetricDatum{
			MetricName: aws.String(m.name),
			Unit:       cwtypes.StandardUnitCount,
			Value:      aws.Float64(float64(m.value)),
		})
	}

	for name, stats := range channelData {
		data = append(data,
			cwtypes.MetricDatum{
				MetricName: aws.String("ChannelMessages"),
				Unit:       cwtypes.StandardUnitCount,
				Dimensions: []cwtypes.Dimension{{Name: aws.String("Channel"), Value: aws.String(name)}},
				Value:      aws.Float64(float64(stats["messages"])),
			},
			cwtypes.MetricDatum{
				MetricName: aws.String("ChannelBytes"),
				Unit:       cwtypes.StandardUnitBytes,
				Dimensions: []cwtypes.Dimension{{Name: aws.String("Channel"), Value: aws.String(name)}},
				Value:      aws.Float64(float64(stats["bytes"])),
			},
		)
	}

	publishMetrics(ctx, data)
}
