package logger

import (
	"context"
	"runtime"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/mem"
	gnet "github.com/shirou/gopsutil/v3/net"

	"github.com/aws/aws-sdk-go-v2/aws"
	cwtypes "github.com/aws/aws-sdk-go-v2/service/cloudwatch/types"
)

type channelStat struct {
	messages int64
	bytes    int64
}

var (
	errorsIngest int64
	errorsQuery  int64
	warnsIngest  int64
	warnsQuery   int64
	feedReads    int64
	storeWrites  int64
	channels     sync.Map // map[string]*channelStat
)

// components whose names contain one of these are counted as the read path;
// everything else belongs to ingestion.
func isQueryComponent(component string) bool {
	return strings.Contains(component, "query") || strings.Contains(component, "api")
}

func recordWarn(component string) {
	if isQueryComponent(component) {
		atomic.AddInt64(&warnsQuery, 1)
	} else {
		atomic.AddInt64(&warnsIngest, 1)
	}
}

func recordError(component string) {
	if isQueryComponent(component) {
		atomic.AddInt64(&errorsQuery, 1)
	} else {
		atomic.AddInt64(&errorsIngest, 1)
	}
}

// IncrementFeedRead counts one websocket frame of the given size.
func IncrementFeedRead(size int) {
	atomic.AddInt64(&feedReads, 1)
	recordChannel("feed_ws", size)
}

// IncrementStoreWrite counts one successful bucket increment.
func IncrementStoreWrite() {
	atomic.AddInt64(&storeWrites, 1)
}

func RecordChannelMessage(name string, size int) {
	recordChannel(name, size)
}

func recordChannel(name string, size int) {
	v, _ := channels.LoadOrStore(name, &channelStat{})
	cs := v.(*channelStat)
	atomic.AddInt64(&cs.messages, 1)
	atomic.AddInt64(&cs.bytes, int64(size))
}

// StartReport begins periodic logging of system and channel statistics until ctx is done.
func StartReport(ctx context.Context, log *Log, interval time.Duration) {
	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				logReport(ctx, log)
			}
		}
	}()
}

func reportFields() Fields {
	channelData := map[string]map[string]int64{}
	channels.Range(func(k, v any) bool {
		cs := v.(*channelStat)
		channelData[k.(string)] = map[string]int64{
			"messages": atomic.LoadInt64(&cs.messages),
			"bytes":    atomic.LoadInt64(&cs.bytes),
		}
		return true
	})

	return Fields{
		"errors_ingest": atomic.LoadInt64(&errorsIngest),
		"errors_query":  atomic.LoadInt64(&errorsQuery),
		"warns_ingest":  atomic.LoadInt64(&warnsIngest),
		"warns_query":   atomic.LoadInt64(&warnsQuery),
		"feed_reads":    atomic.LoadInt64(&feedReads),
		"store_writes":  atomic.LoadInt64(&storeWrites),
		"goroutines":    runtime.NumGoroutine(),
		"channels":      channelData,
	}
}

func logReport(ctx context.Context, log *Log) {
	fields := reportFields()

	cpuPct := 0.0
	if cpuPercent, err := cpu.Percent(0, false); err == nil && len(cpuPercent) > 0 {
		cpuPct = cpuPercent[0]
	}
	memMB := 0.0
	if memStats, err := mem.VirtualMemory(); err == nil {
		memMB = float64(memStats.Used) / 1024 / 1024
	}
	var bytesSent, bytesRecv uint64
	if netStats, err := gnet.IOCounters(false); err == nil && len(netStats) > 0 {
		bytesSent = netStats[0].BytesSent
		bytesRecv = netStats[0].BytesRecv
	}

	fields["cpu_percent"] = cpuPct
	fields["memory_mb"] = int64(memMB)
	fields["net_bytes_sent"] = int64(bytesSent)
	fields["net_bytes_recv"] = int64(bytesRecv)

	log.WithComponent("report").WithFields(fields).Info("runtime report")

	count := func(name string, key string) cwtypes.MetricDatum {
		return cwtypes.MetricDatum{MetricName: aws.String(name), Unit: cwtypes.StandardUnitCount, Value: aws.Float64(float64(fields[key].(int64)))}
	}
	publishMetrics(ctx, []cwtypes.MetricDatum{
		{MetricName: aws.String("CPUPercent"), Unit: cwtypes.StandardUnitPercent, Value: aws.Float64(cpuPct)},
		{MetricName: aws.String("MemoryMB"), Unit: cwtypes.StandardUnitMegabytes, Value: aws.Float64(memMB)},
		count("ErrorsIngest", "errors_ingest"),
		count("ErrorsQuery", "errors_query"),
		count("WarnsIngest", "warns_ingest"),
		count("WarnsQuery", "warns_query"),
		count("FeedReads", "feed_reads"),
		count("StoreWrites", "store_writes"),
	})
}
