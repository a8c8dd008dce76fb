package metrics

import (
	"context"
	"io"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"liqflow/internal/channel/liq"
	"liqflow/internal/models"
	"liqflow/logger"
)

func resetSubscribers() {
	subscribersMu.Lock()
	subscribers = map[uint64]func(Metric){}
	subscribersMu.Unlock()
}

func TestSubscribeAndUnsubscribe(t *testing.T) {
	resetSubscribers()

	var first, second int
	stopFirst := Subscribe(func(Metric) { first++ })
	stopSecond := Subscribe(func(Metric) { second++ })
	Subscribe(nil)()

	EmitMetric(nil, "test", "ping", 1, "counter", nil)
	stopFirst()
	EmitMetric(nil, "test", "ping", 1, "counter", nil)
	stopSecond()

	if first != 1 || second != 2 {
		t.Fatalf("deliveries first=%d second=%d, want 1 and 2", first, second)
	}
}

func TestEmitMetricDispatchesCopy(t *testing.T) {
	resetSubscribers()

	events := make(chan Metric, 1)
	stop := Subscribe(func(m Metric) { events <- m })
	t.Cleanup(stop)

	fields := logger.Fields{"exchange": models.ExchangeLighter}
	EmitMetric(logger.Logger(), "liq_processor", "bucket_writes", 3, "", fields)

	select {
	case event := <-events:
		if event.Component != "liq_processor" || event.Name != "bucket_writes" {
			t.Fatalf("unexpected event: %+v", event)
		}
		if event.Type != "counter" {
			t.Fatalf("expected default type counter, got %s", event.Type)
		}
		if _, ok := fields["metric"]; ok {
			t.Fatalf("caller fields mutated: %v", fields)
		}
	case <-time.After(50 * time.Millisecond):
		t.Fatal("metric handler not invoked")
	}

	EmitMetric(nil, "liq_processor", "", 1, "counter", nil)
	select {
	case <-events:
		t.Fatal("metrics without a name must not be dispatched")
	case <-time.After(20 * time.Millisecond):
	}
}

func TestEmitDropMetricCountsStage(t *testing.T) {
	resetSubscribers()
	Init()

	events := make(chan Metric, 1)
	stop := Subscribe(func(m Metric) { events <- m })
	t.Cleanup(stop)

	EmitDropMetric(nil, DropMetricArchive, models.ExchangeLighter, "archive")

	event := <-events
	if event.Name != string(DropMetricArchive) || event.Fields["stage"] != "archive" {
		t.Fatalf("unexpected drop metric: %+v", event)
	}

	rec := httptest.NewRecorder()
	Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	body, _ := io.ReadAll(rec.Body)
	if !strings.Contains(string(body), `liqflow_channel_drops_total{stage="archive"}`) {
		t.Fatalf("drop counter not exposed:\n%s", body)
	}
}

func TestHandlerExposesPipelineCounters(t *testing.T) {
	Init()
	IncFeedMessage()
	IncBatch(OutcomeDuplicate)
	AddEventsNormalized(2)
	IncBucketWrite(true)
	IncBucketWrite(false)
	SetFeedState(2)

	rec := httptest.NewRecorder()
	Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	body := rec.Body.String()

	for _, want := range []string{
		"liqflow_feed_messages_total",
		`liqflow_batches_total{outcome="duplicate"}`,
		"liqflow_events_normalized_total",
		`liqflow_bucket_writes_total{result="ok"}`,
		`liqflow_bucket_writes_total{result="failed"}`,
		"liqflow_feed_state 2",
	} {
		if !strings.Contains(body, want) {
			t.Errorf("missing %q in metrics output", want)
		}
	}
}

func TestStartChannelSizeMetrics(t *testing.T) {
	resetSubscribers()

	names := make(chan string, 16)
	stop := Subscribe(func(m Metric) {
		if m.Component == "channel_buffers" {
			select {
			case names <- m.Name:
			default:
			}
		}
	})
	t.Cleanup(stop)

	ch := liq.NewChannels(4, 4)
	defer ch.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	StartChannelSizeMetrics(ctx, ch, 10*time.Millisecond)

	seen := map[string]bool{}
	deadline := time.After(time.Second)
	for !seen["raw_buffer_length"] || !seen["archive_buffer_length"] {
		select {
		case n := <-names:
			seen[n] = true
		case <-deadline:
			t.Fatalf("channel size metrics not emitted, saw %v", seen)
		}
	}
}

func TestReportWriter(t *testing.T) {
	resetSubscribers()

	var got []string
	stop := Subscribe(func(m Metric) { got = append(got, m.Name) })
	t.Cleanup(stop)

	ReportWriter(logger.Logger(), "archive_writer", WriterStats{RecordsWritten: 10, FilesWritten: 2})
	if len(got) != 5 {
		t.Fatalf("expected 5 metrics, got %v", got)
	}
}
