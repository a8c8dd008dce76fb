package metrics

import (
	"sync"
	"time"

	"liqflow/logger"
)

// Metric is one emitted measurement as seen by subscribers.
type Metric struct {
	Timestamp time.Time
	Component string
	Name      string
	Value     interface{}
	Type      string
	Fields    logger.Fields
}

var (
	subscribersMu  sync.RWMutex
	subscribers    = map[uint64]func(Metric){}
	nextSubscriber uint64
)

// Subscribe delivers every later EmitMetric call to fn until the returned
// func is called. A nil fn is ignored.
func Subscribe(fn func(Metric)) (unsubscribe func()) {
	if fn == nil {
		return func() {}
	}
	subscribersMu.Lock()
	nextSubscriber++
	id := nextSubscriber
	subscribers[id] = fn
	subscribersMu.Unlock()

	return func() {
		subscribersMu.Lock()
		delete(subscribers, id)
		subscribersMu.Unlock()
	}
}

// EmitMetric logs a metric through the logger, which also forwards numeric
// values to CloudWatch, and hands a copy to every subscriber. Unnamed metrics
// are ignored.
func EmitMetric(log *logger.Log, component, name string, value interface{}, metricType string, fields logger.Fields) {
	if name == "" {
		return
	}
	if metricType == "" {
		metricType = "counter"
	}
	if log == nil {
		log = logger.GetLogger()
	}
	log.LogMetric(component, name, value, metricType, copyFields(fields))

	subscribersMu.RLock()
	targets := make([]func(Metric), 0, len(subscribers))
	for _, fn := range subscribers {
		targets = append(targets, fn)
	}
	subscribersMu.RUnlock()

	now := time.Now()
	for _, fn := range targets {
		fn(Metric{
			Timestamp: now,
			Component: component,
			Name:      name,
			Value:     value,
			Type:      metricType,
			Fields:    copyFields(fields),
		})
	}
}

func copyFields(fields logger.Fields) logger.Fields {
	out := make(logger.Fields, len(fields))
	for k, v := range fields {
		out[k] = v
	}
	return out
}
