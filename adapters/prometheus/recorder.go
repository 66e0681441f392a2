// Package prometheus exports send engine counters and histograms through a
// prometheus registerer.
package prometheus

import (
	"context"
	"errors"
	"sort"
	"strings"
	"sync"

	"github.com/goliatone/go-outbound/core"
	"github.com/prometheus/client_golang/prometheus"
)

// Recorder creates one vector per metric name on first use. The label set is
// fixed by the first observation; later tags outside it are dropped and
// missing labels are exported empty.
type Recorder struct {
	registerer prometheus.Registerer
	namespace  string
	buckets    []float64

	mu         sync.Mutex
	counters   map[string]*labeledCounter
	histograms map[string]*labeledHistogram
	errs       []error
}

type labeledCounter struct {
	vec    *prometheus.CounterVec
	labels []string
}

type labeledHistogram struct {
	vec    *prometheus.HistogramVec
	labels []string
}

type Option func(*Recorder)

func WithNamespace(namespace string) Option {
	return func(r *Recorder) {
		r.namespace = SanitizeName(namespace)
	}
}

func WithBuckets(buckets []float64) Option {
	return func(r *Recorder) {
		if len(buckets) > 0 {
			r.buckets = append([]float64(nil), buckets...)
		}
	}
}

func NewRecorder(registerer prometheus.Registerer, opts ...Option) *Recorder {
	if registerer == nil {
		registerer = prometheus.DefaultRegisterer
	}
	r := &Recorder{
		registerer: registerer,
		buckets:    prometheus.ExponentialBuckets(1, 2, 14),
		counters:   map[string]*labeledCounter{},
		histograms: map[string]*labeledHistogram{},
	}
	for _, opt := range opts {
		if opt != nil {
			opt(r)
		}
	}
	return r
}

func (r *Recorder) IncCounter(_ context.Context, name string, value int64, tags map[string]string) {
	if r == nil || value < 0 {
		return
	}
	counter := r.counter(name, tags)
	if counter == nil {
		return
	}
	counter.vec.With(labelValues(counter.labels, tags)).Add(float64(value))
}

func (r *Recorder) ObserveHistogram(_ context.Context, name string, value float64, tags map[string]string) {
	if r == nil {
		return
	}
	histogram := r.histogram(name, tags)
	if histogram == nil {
		return
	}
	histogram.vec.With(labelValues(histogram.labels, tags)).Observe(value)
}

// Err reports registration failures seen so far.
func (r *Recorder) Err() error {
	if r == nil {
		return nil
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return errors.Join(r.errs...)
}

func (r *Recorder) counter(name string, tags map[string]string) *labeledCounter {
	metric := SanitizeName(name) + "_total"
	r.mu.Lock()
	defer r.mu.Unlock()
	if existing, ok := r.counters[metric]; ok {
		return existing
	}
	labels := labelNames(tags)
	vec := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: r.namespace,
		Name:      metric,
		Help:      "Outbound counter " + strings.TrimSpace(name),
	}, labels)
	if err := r.registerer.Register(vec); err != nil {
		var already prometheus.AlreadyRegisteredError
		if !errors.As(err, &already) {
			r.errs = append(r.errs, err)
			return nil
		}
		existing, ok := already.ExistingCollector.(*prometheus.CounterVec)
		if !ok {
			r.errs = append(r.errs, err)
			return nil
		}
		vec = existing
	}
	entry := &labeledCounter{vec: vec, labels: labels}
	r.counters[metric] = entry
	return entry
}

func (r *Recorder) histogram(name string, tags map[string]string) *labeledHistogram {
	metric := SanitizeName(name)
	r.mu.Lock()
	defer r.mu.Unlock()
	if existing, ok := r.histograms[metric]; ok {
		return existing
	}
	labels := labelNames(tags)
	vec := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: r.namespace,
		Name:      metric,
		Help:      "Outbound histogram " + strings.TrimSpace(name),
		Buckets:   r.buckets,
	}, labels)
	if err := r.registerer.Register(vec); err != nil {
		var already prometheus.AlreadyRegisteredError
		if !errors.As(err, &already) {
			r.errs = append(r.errs, err)
			return nil
		}
		existing, ok := already.ExistingCollector.(*prometheus.HistogramVec)
		if !ok {
			r.errs = append(r.errs, err)
			return nil
		}
		vec = existing
	}
	entry := &labeledHistogram{vec: vec, labels: labels}
	r.histograms[metric] = entry
	return entry
}

// SanitizeName maps a dotted metric name onto the prometheus name charset.
func SanitizeName(name string) string {
	name = strings.TrimSpace(strings.ToLower(name))
	var b strings.Builder
	b.Grow(len(name))
	for i, ch := range name {
		switch {
		case ch >= 'a' && ch <= 'z', ch == '_':
			b.WriteRune(ch)
		case ch >= '0' && ch <= '9':
			if i == 0 {
				b.WriteByte('_')
			}
			b.WriteRune(ch)
		default:
			b.WriteByte('_')
		}
	}
	return b.String()
}

func labelNames(tags map[string]string) []string {
	labels := make([]string, 0, len(tags))
	seen := map[string]bool{}
	for key := range tags {
		label := SanitizeName(key)
		if label == "" || strings.HasPrefix(label, "__") || seen[label] {
			continue
		}
		seen[label] = true
		labels = append(labels, label)
	}
	sort.Strings(labels)
	return labels
}

func labelValues(labels []string, tags map[string]string) prometheus.Labels {
	values := make(prometheus.Labels, len(labels))
	for _, label := range labels {
		values[label] = ""
	}
	for key, value := range tags {
		label := SanitizeName(key)
		if _, ok := values[label]; ok {
			values[label] = value
		}
	}
	return values
}

var _ core.MetricsRecorder = (*Recorder)(nil)
