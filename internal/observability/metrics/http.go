package metrics

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"
)

type requestKey struct {
	handler string
	method  string
	code    string
}

type latencyKey struct {
	handler string
	method  string
}

type stepKey struct {
	kind   string
	status string
}

type histogram struct {
	buckets []float64
	counts  []uint64
	sum     float64
	count   uint64
}

type collector struct {
	mu       sync.Mutex
	requests map[requestKey]uint64
	errors   map[latencyKey]uint64
	latency  map[latencyKey]*histogram
	steps    map[stepKey]uint64
	runs     map[string]uint64
}

var defaultCollector = &collector{
	requests: make(map[requestKey]uint64),
	errors:   make(map[latencyKey]uint64),
	latency:  make(map[latencyKey]*histogram),
	steps:    make(map[stepKey]uint64),
	runs:     make(map[string]uint64),
}

// ObserveHTTPRequest records metrics about an HTTP request lifecycle.
func ObserveHTTPRequest(handler, method string, status int, duration time.Duration) {
	defaultCollector.observeHTTP(handler, method, status, duration)
}

// ObserveStepExecution counts a finished plan step by kind (approval or main)
// and terminal status (success or error).
func ObserveStepExecution(kind, status string) {
	defaultCollector.mu.Lock()
	defaultCollector.steps[stepKey{kind: kind, status: status}]++
	defaultCollector.mu.Unlock()
}

// ObserveSessionRun counts a finished autopilot run by outcome.
func ObserveSessionRun(outcome string) {
	defaultCollector.mu.Lock()
	defaultCollector.runs[outcome]++
	defaultCollector.mu.Unlock()
}

func (c *collector) observeHTTP(handler, method string, status int, duration time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.requests[requestKey{handler: handler, method: method, code: strconv.Itoa(status)}]++
	if status >= 500 {
		c.errors[latencyKey{handler: handler, method: method}]++
	}

	latKey := latencyKey{handler: handler, method: method}
	hist := c.latency[latKey]
	if hist == nil {
		hist = newHistogram()
		c.latency[latKey] = hist
	}
	hist.observe(duration.Seconds())
}

func newHistogram() *histogram {
	buckets := []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10}
	return &histogram{
		buckets: buckets,
		counts:  make([]uint64, len(buckets)),
	}
}

func (h *histogram) observe(value float64) {
	h.count++
	h.sum += value
	for idx, bound := range h.buckets {
		if value <= bound {
			for i := idx; i < len(h.counts); i++ {
				h.counts[i]++
			}
			return
		}
	}
	// Values above the last bound only land in the implicit +Inf bucket.
}

// Handler exposes the metrics in Prometheus text exposition format.
func Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/plain; version=0.0.4")
		_, _ = fmt.Fprint(w, defaultCollector.render())
	})
}

func (c *collector) render() string {
	c.mu.Lock()
	defer c.mu.Unlock()

	var builder strings.Builder
	builder.Grow(1024)

	builder.WriteString("# HELP txpilot_http_requests_total Total number of HTTP requests processed.\n")
	builder.WriteString("# TYPE txpilot_http_requests_total counter\n")
	for _, key := range sortedRequestKeys(c.requests) {
		builder.WriteString(fmt.Sprintf("txpilot_http_requests_total{handler=\"%s\",method=\"%s\",code=\"%s\"} %d\n",
			escape(key.handler), escape(key.method), escape(key.code), c.requests[key]))
	}

	builder.WriteString("# HELP txpilot_http_request_errors_total Total number of HTTP requests that resulted in a server error.\n")
	builder.WriteString("# TYPE txpilot_http_request_errors_total counter\n")
	for _, key := range sortedLatencyKeys(c.errors) {
		builder.WriteString(fmt.Sprintf("txpilot_http_request_errors_total{handler=\"%s\",method=\"%s\"} %d\n",
			escape(key.handler), escape(key.method), c.errors[key]))
	}

	builder.WriteString("# HELP txpilot_http_request_duration_seconds HTTP request duration in seconds.\n")
	builder.WriteString("# TYPE txpilot_http_request_duration_seconds histogram\n")
	latKeys := make([]latencyKey, 0, len(c.latency))
	for key := range c.latency {
		latKeys = append(latKeys, key)
	}
	sort.Slice(latKeys, func(i, j int) bool {
		if latKeys[i].handler == latKeys[j].handler {
			return latKeys[i].method < latKeys[j].method
		}
		return latKeys[i].handler < latKeys[j].handler
	})
	for _, key := range latKeys {
		hist := c.latency[key]
		for idx, bound := range hist.buckets {
			builder.WriteString(fmt.Sprintf("txpilot_http_request_duration_seconds_bucket{handler=\"%s\",method=\"%s\",le=\"%s\"} %d\n",
				escape(key.handler), escape(key.method), formatFloat(bound), hist.counts[idx]))
		}
		builder.WriteString(fmt.Sprintf("txpilot_http_request_duration_seconds_bucket{handler=\"%s\",method=\"%s\",le=\"+Inf\"} %d\n",
			escape(key.handler), escape(key.method), hist.count))
		builder.WriteString(fmt.Sprintf("txpilot_http_request_duration_seconds_sum{handler=\"%s\",method=\"%s\"} %s\n",
			escape(key.handler), escape(key.method), formatFloat(hist.sum)))
		builder.WriteString(fmt.Sprintf("txpilot_http_request_duration_seconds_count{handler=\"%s\",method=\"%s\"} %d\n",
			escape(key.handler), escape(key.method), hist.count))
	}

	builder.WriteString("# HELP txpilot_plan_steps_total Total number of finished plan steps by kind and status.\n")
	builder.WriteString("# TYPE txpilot_plan_steps_total counter\n")
	stepKeys := make([]stepKey, 0, len(c.steps))
	for key := range c.steps {
		stepKeys = append(stepKeys, key)
	}
	sort.Slice(stepKeys, func(i, j int) bool {
		if stepKeys[i].kind == stepKeys[j].kind {
			return stepKeys[i].status < stepKeys[j].status
		}
		return stepKeys[i].kind < stepKeys[j].kind
	})
	for _, key := range stepKeys {
		builder.WriteString(fmt.Sprintf("txpilot_plan_steps_total{kind=\"%s\",status=\"%s\"} %d\n",
			escape(key.kind), escape(key.status), c.steps[key]))
	}

	builder.WriteString("# HELP txpilot_session_runs_total Total number of finished autopilot runs by outcome.\n")
	builder.WriteString("# TYPE txpilot_session_runs_total counter\n")
	outcomes := make([]string, 0, len(c.runs))
	for outcome := range c.runs {
		outcomes = append(outcomes, outcome)
	}
	sort.Strings(outcomes)
	for _, outcome := range outcomes {
		builder.WriteString(fmt.Sprintf("txpilot_session_runs_total{outcome=\"%s\"} %d\n",
			escape(outcome), c.runs[outcome]))
	}

	return builder.String()
}

func sortedRequestKeys(m map[requestKey]uint64) []requestKey {
	keys := make([]requestKey, 0, len(m))
	for key := range m {
		keys = append(keys, key)
	}
	sort.Slice(keys, func(i, j int) bool {
		if keys[i].handler == keys[j].handler {
			if keys[i].method == keys[j].method {
				return keys[i].code < keys[j].code
			}
			return keys[i].method < keys[j].method
		}
		return keys[i].handler < keys[j].handler
	})
	return keys
}

func sortedLatencyKeys(m map[latencyKey]uint64) []latencyKey {
	keys := make([]latencyKey, 0, len(m))
	for key := range m {
		keys = append(keys, key)
	}
	sort.Slice(keys, func(i, j int) bool {
		if keys[i].handler == keys[j].handler {
			return keys[i].method < keys[j].method
		}
		return keys[i].handler < keys[j].handler
	})
	return keys
}

func escape(value string) string {
	value = strings.ReplaceAll(value, "\\", "\\\\")
	value = strings.ReplaceAll(value, "\"", "\\\"")
	value = strings.ReplaceAll(value, "\n", "")
	return value
}

func formatFloat(value float64) string {
	return strconv.FormatFloat(value, 'f', -1, 64)
}

// StartServer launches a standalone HTTP server exposing the /metrics endpoint.
func StartServer(ctx context.Context, addr string) error {
	if addr == "" {
		return errors.New("metrics address is empty")
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", Handler())

	srv := &http.Server{Addr: addr, Handler: mux}
	errCh := make(chan error, 1)
	go func() {
		defer close(errCh)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
		return ctx.Err()
	case err, ok := <-errCh:
		if !ok {
			return nil
		}
		return err
	}
}
