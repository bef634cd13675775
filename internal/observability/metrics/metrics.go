package metrics

import (
	"fmt"
	"io"
	"net/http"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

type requestLabel struct {
	method string
	path   string
	status string
}

// HelixCallLabel identifies a Helix API call by operation name and outcome
// ("ok", "auth_error", "rate_limited", "error").
type HelixCallLabel struct {
	Operation string
	Outcome   string
}

// Recorder aggregates in-memory counters and gauges for HTTP traffic, the
// EventSub session lifecycle, notification throughput, and Helix API calls.
// All maps are coordinated through a RWMutex; hot gauges use atomics.
type Recorder struct {
	mu              sync.RWMutex
	requestCount    map[requestLabel]uint64
	requestDuration map[requestLabel]time.Duration
	connectionState string
	sessionEvents   map[string]uint64
	notifications   map[string]uint64
	droppedUpdates  atomic.Uint64
	duplicateDrops  atomic.Uint64
	bitsTotal       atomic.Int64
	helixCalls      map[HelixCallLabel]uint64
	tokenRefreshes  map[string]uint64
	overlayClients  atomic.Int64
	reconnectsTotal atomic.Uint64
}

var defaultRecorder = New()

// New constructs an empty Recorder with initialized backing maps so callers
// can record immediately without further setup.
func New() *Recorder {
	return &Recorder{
		requestCount:    make(map[requestLabel]uint64),
		requestDuration: make(map[requestLabel]time.Duration),
		connectionState: "closed",
		sessionEvents:   make(map[string]uint64),
		notifications:   make(map[string]uint64),
		helixCalls:      make(map[HelixCallLabel]uint64),
		tokenRefreshes:  make(map[string]uint64),
	}
}

// Default returns the singleton Recorder shared by the package-level helpers.
func Default() *Recorder {
	return defaultRecorder
}

// ObserveRequest normalizes the label set and accumulates request count and
// cumulative duration by HTTP method, normalized path, and status code.
func (r *Recorder) ObserveRequest(method, path string, status int, duration time.Duration) {
	label := requestLabel{
		method: strings.ToUpper(method),
		path:   normalizePath(path),
		status: fmt.Sprintf("%d", status),
	}
	r.mu.Lock()
	r.requestCount[label]++
	r.requestDuration[label] += duration
	r.mu.Unlock()
}

// SetConnectionState records the current EventSub connection status for the
// streamglass_eventsub_connection gauge.
func (r *Recorder) SetConnectionState(state string) {
	normalized := normalizeName(state)
	r.mu.Lock()
	r.connectionState = normalized
	r.mu.Unlock()
}

// ObserveSessionEvent counts lifecycle events on the EventSub session
// ("welcome", "keepalive_timeout", "reconnect_requested", "revocation",
// "auth_required", "restart").
func (r *Recorder) ObserveSessionEvent(event string) {
	normalized := normalizeName(event)
	r.mu.Lock()
	r.sessionEvents[normalized]++
	r.mu.Unlock()
	if normalized == "reconnect_requested" || normalized == "keepalive_timeout" {
		r.reconnectsTotal.Add(1)
	}
}

// ObserveNotification counts accepted notifications by event kind and adds any
// cheered bits to the running total.
func (r *Recorder) ObserveNotification(kind string, bits int) {
	normalized := normalizeName(kind)
	r.mu.Lock()
	r.notifications[normalized]++
	r.mu.Unlock()
	if bits > 0 {
		r.bitsTotal.Add(int64(bits))
	}
}

// DuplicateDropped counts notifications discarded by the message-id replay
// window.
func (r *Recorder) DuplicateDropped() {
	r.duplicateDrops.Add(1)
}

// UpdateDropped counts live updates that overflowed a subscriber buffer.
func (r *Recorder) UpdateDropped() {
	r.droppedUpdates.Add(1)
}

// ObserveHelixCall records the outcome of a Helix API call.
func (r *Recorder) ObserveHelixCall(operation, outcome string) {
	label := HelixCallLabel{
		Operation: normalizeName(operation),
		Outcome:   normalizeName(outcome),
	}
	r.mu.Lock()
	r.helixCalls[label]++
	r.mu.Unlock()
}

// ObserveTokenRefresh counts OAuth refresh attempts by outcome ("ok" or
// "error").
func (r *Recorder) ObserveTokenRefresh(outcome string) {
	normalized := normalizeName(outcome)
	r.mu.Lock()
	r.tokenRefreshes[normalized]++
	r.mu.Unlock()
}

// OverlayConnected increments the connected overlay client gauge.
func (r *Recorder) OverlayConnected() {
	r.overlayClients.Add(1)
}

// OverlayDisconnected decrements the overlay client gauge, guarding against
// negative values when close events race connects.
func (r *Recorder) OverlayDisconnected() {
	r.decrementGauge(&r.overlayClients)
}

// OverlayClients exposes the current overlay client gauge.
func (r *Recorder) OverlayClients() int64 {
	return r.overlayClients.Load()
}

// BitsTotal exposes the running bits total for tests.
func (r *Recorder) BitsTotal() int64 {
	return r.bitsTotal.Load()
}

// HelixCallCounts returns a copy of the Helix call counters for tests and
// reporting.
func (r *Recorder) HelixCallCounts() map[HelixCallLabel]uint64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	counts := make(map[HelixCallLabel]uint64, len(r.helixCalls))
	for k, v := range r.helixCalls {
		counts[k] = v
	}
	return counts
}

// NotificationCounts returns a copy of the per-kind notification counters.
func (r *Recorder) NotificationCounts() map[string]uint64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	counts := make(map[string]uint64, len(r.notifications))
	for k, v := range r.notifications {
		counts[k] = v
	}
	return counts
}

// Reset clears all counters and gauges. It is intended for test setups.
func (r *Recorder) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.requestCount = make(map[requestLabel]uint64)
	r.requestDuration = make(map[requestLabel]time.Duration)
	r.connectionState = "closed"
	r.sessionEvents = make(map[string]uint64)
	r.notifications = make(map[string]uint64)
	r.helixCalls = make(map[HelixCallLabel]uint64)
	r.tokenRefreshes = make(map[string]uint64)
	r.droppedUpdates.Store(0)
	r.duplicateDrops.Store(0)
	r.bitsTotal.Store(0)
	r.overlayClients.Store(0)
	r.reconnectsTotal.Store(0)
}

// Handler exposes the Recorder as an http.Handler writing Prometheus text
// exposition data.
func (r *Recorder) Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/plain; version=0.0.4")
		r.Write(w)
	})
}

// Write renders the metrics in Prometheus text format, sorting label sets to
// keep scrape output stable.
func (r *Recorder) Write(w io.Writer) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	requestLabels := r.sortedRequestLabels()
	sessionEvents := sortedKeys(r.sessionEvents)
	notificationKinds := sortedKeys(r.notifications)
	refreshOutcomes := sortedKeys(r.tokenRefreshes)
	helixLabels := r.sortedHelixLabels()

	fmt.Fprintln(w, "# HELP streamglass_http_requests_total Total number of HTTP requests processed by the API")
	fmt.Fprintln(w, "# TYPE streamglass_http_requests_total counter")
	for _, label := range requestLabels {
		fmt.Fprintf(w, "streamglass_http_requests_total{method=\"%s\",path=\"%s\",status=\"%s\"} %d\n", label.method, label.path, label.status, r.requestCount[label])
	}

	fmt.Fprintln(w, "# HELP streamglass_http_request_duration_seconds_sum Cumulative duration of HTTP requests in seconds")
	fmt.Fprintln(w, "# TYPE streamglass_http_request_duration_seconds_sum counter")
	for _, label := range requestLabels {
		fmt.Fprintf(w, "streamglass_http_request_duration_seconds_sum{method=\"%s\",path=\"%s\",status=\"%s\"} %f\n", label.method, label.path, label.status, r.requestDuration[label].Seconds())
	}

	fmt.Fprintln(w, "# HELP streamglass_http_request_duration_seconds_count Total number of observations for request durations")
	fmt.Fprintln(w, "# TYPE streamglass_http_request_duration_seconds_count counter")
	for _, label := range requestLabels {
		fmt.Fprintf(w, "streamglass_http_request_duration_seconds_count{method=\"%s\",path=\"%s\",status=\"%s\"} %d\n", label.method, label.path, label.status, r.requestCount[label])
	}

	fmt.Fprintln(w, "# HELP streamglass_eventsub_connection Current EventSub connection state")
	fmt.Fprintln(w, "# TYPE streamglass_eventsub_connection gauge")
	for _, state := range []string{"connecting", "active", "reconnecting", "auth_required", "closed"} {
		value := 0
		if r.connectionState == state {
			value = 1
		}
		fmt.Fprintf(w, "streamglass_eventsub_connection{state=\"%s\"} %d\n", state, value)
	}

	fmt.Fprintln(w, "# HELP streamglass_eventsub_session_events_total EventSub session lifecycle events by type")
	fmt.Fprintln(w, "# TYPE streamglass_eventsub_session_events_total counter")
	for _, event := range sessionEvents {
		fmt.Fprintf(w, "streamglass_eventsub_session_events_total{event=\"%s\"} %d\n", event, r.sessionEvents[event])
	}

	fmt.Fprintln(w, "# HELP streamglass_eventsub_reconnects_total Reconnect attempts triggered by timeouts or reconnect messages")
	fmt.Fprintln(w, "# TYPE streamglass_eventsub_reconnects_total counter")
	fmt.Fprintf(w, "streamglass_eventsub_reconnects_total %d\n", r.reconnectsTotal.Load())

	fmt.Fprintln(w, "# HELP streamglass_notifications_total Accepted notifications by event kind")
	fmt.Fprintln(w, "# TYPE streamglass_notifications_total counter")
	for _, kind := range notificationKinds {
		fmt.Fprintf(w, "streamglass_notifications_total{kind=\"%s\"} %d\n", kind, r.notifications[kind])
	}

	fmt.Fprintln(w, "# HELP streamglass_notifications_duplicate_total Notifications discarded by the replay window")
	fmt.Fprintln(w, "# TYPE streamglass_notifications_duplicate_total counter")
	fmt.Fprintf(w, "streamglass_notifications_duplicate_total %d\n", r.duplicateDrops.Load())

	fmt.Fprintln(w, "# HELP streamglass_updates_dropped_total Live updates dropped because a subscriber buffer was full")
	fmt.Fprintln(w, "# TYPE streamglass_updates_dropped_total counter")
	fmt.Fprintf(w, "streamglass_updates_dropped_total %d\n", r.droppedUpdates.Load())

	fmt.Fprintln(w, "# HELP streamglass_bits_total Cumulative bits cheered since the counter was primed")
	fmt.Fprintln(w, "# TYPE streamglass_bits_total counter")
	fmt.Fprintf(w, "streamglass_bits_total %d\n", r.bitsTotal.Load())

	fmt.Fprintln(w, "# HELP streamglass_helix_calls_total Helix API calls by operation and outcome")
	fmt.Fprintln(w, "# TYPE streamglass_helix_calls_total counter")
	for _, label := range helixLabels {
		fmt.Fprintf(w, "streamglass_helix_calls_total{operation=\"%s\",outcome=\"%s\"} %d\n", label.Operation, label.Outcome, r.helixCalls[label])
	}

	fmt.Fprintln(w, "# HELP streamglass_token_refreshes_total OAuth token refresh attempts by outcome")
	fmt.Fprintln(w, "# TYPE streamglass_token_refreshes_total counter")
	for _, outcome := range refreshOutcomes {
		fmt.Fprintf(w, "streamglass_token_refreshes_total{outcome=\"%s\"} %d\n", outcome, r.tokenRefreshes[outcome])
	}

	fmt.Fprintln(w, "# HELP streamglass_overlay_clients Current number of connected overlay WebSocket clients")
	fmt.Fprintln(w, "# TYPE streamglass_overlay_clients gauge")
	fmt.Fprintf(w, "streamglass_overlay_clients %d\n", r.overlayClients.Load())
}

func (r *Recorder) sortedRequestLabels() []requestLabel {
	labels := make([]requestLabel, 0, len(r.requestCount))
	for label := range r.requestCount {
		labels = append(labels, label)
	}
	sort.Slice(labels, func(i, j int) bool {
		if labels[i].method != labels[j].method {
			return labels[i].method < labels[j].method
		}
		if labels[i].path != labels[j].path {
			return labels[i].path < labels[j].path
		}
		return labels[i].status < labels[j].status
	})
	return labels
}

func (r *Recorder) sortedHelixLabels() []HelixCallLabel {
	labels := make([]HelixCallLabel, 0, len(r.helixCalls))
	for label := range r.helixCalls {
		labels = append(labels, label)
	}
	sort.Slice(labels, func(i, j int) bool {
		if labels[i].Operation != labels[j].Operation {
			return labels[i].Operation < labels[j].Operation
		}
		return labels[i].Outcome < labels[j].Outcome
	})
	return labels
}

func sortedKeys(m map[string]uint64) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func normalizePath(path string) string {
	if path == "" || path == "/" {
		return "/"
	}
	parts := strings.Split(path, "/")
	for i, part := range parts {
		if part == "" {
			continue
		}
		if looksLikeIdentifier(part) {
			parts[i] = ":id"
		}
	}
	normalized := strings.Join(parts, "/")
	if !strings.HasPrefix(normalized, "/") {
		normalized = "/" + normalized
	}
	if strings.HasSuffix(normalized, "/") && len(normalized) > 1 {
		normalized = strings.TrimSuffix(normalized, "/")
	}
	return normalized
}

func looksLikeIdentifier(segment string) bool {
	if len(segment) >= 16 {
		return true
	}
	digitCount := 0
	for _, r := range segment {
		if r >= '0' && r <= '9' {
			digitCount++
		}
	}
	return digitCount >= 3
}

func (r *Recorder) decrementGauge(gauge *atomic.Int64) {
	for {
		current := gauge.Load()
		if current <= 0 {
			return
		}
		if gauge.CompareAndSwap(current, current-1) {
			return
		}
	}
}

func normalizeName(name string) string {
	normalized := strings.ToLower(strings.TrimSpace(name))
	if normalized == "" {
		return "unknown"
	}
	return normalized
}

// ObserveRequest records a request on the default recorder.
func ObserveRequest(method, path string, status int, duration time.Duration) {
	defaultRecorder.ObserveRequest(method, path, status, duration)
}

// SetConnectionState updates the connection gauge on the default recorder.
func SetConnectionState(state string) {
	defaultRecorder.SetConnectionState(state)
}

// ObserveNotification records a notification on the default recorder.
func ObserveNotification(kind string, bits int) {
	defaultRecorder.ObserveNotification(kind, bits)
}

// ObserveHelixCall records a Helix call outcome on the default recorder.
func ObserveHelixCall(operation, outcome string) {
	defaultRecorder.ObserveHelixCall(operation, outcome)
}

// Handler exposes the default recorder as an HTTP handler.
func Handler() http.Handler {
	return defaultRecorder.Handler()
}
