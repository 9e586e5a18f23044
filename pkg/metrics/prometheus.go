// Package metrics provides Prometheus metrics for the tunebuzz game service.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const defaultRefreshInterval = 10 * time.Second

// Manager owns every collector registered by the service.
type Manager struct {
	namespace        string
	subsystem        string
	histogramBuckets []float64
	enabled          bool
	refreshInterval  time.Duration
	customLabels     map[string]string
	metricPrefix     string
	registry         prometheus.Registerer

	// Game commands
	commandsTotal    *prometheus.CounterVec
	commandLatency   *prometheus.HistogramVec
	claimOutcomes    *prometheus.CounterVec
	gamesCreated     *prometheus.CounterVec
	scoreChanges     *prometheus.CounterVec
	duplicates       *prometheus.CounterVec
	autoAdvances     prometheus.Counter
	joinCodeRedraws  prometheus.Counter
	joinCodeAnomaly  prometheus.Counter
	answersEvaluated *prometheus.CounterVec

	// Document store
	storeOps             *prometheus.CounterVec
	storeLatency         *prometheus.HistogramVec
	storeDocuments       *prometheus.GaugeVec
	txAttempts           prometheus.Counter
	txConflicts          prometheus.Counter
	txExhausted          prometheus.Counter
	preconditionFailures prometheus.Counter

	// Subscriptions
	watchesActive      prometheus.Gauge
	snapshotsDelivered prometheus.Counter
	snapshotErrors     prometheus.Counter

	// Change queue and router workers
	queueSize        prometheus.Gauge
	queueCapacity    prometheus.Gauge
	queueUtilization prometheus.Gauge
	queueEnqueued    prometheus.Counter
	queueDropped     prometheus.Counter
	routerWorkers    prometheus.Gauge
	changesRouted    prometheus.Counter

	// HTTP gateway
	httpRequests        *prometheus.CounterVec
	httpRequestDuration *prometheus.HistogramVec
	wsConnections       prometheus.Gauge

	// Errors
	errorsByComponent *prometheus.CounterVec
	errorsByEndpoint  *prometheus.CounterVec

	// System
	systemMemoryUsage    prometheus.Gauge
	systemGoroutineCount prometheus.Gauge
	systemGCPauseTime    prometheus.Histogram
}

var globalManager *Manager //nolint:gochecknoglobals // process-wide metrics

var customRegistry = prometheus.NewRegistry() //nolint:gochecknoglobals // avoids default Go collectors

func init() { //nolint:gochecknoinits // global metrics setup
	globalManager = NewManager(WithPrometheusRegistry(customRegistry))
}

// NewManager creates a metrics manager and registers its collectors.
func NewManager(opts ...Option) *Manager {
	m := &Manager{
		namespace:        "tunebuzz",
		subsystem:        "game",
		histogramBuckets: []float64{0.1, 0.5, 1, 2.5, 5, 10, 25, 50, 100, 250, 500, 1000},
		enabled:          true,
		refreshInterval:  defaultRefreshInterval,
		customLabels:     make(map[string]string),
		registry:         prometheus.DefaultRegisterer,
	}
	for _, opt := range opts {
		opt(m)
	}
	m.initializeMetrics()
	return m
}

func (m *Manager) name(n string) string {
	if m.metricPrefix == "" {
		return n
	}
	return m.metricPrefix + "_" + n
}

func (m *Manager) counterOpts(name, help string) prometheus.CounterOpts {
	return prometheus.CounterOpts{
		Namespace:   m.namespace,
		Subsystem:   m.subsystem,
		Name:        m.name(name),
		Help:        help,
		ConstLabels: m.customLabels,
	}
}

func (m *Manager) gaugeOpts(name, help string) prometheus.GaugeOpts {
	return prometheus.GaugeOpts{
		Namespace:   m.namespace,
		Subsystem:   m.subsystem,
		Name:        m.name(name),
		Help:        help,
		ConstLabels: m.customLabels,
	}
}

func (m *Manager) histogramOpts(name, help string) prometheus.HistogramOpts {
	return prometheus.HistogramOpts{
		Namespace:   m.namespace,
		Subsystem:   m.subsystem,
		Name:        m.name(name),
		Help:        help,
		Buckets:     m.histogramBuckets,
		ConstLabels: m.customLabels,
	}
}

func (m *Manager) initializeMetrics() { //nolint:funlen // one place for every collector
	auto := promauto.With(m.registry)

	m.commandsTotal = auto.NewCounterVec(m.counterOpts("commands_total",
		"Game commands by state machine, command and outcome kind"),
		[]string{"machine", "command", "outcome"})
	m.commandLatency = auto.NewHistogramVec(m.histogramOpts("command_latency_milliseconds",
		"Game command latency in milliseconds"),
		[]string{"machine", "command"})
	m.claimOutcomes = auto.NewCounterVec(m.counterOpts("first_claims_total",
		"First-responder claim attempts by outcome (won/lost)"),
		[]string{"outcome"})
	m.gamesCreated = auto.NewCounterVec(m.counterOpts("games_created_total",
		"Games created by variant"),
		[]string{"variant"})
	m.scoreChanges = auto.NewCounterVec(m.counterOpts("score_changes_total",
		"Score mutations applied by the ledger"),
		[]string{"variant", "direction"})
	m.duplicates = auto.NewCounterVec(m.counterOpts("duplicate_submissions_total",
		"Rejected duplicate answers and skip votes"),
		[]string{"kind"})
	m.autoAdvances = auto.NewCounter(m.counterOpts("auto_advances_total",
		"Rounds advanced by an expired response window"))
	m.joinCodeRedraws = auto.NewCounter(m.counterOpts("join_code_redraws_total",
		"Join code draws rejected because an active game already used them"))
	m.joinCodeAnomaly = auto.NewCounter(m.counterOpts("join_code_anomalies_total",
		"Code resolutions that matched more than one active game"))
	m.answersEvaluated = auto.NewCounterVec(m.counterOpts("answers_evaluated_total",
		"Hostless answers graded"),
		[]string{"result"})

	m.storeOps = auto.NewCounterVec(m.counterOpts("store_operations_total",
		"Document store operations by backend and operation"),
		[]string{"backend", "op"})
	m.storeLatency = auto.NewHistogramVec(m.histogramOpts("store_latency_milliseconds",
		"Document store operation latency in milliseconds"),
		[]string{"backend", "op"})
	m.storeDocuments = auto.NewGaugeVec(m.gaugeOpts("store_documents",
		"Documents currently held by the store"),
		[]string{"backend"})
	m.txAttempts = auto.NewCounter(m.counterOpts("transaction_attempts_total",
		"Transaction attempts including retries"))
	m.txConflicts = auto.NewCounter(m.counterOpts("transaction_conflicts_total",
		"Transaction attempts aborted by a concurrent write"))
	m.txExhausted = auto.NewCounter(m.counterOpts("transaction_exhausted_total",
		"Transactions that ran out of retry attempts"))
	m.preconditionFailures = auto.NewCounter(m.counterOpts("precondition_failures_total",
		"Batch writes rejected by a version precondition"))

	m.watchesActive = auto.NewGauge(m.gaugeOpts("watches_active",
		"Open document and query watches"))
	m.snapshotsDelivered = auto.NewCounter(m.counterOpts("snapshots_delivered_total",
		"Snapshots delivered to watchers"))
	m.snapshotErrors = auto.NewCounter(m.counterOpts("snapshot_errors_total",
		"Snapshot reads that failed and were delivered as errors"))

	m.queueSize = auto.NewGauge(m.gaugeOpts("change_queue_size",
		"Pending change notifications"))
	m.queueCapacity = auto.NewGauge(m.gaugeOpts("change_queue_capacity",
		"Change notification queue capacity"))
	m.queueUtilization = auto.NewGauge(m.gaugeOpts("change_queue_utilization",
		"Change notification queue fill ratio"))
	m.queueEnqueued = auto.NewCounter(m.counterOpts("change_queue_enqueued_total",
		"Change notifications queued"))
	m.queueDropped = auto.NewCounter(m.counterOpts("change_queue_dropped_total",
		"Change notifications routed inline because the queue was full or closed"))
	m.routerWorkers = auto.NewGauge(m.gaugeOpts("router_workers",
		"Change router workers running"))
	m.changesRouted = auto.NewCounter(m.counterOpts("changes_routed_total",
		"Change notifications routed to watches"))

	m.httpRequests = auto.NewCounterVec(m.counterOpts("http_requests_total",
		"HTTP requests by endpoint, method and status"),
		[]string{"endpoint", "method", "status_code"})
	m.httpRequestDuration = auto.NewHistogramVec(m.histogramOpts("http_request_duration_milliseconds",
		"HTTP request duration in milliseconds"),
		[]string{"endpoint", "method", "status_code"})
	m.wsConnections = auto.NewGauge(m.gaugeOpts("websocket_connections",
		"Open websocket watch connections"))

	m.errorsByComponent = auto.NewCounterVec(m.counterOpts("errors_by_component_total",
		"Errors by component and type"),
		[]string{"component", "error_type"})
	m.errorsByEndpoint = auto.NewCounterVec(m.counterOpts("errors_by_endpoint_total",
		"HTTP errors by endpoint"),
		[]string{"endpoint", "method", "error_type"})

	m.systemMemoryUsage = auto.NewGauge(m.gaugeOpts("system_memory_usage_bytes",
		"Heap bytes allocated"))
	m.systemGoroutineCount = auto.NewGauge(m.gaugeOpts("system_goroutine_count",
		"Number of goroutines"))
	m.systemGCPauseTime = auto.NewHistogram(prometheus.HistogramOpts{
		Namespace:   m.namespace,
		Subsystem:   m.subsystem,
		Name:        m.name("system_gc_pause_time_milliseconds"),
		Help:        "Average GC pause time in milliseconds",
		Buckets:     []float64{0.1, 0.5, 1, 2, 5, 10, 25, 50, 100, 250, 500, 1000},
		ConstLabels: m.customLabels,
	})
}

// Game command metrics.

// RecordCommand counts one command and its latency.
func RecordCommand(machine, command, outcome string, latencyMs float64) {
	globalManager.commandsTotal.WithLabelValues(machine, command, outcome).Inc()
	globalManager.commandLatency.WithLabelValues(machine, command).Observe(latencyMs)
}

// RecordClaim counts a first-responder claim attempt; won=false means another caller got there first.
func RecordClaim(won bool) {
	outcome := "lost"
	if won {
		outcome = "won"
	}
	globalManager.claimOutcomes.WithLabelValues(outcome).Inc()
}

// RecordGameCreated counts a new game of the given variant.
func RecordGameCreated(variant string) {
	globalManager.gamesCreated.WithLabelValues(variant).Inc()
}

// RecordScoreChange counts a score mutation; delta sign picks the direction label.
func RecordScoreChange(variant string, delta int) {
	direction := "up"
	switch {
	case delta < 0:
		direction = "down"
	case delta == 0:
		direction = "none"
	}
	globalManager.scoreChanges.WithLabelValues(variant, direction).Inc()
}

// RecordDuplicate counts a rejected duplicate submission ("answer", "skip_vote").
func RecordDuplicate(kind string) {
	globalManager.duplicates.WithLabelValues(kind).Inc()
}

// RecordAutoAdvance counts a timer-driven round advance.
func RecordAutoAdvance() {
	globalManager.autoAdvances.Inc()
}

// RecordJoinCodeRedraw counts a join code that collided with an active game.
func RecordJoinCodeRedraw() {
	globalManager.joinCodeRedraws.Inc()
}

// RecordJoinCodeAnomaly counts a code resolution with more than one active match.
func RecordJoinCodeAnomaly() {
	globalManager.joinCodeAnomaly.Inc()
}

// RecordAnswerEvaluated counts one graded answer.
func RecordAnswerEvaluated(correct bool) {
	result := "incorrect"
	if correct {
		result = "correct"
	}
	globalManager.answersEvaluated.WithLabelValues(result).Inc()
}

// Document store metrics.

// RecordStoreOp counts a store operation and its latency.
func RecordStoreOp(backend, op string, latencyMs float64) {
	globalManager.storeOps.WithLabelValues(backend, op).Inc()
	globalManager.storeLatency.WithLabelValues(backend, op).Observe(latencyMs)
}

// UpdateStoreDocuments sets the number of stored documents.
func UpdateStoreDocuments(backend string, count int) {
	globalManager.storeDocuments.WithLabelValues(backend).Set(float64(count))
}

// RecordTransactionAttempt counts one transaction attempt.
func RecordTransactionAttempt() {
	globalManager.txAttempts.Inc()
}

// RecordTransactionConflict counts an attempt aborted by a concurrent write.
func RecordTransactionConflict() {
	globalManager.txConflicts.Inc()
}

// RecordTransactionExhausted counts a transaction that gave up.
func RecordTransactionExhausted() {
	globalManager.txExhausted.Inc()
}

// RecordPreconditionFailure counts a rejected batch precondition.
func RecordPreconditionFailure() {
	globalManager.preconditionFailures.Inc()
}

// Subscription metrics.

// UpdateWatchesActive sets the number of open watches.
func UpdateWatchesActive(count int) {
	globalManager.watchesActive.Set(float64(count))
}

// RecordSnapshotDelivered counts a delivered snapshot.
func RecordSnapshotDelivered() {
	globalManager.snapshotsDelivered.Inc()
}

// RecordSnapshotError counts a snapshot read failure.
func RecordSnapshotError() {
	globalManager.snapshotErrors.Inc()
}

// Change queue metrics.

// UpdateQueueSize sets the number of pending change notifications.
func UpdateQueueSize(size int) {
	globalManager.queueSize.Set(float64(size))
}

// UpdateQueueCapacity sets the change queue capacity.
func UpdateQueueCapacity(capacity int) {
	globalManager.queueCapacity.Set(float64(capacity))
}

// UpdateQueueUtilization sets the change queue fill ratio.
func UpdateQueueUtilization(utilization float64) {
	globalManager.queueUtilization.Set(utilization)
}

// RecordQueueEnqueue counts a queued change notification.
func RecordQueueEnqueue() {
	globalManager.queueEnqueued.Inc()
}

// RecordQueueDrop counts a change notification that bypassed the queue.
func RecordQueueDrop() {
	globalManager.queueDropped.Inc()
}

// UpdateRouterWorkers sets the number of running router workers.
func UpdateRouterWorkers(count int) {
	globalManager.routerWorkers.Set(float64(count))
}

// RecordChangeRouted counts a change notification handed to the hub.
func RecordChangeRouted() {
	globalManager.changesRouted.Inc()
}

// HTTP metrics.

// RecordHTTPRequest records an HTTP request.
func RecordHTTPRequest(endpoint, method, statusCode string) {
	globalManager.httpRequests.WithLabelValues(endpoint, method, statusCode).Inc()
}

// RecordHTTPRequestDuration records HTTP request duration.
func RecordHTTPRequestDuration(endpoint, method, statusCode string, duration float64) {
	globalManager.httpRequestDuration.WithLabelValues(endpoint, method, statusCode).Observe(duration)
}

// AddWebsocketConnections adjusts the open websocket gauge by delta.
func AddWebsocketConnections(delta int) {
	globalManager.wsConnections.Add(float64(delta))
}

// Error metrics.

// RecordErrorByComponent records an error with component and type labels.
func RecordErrorByComponent(component, errorType string) {
	globalManager.errorsByComponent.WithLabelValues(component, errorType).Inc()
}

// RecordErrorByEndpoint records an HTTP error.
func RecordErrorByEndpoint(endpoint, method, errorType string) {
	globalManager.errorsByEndpoint.WithLabelValues(endpoint, method, errorType).Inc()
}

// System metrics.

// UpdateSystemMemoryUsage sets the heap usage in bytes.
func UpdateSystemMemoryUsage(bytes uint64) {
	globalManager.systemMemoryUsage.Set(float64(bytes))
}

// UpdateSystemGoroutineCount sets the number of goroutines.
func UpdateSystemGoroutineCount(count int) {
	globalManager.systemGoroutineCount.Set(float64(count))
}

// RecordSystemGCPauseTime records GC pause time in milliseconds.
func RecordSystemGCPauseTime(pauseMs float64) {
	globalManager.systemGCPauseTime.Observe(pauseMs)
}

// GetRegistry returns the registry holding every service collector.
func GetRegistry() *prometheus.Registry {
	return customRegistry
}
