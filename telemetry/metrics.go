package telemetry

// Server lifecycle metrics
var (
	// ServerStateTransitionsTotal counts server state transitions (from -> to)
	ServerStateTransitionsTotal CounterVec = noopCounterVec{}

	// DesyncCount tracks the current desync nesting level
	DesyncCount Gauge = NoopStat{}

	// PauseCount tracks the current pause nesting level
	PauseCount Gauge = NoopStat{}

	// StateWaiters tracks threads blocked in wait_until_state
	StateWaiters Gauge = NoopStat{}
)

// Write-set application metrics
var (
	// WriteSetsAppliedTotal counts write-sets applied in total order
	WriteSetsAppliedTotal Counter = NoopStat{}

	// WriteSetsDuplicateTotal counts write-sets discarded as already
	// contained in the snapshot or redelivered
	WriteSetsDuplicateTotal Counter = NoopStat{}

	// StreamingAppliers tracks registered streaming applier stand-ins
	StreamingAppliers Gauge = NoopStat{}

	// BFAbortsTotal counts brute-force aborts of local transactions
	BFAbortsTotal Counter = NoopStat{}
)

// Provider transport metrics
var (
	// ProviderPublishedTotal counts write-sets published for certification
	ProviderPublishedTotal Counter = NoopStat{}

	// ProviderDeliveredTotal counts write-sets delivered by the provider
	ProviderDeliveredTotal Counter = NoopStat{}

	// ProviderReconnectsTotal counts provider transport reconnects
	ProviderReconnectsTotal Counter = NoopStat{}
)

// initializeMetrics creates prometheus instances for all metrics.
// Called by InitializeTelemetry once the registry exists.
func initializeMetrics() {
	ServerStateTransitionsTotal = NewCounterVec(
		"server_state_transitions_total",
		"Server state transitions by edge",
		"from", "to")
	DesyncCount = NewGauge(
		"desync_count",
		"Current desync nesting level")
	PauseCount = NewGauge(
		"pause_count",
		"Current pause nesting level")
	StateWaiters = NewGauge(
		"state_waiters",
		"Threads blocked waiting for a server state")

	WriteSetsAppliedTotal = NewCounter(
		"writesets_applied_total",
		"Write-sets applied in total order")
	WriteSetsDuplicateTotal = NewCounter(
		"writesets_duplicate_total",
		"Write-sets discarded as duplicates")
	StreamingAppliers = NewGauge(
		"streaming_appliers",
		"Registered streaming applier stand-ins")
	BFAbortsTotal = NewCounter(
		"bf_aborts_total",
		"Brute-force aborts of local transactions")

	ProviderPublishedTotal = NewCounter(
		"provider_published_total",
		"Write-sets published for certification")
	ProviderDeliveredTotal = NewCounter(
		"provider_delivered_total",
		"Write-sets delivered by the provider")
	ProviderReconnectsTotal = NewCounter(
		"provider_reconnects_total",
		"Provider transport reconnects")
}
