package taskname

const (
	// Upstream triggers
	PayoutEnqueue          = "payout:enqueue"
	ContractPaymentRelease = "contract:payment:released"

	// Periodic processor maintenance
	PayoutStatusPoll   = "payout:status:poll"
	PayoutJobsCleanup  = "payout:jobs:cleanup"
	PayoutJobsReclaim  = "payout:jobs:reclaim"
	PayoutStatsCollect = "payout:stats:collect"

	// Balance
	BalanceReconcileAll = "balance:reconcile:all"
)
