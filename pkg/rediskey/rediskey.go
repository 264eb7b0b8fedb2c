package rediskey

import "fmt"

const (
	BalancePrefix       = "balance"
	PayoutHistoryPrefix = "payouts:user"
	JobStatsKey         = "payout:jobs:stats"
	BatchSequencePrefix = "seq:batch"
)

func NamespaceKey(namespace, key string) string {
	return fmt.Sprintf("%s:%s", namespace, key)
}

// BuildBalanceKey returns "balance:{userID}"
func BuildBalanceKey(userID string) string {
	return NamespaceKey(BalancePrefix, userID)
}

// BuildPayoutHistoryKey returns "payouts:user:{userID}"
func BuildPayoutHistoryKey(userID string) string {
	return NamespaceKey(PayoutHistoryPrefix, userID)
}

// BuildBatchSequenceKey returns "seq:batch:{yymmdd}"
func BuildBatchSequenceKey(day string) string {
	return NamespaceKey(BatchSequencePrefix, day)
}
