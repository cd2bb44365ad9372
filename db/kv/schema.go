package kv

// Bucket schema. Keys are the natural IDs of each record; ordering entries
// key on a big-endian sequence number so bolt iterates them in chain order.
var (
	agentsBucket         = []byte("agents")
	tasksBucket          = []byte("tasks")
	accountsBucket       = []byte("accounts")
	transactionsBucket   = []byte("credit-transactions")
	orderingBucket       = []byte("ordering-entries")
	paymentIntentsBucket = []byte("payment-intents")
)
