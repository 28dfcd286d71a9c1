// Package ledger implements the quota gate in front of the token ledger.
//
// Gate.CheckAndConsume is a single atomic compare-and-increment: a request
// is admitted only when tokens_used + amount stays within token_limit, and
// the ledger line is written in the same step. Replays of a message id
// return the original entry without counting again.
package ledger
