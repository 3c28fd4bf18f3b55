package ethclient

import (
	"context"
	"errors"
	"net"
	"strings"
)

// Fragments of error messages the pool treats as transient endpoint
// failures. JSON-RPC providers rarely agree on structured error codes,
// so classification falls back to substring inspection.
var recoverableErrorFragments = []string{
	"429",
	"too many requests",
	"rate limit",
	"throttl",
	"pruned",
	"missing trie node",
	"old data not available",
	"connection reset",
	"connection refused",
	"broken pipe",
	"eof",
	"could not detect network",
	"failed to detect network",
	"internal error",
	"internal server error",
}

// IsRecoverable reports whether the pool should fail over to the next
// endpoint instead of surfacing the error.
func IsRecoverable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	msg := strings.ToLower(err.Error())
	for _, fragment := range recoverableErrorFragments {
		if strings.Contains(msg, fragment) {
			return true
		}
	}
	return false
}
