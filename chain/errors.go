package chain

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
)

var (
	// ErrNoFunctionalEndpoint means every endpoint of a category is either
	// marked unhealthy or has been exhausted within the attempt budget.
	ErrNoFunctionalEndpoint = errors.New("chain: no functional endpoint available")

	// ErrNoResources means the client-side resource cool-down is active and
	// transaction submission is blocked until it expires.
	ErrNoResources = errors.New("chain: not enough resources to transact")

	// ErrNotLoggedIn means the signer has no backing session or account.
	ErrNotLoggedIn = errors.New("chain: not logged in")

	// ErrAccountNotFound means the queried account does not exist on chain.
	ErrAccountNotFound = errors.New("chain: account not found")

	// ErrTransactionNotFound means a history lookup exhausted its attempts.
	ErrTransactionNotFound = errors.New("chain: transaction not found")
)

// RPCErrorDetail is one entry of a chain error's detail list.
type RPCErrorDetail struct {
	Message string `json:"message"`
	File    string `json:"file"`
	Method  string `json:"method"`
}

// RPCError is a structured rejection returned by a chain endpoint.
type RPCError struct {
	Code    int              `json:"code"`
	Name    string           `json:"name"`
	What    string           `json:"what"`
	Details []RPCErrorDetail `json:"details"`
}

func (e *RPCError) Error() string {
	if e.What != "" {
		return fmt.Sprintf("chain: rpc error %s: %s", e.Name, e.What)
	}
	return fmt.Sprintf("chain: rpc error %s", e.Name)
}

// resource exhaustion error names reported by the chain when the paying
// account runs out of CPU or NET bandwidth.
var resourceErrorNames = map[string]bool{
	"tx_net_usage_exceeded": true,
	"tx_cpu_usage_exceeded": true,
}

// IsResourceExhausted reports whether the rejection was caused by CPU/NET
// bandwidth limits rather than by the transaction content.
func (e *RPCError) IsResourceExhausted() bool {
	return resourceErrorNames[e.Name]
}

// IsPermissionDenied reports whether the rejection indicates missing or
// unsatisfied authorization.
func (e *RPCError) IsPermissionDenied() bool {
	switch e.Name {
	case "missing_auth_exception", "unsatisfied_authorization", "irrelevant_auth_exception":
		return true
	}
	return false
}

var unknownKeyRe = regexp.MustCompile(`(?i)^unknown key`)

// IsUnknownAccount reports whether the rejection means the queried account
// does not exist.
func (e *RPCError) IsUnknownAccount() bool {
	for _, detail := range e.Details {
		if unknownKeyRe.MatchString(strings.TrimSpace(detail.Message)) {
			return true
		}
	}
	return false
}

// IsPermissionDenied reports whether err (anywhere in its chain) is a chain
// rejection for missing authorization.
func IsPermissionDenied(err error) bool {
	var rpcErr *RPCError
	return errors.As(err, &rpcErr) && rpcErr.IsPermissionDenied()
}

// IsResourceExhausted reports whether err is a chain-side CPU/NET rejection.
func IsResourceExhausted(err error) bool {
	var rpcErr *RPCError
	return errors.As(err, &rpcErr) && rpcErr.IsResourceExhausted()
}
