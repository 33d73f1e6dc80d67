package transport

import (
	"net/http"
	"sort"
)

// DefaultRetryableStatus lists the status codes treated as transient by default.
// 439 is the ingestion service's daily quota throttle.
var DefaultRetryableStatus = []int{
	http.StatusRequestTimeout,
	http.StatusTooManyRequests,
	439,
	http.StatusInternalServerError,
	http.StatusBadGateway,
	http.StatusServiceUnavailable,
	http.StatusGatewayTimeout,
}

// StatusTable maps HTTP status codes, for whole responses and for per-item
// errors, to retryable or permanent.
type StatusTable struct {
	retryable map[int]bool
}

// NewStatusTable builds a table. A nil list uses DefaultRetryableStatus.
func NewStatusTable(retryable []int) *StatusTable {
	if retryable == nil {
		retryable = DefaultRetryableStatus
	}
	t := &StatusTable{retryable: make(map[int]bool, len(retryable))}
	for _, code := range retryable {
		t.retryable[code] = true
	}
	return t
}

// Retryable reports whether code is transient
func (t *StatusTable) Retryable(code int) bool {
	return t.retryable[code]
}

// Codes returns the retryable codes in ascending order
func (t *StatusTable) Codes() []int {
	codes := make([]int, 0, len(t.retryable))
	for c := range t.retryable {
		codes = append(codes, c)
	}
	sort.Ints(codes)
	return codes
}

// perItem reports whether a response with this status may carry per-item results
func perItem(code int) bool {
	return code == http.StatusOK || code == http.StatusPartialContent
}
