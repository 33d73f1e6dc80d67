package transport

import (
	"encoding/json"
	"sort"

	"lumen/internal/logger"
	"lumen/internal/models"
)

// Outcome classifies a single send
type Outcome int

const (
	// Success means every item was accepted
	Success Outcome = iota
	// PartialFailure means some items must be retried; the rest were accepted or dropped
	PartialFailure
	// RetryableFailure means nothing was accepted and the whole batch may be retried
	RetryableFailure
	// NonRetryable means the batch, or the rejected part of it, is dropped
	NonRetryable
)

func (o Outcome) String() string {
	switch o {
	case Success:
		return "success"
	case PartialFailure:
		return "partial"
	case RetryableFailure:
		return "retryable"
	case NonRetryable:
		return "non_retryable"
	default:
		return "unknown"
	}
}

// Result is the outcome of one network call
type Result struct {
	Outcome    Outcome
	StatusCode int
	Err        error

	// Accepted is the number of items the service took
	Accepted int
	// Retry holds the items to send again
	Retry models.Batch
	// Dropped holds items rejected permanently
	Dropped models.Batch
	// Reason is the service's message for the first rejected item, if any
	Reason string
}

// trackResponse is the ingestion service's response body
type trackResponse struct {
	ItemsReceived int         `json:"itemsReceived"`
	ItemsAccepted int         `json:"itemsAccepted"`
	Errors        []itemError `json:"errors"`
}

type itemError struct {
	Index      int    `json:"index"`
	StatusCode int    `json:"statusCode"`
	Message    string `json:"message"`
}

// classify turns a completed HTTP exchange into a Result.
func (s *Sender) classify(batch models.Batch, status int, body []byte) Result {
	res := Result{StatusCode: status}

	if perItem(status) {
		var resp trackResponse
		if err := json.Unmarshal(body, &resp); err != nil {
			if status == 206 {
				// partial content we cannot read: nothing is known to be accepted
				res.Outcome = RetryableFailure
				res.Retry = batch
				res.Err = err
				return res
			}
			res.Outcome = Success
			res.Accepted = batch.Len()
			return res
		}
		if len(resp.Errors) == 0 {
			res.Outcome = Success
			res.Accepted = batch.Len()
			return res
		}
		return s.splitPerItem(batch, status, resp.Errors)
	}

	switch {
	case status >= 200 && status < 300:
		res.Outcome = Success
		res.Accepted = batch.Len()
	case s.table.Retryable(status):
		res.Outcome = RetryableFailure
		res.Retry = batch
	default:
		res.Outcome = NonRetryable
		res.Dropped = batch
		res.Reason = string(truncate(body, 512))
	}
	return res
}

// splitPerItem builds the retry and drop subsets from index-aligned item errors.
func (s *Sender) splitPerItem(batch models.Batch, status int, errs []itemError) Result {
	log := logger.WithBatch("transport", batch.ID)
	res := Result{StatusCode: status}

	sort.SliceStable(errs, func(i, j int) bool { return errs[i].Index < errs[j].Index })

	var retry, drop []int
	seen := make(map[int]bool, len(errs))
	for _, e := range errs {
		if e.Index < 0 || e.Index >= batch.Len() {
			log.Warn().
				Int("index", e.Index).
				Int("items", batch.Len()).
				Msg("ignoring item error outside the batch")
			continue
		}
		if seen[e.Index] {
			continue
		}
		seen[e.Index] = true
		if s.table.Retryable(e.StatusCode) {
			retry = append(retry, e.Index)
		} else {
			drop = append(drop, e.Index)
			if res.Reason == "" {
				res.Reason = e.Message
			}
		}
	}

	res.Accepted = batch.Len() - len(retry) - len(drop)
	switch {
	case len(retry) > 0:
		res.Outcome = PartialFailure
		res.Retry = batch.Subset(retry)
	case len(drop) > 0:
		res.Outcome = NonRetryable
	default:
		res.Outcome = Success
	}
	if len(drop) > 0 {
		res.Dropped = batch.Subset(drop)
	}
	return res
}

func truncate(b []byte, n int) []byte {
	if len(b) > n {
		return b[:n]
	}
	return b
}
