package leaseengine

import (
	"errors"
	"sync"
)

// batchWorkers bounds the pool running batch sub-calls.
const batchWorkers = 8

// Code maps an engine error to its stable token.
func Code(err error) string {
	switch {
	case errors.Is(err, ErrValidation):
		return "VALIDATION_ERROR"
	case errors.Is(err, ErrPendingImport):
		return "PENDING_IMPORT"
	case errors.Is(err, ErrNoStock):
		return "NO_STOCK"
	case errors.Is(err, ErrLeaseNotFound):
		return "LEASE_NOT_FOUND"
	case errors.Is(err, ErrLeaseExpired):
		return "LEASE_EXPIRED"
	default:
		return "INTERNAL_ERROR"
	}
}

// BatchLeaseResult is one element of a lease/batch response, parallel to the
// request array. Exactly one of Result or Code is set.
type BatchLeaseResult struct {
	Result  *LeaseResult `json:"result,omitempty"`
	Code    string       `json:"code,omitempty"`
	Message string       `json:"message,omitempty"`
}

// BatchAckResult is one element of an ack/batch response.
type BatchAckResult struct {
	Result  *AckResult `json:"result,omitempty"`
	Code    string     `json:"code,omitempty"`
	Message string     `json:"message,omitempty"`
}

// LeaseBatch fans the single-call semantics over a bounded worker pool.
// Sub-results are independent; one failure does not poison siblings.
func (e *Engine) LeaseBatch(userID string, reqs []LeaseRequest) []BatchLeaseResult {
	results := make([]BatchLeaseResult, len(reqs))
	runBatch(len(reqs), func(i int) {
		res, err := e.Lease(userID, reqs[i])
		if err != nil {
			results[i] = BatchLeaseResult{Code: Code(err), Message: err.Error()}
			return
		}
		results[i] = BatchLeaseResult{Result: res}
	})
	return results
}

// AckBatch fans Ack over the worker pool.
func (e *Engine) AckBatch(userID string, reqs []AckRequest) []BatchAckResult {
	results := make([]BatchAckResult, len(reqs))
	runBatch(len(reqs), func(i int) {
		res, err := e.Ack(userID, reqs[i])
		if err != nil {
			results[i] = BatchAckResult{Code: Code(err), Message: err.Error()}
			return
		}
		results[i] = BatchAckResult{Result: res}
	})
	return results
}

func runBatch(n int, fn func(i int)) {
	sem := make(chan struct{}, batchWorkers)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			sem <- struct{}{}
			defer func() { <-sem }()
			fn(i)
		}(i)
	}
	wg.Wait()
}
