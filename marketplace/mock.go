package marketplace

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// MockAdapter is an offline Adapter for tests and dry runs. By default
// every call succeeds with a synthetic external ID; behavior can be
// scripted per call with CreateFunc and friends.
type MockAdapter struct {
	mu      sync.Mutex
	counter int

	// CreateFunc, when set, overrides CreateListing. The attempt number
	// starts at 1 and counts all CreateListing calls on this mock.
	CreateFunc func(attempt int, payload []byte) (CreateResult, error)

	// ReviseFunc, when set, overrides ReviseListingPrice.
	ReviseFunc func(externalID string, newPrice float64) (ReviseResult, error)

	// EndFunc, when set, overrides EndListing.
	EndFunc func(externalID, reason string) (EndResult, error)

	createCalls int
}

// NewMockAdapter creates a mock that succeeds on every call.
func NewMockAdapter() *MockAdapter {
	return &MockAdapter{}
}

// CreateCalls reports how many CreateListing calls the mock has seen.
func (m *MockAdapter) CreateCalls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.createCalls
}

func (m *MockAdapter) CreateListing(ctx context.Context, payload []byte) (CreateResult, CallMeta, error) {
	start := time.Now()
	if err := ctx.Err(); err != nil {
		return CreateResult{}, CallMeta{Latency: time.Since(start)}, err
	}

	m.mu.Lock()
	m.createCalls++
	attempt := m.createCalls
	fn := m.CreateFunc
	m.counter++
	externalID := fmt.Sprintf("mock-%06d", m.counter)
	m.mu.Unlock()

	if fn != nil {
		res, err := fn(attempt, payload)
		return res, CallMeta{StatusCode: 200, Latency: time.Since(start)}, err
	}
	return CreateResult{
		Success:    true,
		ExternalID: externalID,
		Fees:       []Fee{{Name: "insertion", Amount: 0.35}},
	}, CallMeta{StatusCode: 200, Latency: time.Since(start)}, nil
}

func (m *MockAdapter) ReviseListingPrice(ctx context.Context, externalID string, newPrice float64) (ReviseResult, CallMeta, error) {
	start := time.Now()
	if err := ctx.Err(); err != nil {
		return ReviseResult{}, CallMeta{Latency: time.Since(start)}, err
	}

	m.mu.Lock()
	fn := m.ReviseFunc
	m.mu.Unlock()

	if fn != nil {
		res, err := fn(externalID, newPrice)
		return res, CallMeta{StatusCode: 200, Latency: time.Since(start)}, err
	}
	return ReviseResult{Success: true}, CallMeta{StatusCode: 200, Latency: time.Since(start)}, nil
}

func (m *MockAdapter) EndListing(ctx context.Context, externalID, reason string) (EndResult, CallMeta, error) {
	start := time.Now()
	if err := ctx.Err(); err != nil {
		return EndResult{}, CallMeta{Latency: time.Since(start)}, err
	}

	m.mu.Lock()
	fn := m.EndFunc
	m.mu.Unlock()

	if fn != nil {
		res, err := fn(externalID, reason)
		return res, CallMeta{StatusCode: 200, Latency: time.Since(start)}, err
	}
	return EndResult{Success: true}, CallMeta{StatusCode: 200, Latency: time.Since(start)}, nil
}
