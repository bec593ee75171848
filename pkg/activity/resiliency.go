package activity

import (
	"crypto/rand"
	"fmt"
	"math"
	"math/big"
	"net/http"
	"sync"
	"time"
)

// ResilientClient wraps http.Client with retry, exponential backoff
// with jitter, and a circuit breaker. The activity provider throttles
// aggressively, so naked clients are not used anywhere in this package.
type ResilientClient struct {
	client     *http.Client
	maxRetries int
	breaker    *circuitBreaker
}

// NewResilientClient builds a client with a 30s request timeout, three
// retries and a breaker that opens after five consecutive failures.
func NewResilientClient() *ResilientClient {
	return &ResilientClient{
		client:     &http.Client{Timeout: 30 * time.Second},
		maxRetries: 3,
		breaker:    newCircuitBreaker("activity", 5, 10*time.Second),
	}
}

// Do executes the request, retrying server errors and transport
// failures. Request contexts still bound the total time.
func (c *ResilientClient) Do(req *http.Request) (*http.Response, error) {
	if !c.breaker.allow() {
		return nil, fmt.Errorf("circuit breaker open for %s", c.breaker.name)
	}

	var resp *http.Response
	var err error
	for i := 0; i <= c.maxRetries; i++ {
		resp, err = c.client.Do(req)
		if err == nil && resp.StatusCode < 500 {
			c.breaker.success()
			return resp, nil
		}
		if i == c.maxRetries {
			break
		}
		if resp != nil {
			resp.Body.Close()
		}
		if ctxErr := req.Context().Err(); ctxErr != nil {
			c.breaker.failure()
			return nil, ctxErr
		}

		// base * 2^i plus up to 50ms jitter
		backoff := time.Duration(math.Pow(2, float64(i))) * 100 * time.Millisecond
		if n, jerr := rand.Int(rand.Reader, big.NewInt(50)); jerr == nil {
			backoff += time.Duration(n.Int64()) * time.Millisecond
		}
		time.Sleep(backoff)
	}

	c.breaker.failure()
	return resp, err
}

type circuitBreaker struct {
	mu           sync.Mutex
	name         string
	failureCount int
	threshold    int
	lastFailure  time.Time
	resetTimeout time.Duration
	state        string // "CLOSED", "OPEN", "HALF_OPEN"
}

func newCircuitBreaker(name string, threshold int, timeout time.Duration) *circuitBreaker {
	return &circuitBreaker{
		name:         name,
		threshold:    threshold,
		resetTimeout: timeout,
		state:        "CLOSED",
	}
}

func (cb *circuitBreaker) allow() bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	if cb.state == "OPEN" {
		if time.Since(cb.lastFailure) > cb.resetTimeout {
			cb.state = "HALF_OPEN"
			return true
		}
		return false
	}
	return true
}

func (cb *circuitBreaker) success() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.state = "CLOSED"
	cb.failureCount = 0
}

func (cb *circuitBreaker) failure() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.failureCount++
	cb.lastFailure = time.Now()
	if cb.failureCount >= cb.threshold {
		cb.state = "OPEN"
	}
}
