package pool

import (
	"sync"
	"time"

	"github.com/benbjohnson/clock"
)

// failureState is the retry bookkeeping for one endpoint. It lives in its own
// table keyed by endpoint, independent of the transient connection handle, so
// attempt counts survive session object replacement.
type failureState struct {
	attempts      int
	lastErr       error
	lastAttempt   time.Time
	cooldownUntil time.Time
}

// EndpointFailure is a status snapshot of one endpoint's failure bookkeeping
type EndpointFailure struct {
	Endpoint    string
	Attempts    int
	LastError   string
	CoolingDown bool
}

// failureTable tracks reconnect attempts, last errors and cooldown deadlines
// per endpoint.
type failureTable struct {
	mu          sync.Mutex
	states      map[string]*failureState
	clock       clock.Clock
	base        time.Duration
	maxAttempts int
	cooldown    time.Duration
}

func newFailureTable(clk clock.Clock, base time.Duration, maxAttempts int, cooldown time.Duration) *failureTable {
	return &failureTable{
		states:      make(map[string]*failureState),
		clock:       clk,
		base:        base,
		maxAttempts: maxAttempts,
		cooldown:    cooldown,
	}
}

// recordFailure notes a failed attempt for endpoint. When the attempt cap is
// not yet reached it returns the exponential backoff delay before the next
// attempt and giveUp=false; once the cap is reached the endpoint enters the
// cooldown window and giveUp=true.
func (t *failureTable) recordFailure(endpoint string, err error) (retryIn time.Duration, giveUp bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	st := t.states[endpoint]
	if st == nil {
		st = &failureState{}
		t.states[endpoint] = st
	}

	st.attempts++
	st.lastErr = err
	st.lastAttempt = t.clock.Now()

	if st.attempts >= t.maxAttempts {
		st.cooldownUntil = t.clock.Now().Add(t.cooldown)
		return 0, true
	}

	// base, base*2, base*4, ...
	retryIn = t.base << uint(st.attempts-1)
	return retryIn, false
}

// available reports whether endpoint may be dialed. An expired cooldown
// resets the attempt counter so the endpoint becomes eligible again.
func (t *failureTable) available(endpoint string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	st := t.states[endpoint]
	if st == nil {
		return true
	}
	if st.cooldownUntil.IsZero() {
		return true
	}
	if t.clock.Now().Before(st.cooldownUntil) {
		return false
	}

	st.attempts = 0
	st.cooldownUntil = time.Time{}
	return true
}

// reset clears bookkeeping after a successful open
func (t *failureTable) reset(endpoint string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.states, endpoint)
}

// saturate pins every endpoint's attempt counter at the cap so scheduled
// reconnect timers become no-ops when they fire. Used on manual disconnect.
func (t *failureTable) saturate() {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, st := range t.states {
		st.attempts = t.maxAttempts
	}
}

// attempts returns the current attempt count for endpoint
func (t *failureTable) attemptsFor(endpoint string) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	if st := t.states[endpoint]; st != nil {
		return st.attempts
	}
	return 0
}

// snapshot returns failure bookkeeping for every tracked endpoint
func (t *failureTable) snapshot() []EndpointFailure {
	t.mu.Lock()
	defer t.mu.Unlock()

	out := make([]EndpointFailure, 0, len(t.states))
	for endpoint, st := range t.states {
		f := EndpointFailure{
			Endpoint:    endpoint,
			Attempts:    st.attempts,
			CoolingDown: !st.cooldownUntil.IsZero() && t.clock.Now().Before(st.cooldownUntil),
		}
		if st.lastErr != nil {
			f.LastError = st.lastErr.Error()
		}
		out = append(out, f)
	}
	return out
}
