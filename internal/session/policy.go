package session

// FaultPolicy counts consecutive decode failures and asks for a capture dump
// when Threshold of them arrive in a row. It is not safe for concurrent use;
// the session loop owns it.
type FaultPolicy struct {
	Threshold   int
	consecutive int
}

// Record feeds one decode outcome. It returns true when this failure reached
// the threshold; the counter is then reset.
func (p *FaultPolicy) Record(ok bool) bool {
	if ok {
		p.consecutive = 0
		return false
	}
	p.consecutive++
	if p.Threshold > 0 && p.consecutive >= p.Threshold {
		p.consecutive = 0
		return true
	}
	return false
}

// Consecutive returns the current run of failures.
func (p *FaultPolicy) Consecutive() int { return p.consecutive }

// Reset clears the failure run.
func (p *FaultPolicy) Reset() { p.consecutive = 0 }

// retryDecision is what the session does after a failed attempt.
type retryDecision int

const (
	stayInError retryDecision = iota
	retryLater
	giveUp
)

// RetryPolicy bounds automatic reconnection for one connect request.
type RetryPolicy struct {
	MaxRetries int
	count      int
}

// next records a failure of kind and decides what happens next.
func (p *RetryPolicy) next(kind ErrorKind) retryDecision {
	if !kind.Retryable() {
		return stayInError
	}
	p.count++
	if p.count >= p.MaxRetries {
		p.count = 0
		return giveUp
	}
	return retryLater
}

// Count returns how many retryable failures the current request has seen.
func (p *RetryPolicy) Count() int { return p.count }

// Reset starts a fresh request.
func (p *RetryPolicy) Reset() { p.count = 0 }
