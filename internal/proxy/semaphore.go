package proxy

// Semaphore caps in-flight requests per upstream service. A nil channel
// means unbounded.
type Semaphore struct {
	ch chan struct{}
}

func NewSemaphore(maxInFlight int) *Semaphore {
	if maxInFlight <= 0 {
		return &Semaphore{ch: nil}
	}
	return &Semaphore{ch: make(chan struct{}, maxInFlight)}
}

func (s *Semaphore) Enabled() bool { return s != nil && s.ch != nil }

func (s *Semaphore) Cap() int {
	if s == nil || s.ch == nil {
		return 0
	}
	return cap(s.ch)
}

func (s *Semaphore) InUse() int {
	if s == nil || s.ch == nil {
		return 0
	}
	return len(s.ch)
}

func (s *Semaphore) TryAcquire() bool {
	if s == nil || s.ch == nil {
		return true
	}
	select {
	case s.ch <- struct{}{}:
		return true
	default:
		return false
	}
}

func (s *Semaphore) Release() {
	if s == nil || s.ch == nil {
		return
	}
	select {
	case <-s.ch:
	default:
	}
}
