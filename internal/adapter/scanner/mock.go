package scanner

import (
	"context"
	"sync"

	"bleproxy/internal/domain"
)

// MockScanner is a scripted domain.Scanner for tests and dry runs. Each
// session replays the queued advertisements and then stays open until
// stopped, like a real scan window.
type MockScanner struct {
	mu       sync.Mutex
	adverts  []domain.RawAdvertisement
	startErr error
	endErr   error
	sessions []*MockSession
	closed   bool
}

// NewMockScanner creates a mock scanner that replays adverts on every session.
func NewMockScanner(adverts ...domain.RawAdvertisement) *MockScanner {
	return &MockScanner{adverts: adverts}
}

// FailNextStart makes the next StartScan call return err.
func (m *MockScanner) FailNextStart(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.startErr = err
}

// EndNextScan makes the next session end on its own with err once its
// advertisements are replayed, as a driver does when the adapter goes away.
func (m *MockScanner) EndNextScan(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.endErr = err
}

// StartScan replays the queued advertisements on a driver goroutine.
func (m *MockScanner) StartScan(ctx context.Context, h domain.ScanHandler) (domain.ScanSession, error) {
	m.mu.Lock()
	if err := m.startErr; err != nil {
		m.startErr = nil
		m.mu.Unlock()
		return nil, err
	}
	if m.closed {
		m.mu.Unlock()
		return nil, domain.NewDomainError("MockScanner.StartScan", domain.ErrClosed, "")
	}
	adverts := append([]domain.RawAdvertisement(nil), m.adverts...)
	endErr := m.endErr
	m.endErr = nil
	scanCtx, cancel := context.WithCancel(ctx)
	sess := &MockSession{cancel: cancel, done: make(chan struct{})}
	m.sessions = append(m.sessions, sess)
	m.mu.Unlock()

	go func() {
		defer close(sess.done)
		for _, a := range adverts {
			if scanCtx.Err() != nil {
				return
			}
			h(a)
		}
		if endErr != nil {
			sess.err = endErr
			return
		}
		<-scanCtx.Done()
	}()
	return sess, nil
}

// Sessions returns every session started so far.
func (m *MockScanner) Sessions() []*MockSession {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]*MockSession(nil), m.sessions...)
}

// Active reports whether any session is still scanning.
func (m *MockScanner) Active() bool {
	for _, s := range m.Sessions() {
		if !s.Stopped() {
			return true
		}
	}
	return false
}

// Close marks the scanner closed and stops open sessions.
func (m *MockScanner) Close() error {
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()
	for _, s := range m.Sessions() {
		_ = s.Stop()
	}
	return nil
}

// MockSession is a session started by MockScanner.
type MockSession struct {
	cancel context.CancelFunc
	done   chan struct{}
	err    error

	mu    sync.Mutex
	stops int
}

// Stop ends the session and waits for replay to finish.
func (s *MockSession) Stop() error {
	s.mu.Lock()
	s.stops++
	s.mu.Unlock()
	s.cancel()
	<-s.done
	return s.err
}

// Done is closed when the session's scan has ended.
func (s *MockSession) Done() <-chan struct{} { return s.done }

// StopCalls returns how many times Stop was called.
func (s *MockSession) StopCalls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stops
}

// Stopped reports whether the session's scan has ended.
func (s *MockSession) Stopped() bool {
	select {
	case <-s.done:
		return true
	default:
		return false
	}
}

var _ domain.Scanner = (*MockScanner)(nil)
