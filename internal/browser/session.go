package browser

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

var (
	ErrTimeout           = errors.New("browser operation timed out")
	ErrNavigationTimeout = errors.New("navigation timed out")
	ErrNavigationFailed  = errors.New("navigation failed")
	ErrSessionClosed     = errors.New("browser session closed")
)

// RawPage describes where a navigation landed.
type RawPage struct {
	RequestedURL string
	URL          string
	Elapsed      time.Duration
}

// Session is the single long-lived browsing context. Navigation is serialized
// through Borrow; a borrower owns the page until it releases its lease.
type Session struct {
	ID     string
	page   Page
	closer io.Closer
	logger *slog.Logger

	lock      chan struct{}
	done      chan struct{}
	closeOnce sync.Once
	closeErr  error

	lost     chan struct{}
	lostOnce sync.Once
}

// idler is implemented by pages whose calls can keep running after the
// caller's context ended.
type idler interface {
	Idle() <-chan struct{}
}

// closeNotifier is implemented by pages that learn when the browser window,
// tab or context was closed outside the engine.
type closeNotifier interface {
	Gone() <-chan struct{}
}

// NewSession wraps an already-open page. closer, if not nil, is closed with
// the session.
func NewSession(page Page, closer io.Closer, logger *slog.Logger) *Session {
	if logger == nil {
		logger = slog.Default()
	}
	id := uuid.New().String()
	return &Session{
		ID:     id,
		page:   page,
		closer: closer,
		logger: logger.With("component", "session", "session_id", id),
		lock:   make(chan struct{}, 1),
		done:   make(chan struct{}),
		lost:   make(chan struct{}),
	}
}

// Borrow blocks until the navigation lock is free, ctx ends or the session
// closes.
func (s *Session) Borrow(ctx context.Context) (*Lease, error) {
	if s.Closed() || s.Lost() {
		return nil, ErrSessionClosed
	}

	select {
	case s.lock <- struct{}{}:
		select {
		case <-s.done:
			<-s.lock
			return nil, ErrSessionClosed
		default:
		}
		return &Lease{session: s, acquired: time.Now()}, nil
	case <-s.done:
		return nil, ErrSessionClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (s *Session) Closed() bool {
	select {
	case <-s.done:
		return true
	default:
		return false
	}
}

// Lost reports whether the browser behind the session is gone, either closed
// by hand or found dead by a failed call. A lost session is replaced by the
// next Manager.Acquire.
func (s *Session) Lost() bool {
	select {
	case <-s.lost:
		return true
	default:
	}
	if n, ok := s.page.(closeNotifier); ok {
		select {
		case <-n.Gone():
			return true
		default:
		}
	}
	return false
}

func (s *Session) markLost(err error) {
	s.lostOnce.Do(func() {
		close(s.lost)
		s.logger.Warn("browser session lost", "error", err)
	})
}

func (s *Session) Close() error {
	s.closeOnce.Do(func() {
		close(s.done)
		var errs []error
		if s.page != nil {
			if err := s.page.Close(); err != nil {
				errs = append(errs, fmt.Errorf("failed to close page: %w", err))
			}
		}
		if s.closer != nil {
			if err := s.closer.Close(); err != nil {
				errs = append(errs, err)
			}
		}
		s.closeErr = errors.Join(errs...)
		s.logger.Info("session closed")
	})
	return s.closeErr
}

// Lease grants exclusive use of the session page until Release.
type Lease struct {
	session  *Session
	acquired time.Time
	once     sync.Once
}

func (l *Lease) Page() Page {
	return l.session.page
}

// Release returns the navigation lock. It is safe to call more than once.
// If a browser call the holder stopped waiting for is still running, the lock
// is handed back only once that call returns or the session closes.
func (l *Lease) Release() {
	l.once.Do(func() {
		s := l.session
		if p, ok := s.page.(idler); ok {
			idle := p.Idle()
			select {
			case <-idle:
			default:
				s.logger.Debug("page call still running, deferring lock release")
				go func() {
					select {
					case <-idle:
					case <-s.done:
					}
					<-s.lock
				}()
				return
			}
		}
		<-s.lock
		s.logger.Debug("lease released", "held", time.Since(l.acquired))
	})
}

// Navigate loads url and waits for the readiness condition. Timeouts map to
// ErrNavigationTimeout, other load failures to ErrNavigationFailed. A context
// error is returned as is.
func (l *Lease) Navigate(ctx context.Context, url string, wait WaitPolicy) (*RawPage, error) {
	if l.session.Closed() {
		return nil, ErrSessionClosed
	}

	start := time.Now()
	err := l.session.page.Goto(ctx, url, wait)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		if isTargetClosed(err) {
			l.session.markLost(err)
			return nil, fmt.Errorf("%w: %v", ErrSessionClosed, err)
		}
		if errors.Is(err, ErrTimeout) {
			l.session.logger.Warn("navigation timed out", "url", url, "elapsed", time.Since(start))
			return nil, fmt.Errorf("%w: %s", ErrNavigationTimeout, url)
		}
		l.session.logger.Error("navigation failed", "url", url, "error", err)
		return nil, fmt.Errorf("%w: %s: %v", ErrNavigationFailed, url, err)
	}

	raw := &RawPage{
		RequestedURL: url,
		URL:          l.session.page.URL(),
		Elapsed:      time.Since(start),
	}
	l.session.logger.Debug("navigated", "url", url, "landed", raw.URL, "elapsed", raw.Elapsed)
	return raw, nil
}
