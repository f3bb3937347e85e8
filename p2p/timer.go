package p2p

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
)

var (
	ErrTimerExists   = errors.New("p2p: timer exists")
	ErrTimerInterval = errors.New("p2p: invalid timer interval")
	ErrTimersClosed  = errors.New("p2p: timers closed")
)

type timerKey struct {
	extension string
	token     TimerToken
}

// timerService turns recurring tickers into timeout events posted to the
// owning extension's queue, next to its network events.
type timerService struct {
	sync.Mutex
	clock   clock.Clock
	tickers map[timerKey]*clock.Ticker
	post    func(extension string, token TimerToken) bool
	quit    chan struct{}
	closed  bool
	wg      sync.WaitGroup
}

func newTimerService(clk clock.Clock, post func(string, TimerToken) bool) *timerService {
	return &timerService{
		clock:   clk,
		tickers: make(map[timerKey]*clock.Ticker),
		post:    post,
		quit:    make(chan struct{}),
	}
}

func (s *timerService) set(extension string, token TimerToken, interval time.Duration) error {
	if interval <= 0 {
		return fmt.Errorf("%w: %s", ErrTimerInterval, interval)
	}

	s.Lock()
	defer s.Unlock()

	if s.closed {
		return ErrTimersClosed
	}
	key := timerKey{extension, token}
	if s.tickers[key] != nil {
		return fmt.Errorf("%w: %s %d", ErrTimerExists, extension, token)
	}
	ticker := s.clock.Ticker(interval)
	s.tickers[key] = ticker

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		for {
			select {
			case <-s.quit:
				return
			case <-ticker.C:
				if !s.post(extension, token) {
					return
				}
			}
		}
	}()
	return nil
}

func (s *timerService) close() {
	s.Lock()
	if s.closed {
		s.Unlock()
		return
	}
	s.closed = true
	for _, t := range s.tickers {
		t.Stop()
	}
	close(s.quit)
	s.Unlock()

	s.wg.Wait()
}
