package sluice

import (
	"runtime"
	"time"

	"github.com/benbjohnson/clock"
)

// idleStrategy paces the poll task when the transport has nothing to hand
// over: a few immediate retries, then yields, then parks with a doubling
// duration capped at maxPark. Parking ends early when wake fires.
type idleStrategy struct {
	clock   clock.Clock
	spins   int
	yields  int
	minPark time.Duration
	maxPark time.Duration

	idles int
	park  time.Duration
}

func newIdleStrategy(c clock.Clock, config Config) *idleStrategy {
	return &idleStrategy{
		clock:   c,
		spins:   config.IdleSpins,
		yields:  config.IdleYields,
		minPark: config.IdleMinPark,
		maxPark: config.IdleMaxPark,
	}
}

func (s *idleStrategy) Wait(wake <-chan struct{}) {
	s.idles++
	switch {
	case s.idles <= s.spins:
		return
	case s.idles <= s.spins+s.yields:
		runtime.Gosched()
		return
	}

	if s.park == 0 {
		s.park = s.minPark
	}
	select {
	case <-wake:
	case <-s.clock.After(s.park):
	}
	s.park = min(s.park*2, s.maxPark)
}

func (s *idleStrategy) Reset() {
	s.idles = 0
	s.park = 0
}
