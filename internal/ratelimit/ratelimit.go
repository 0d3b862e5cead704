package ratelimit

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// Limiter is a token bucket refilled at a fixed rate per second.
type Limiter struct {
	lim *rate.Limiter
}

func NewLimiter(perSecond float64, burst int) *Limiter {
	return &Limiter{lim: rate.NewLimiter(rate.Limit(perSecond), burst)}
}

func (l *Limiter) Allow() bool {
	return l.lim.Allow()
}

// KeyedLimiters hands out one Limiter per key, e.g. per remote address.
type KeyedLimiters struct {
	limiters        map[string]*entry
	rate            float64
	burst           int
	mu              sync.Mutex
	idleTTL         time.Duration
	cleanupInterval time.Duration
	stop            chan struct{}
	stopOnce        sync.Once
}

type entry struct {
	limiter  *Limiter
	lastSeen time.Time
}

func NewKeyedLimiters(perSecond float64, burst int) *KeyedLimiters {
	kl := &KeyedLimiters{
		limiters:        make(map[string]*entry),
		rate:            perSecond,
		burst:           burst,
		idleTTL:         10 * time.Minute,
		cleanupInterval: 5 * time.Minute,
		stop:            make(chan struct{}),
	}
	go kl.cleanup()
	return kl
}

func (kl *KeyedLimiters) get(key string) *Limiter {
	kl.mu.Lock()
	defer kl.mu.Unlock()

	if e, ok := kl.limiters[key]; ok {
		e.lastSeen = time.Now()
		return e.limiter
	}

	l := NewLimiter(kl.rate, kl.burst)
	kl.limiters[key] = &entry{limiter: l, lastSeen: time.Now()}
	return l
}

func (kl *KeyedLimiters) Allow(key string) bool {
	return kl.get(key).Allow()
}

func (kl *KeyedLimiters) size() int {
	kl.mu.Lock()
	defer kl.mu.Unlock()
	return len(kl.limiters)
}

func (kl *KeyedLimiters) Stop() {
	kl.stopOnce.Do(func() { close(kl.stop) })
}

func (kl *KeyedLimiters) cleanup() {
	ticker := time.NewTicker(kl.cleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-kl.stop:
			return
		case now := <-ticker.C:
			kl.evictIdle(now)
		}
	}
}

func (kl *KeyedLimiters) evictIdle(now time.Time) {
	kl.mu.Lock()
	defer kl.mu.Unlock()
	for key, e := range kl.limiters {
		if now.Sub(e.lastSeen) > kl.idleTTL {
			delete(kl.limiters, key)
		}
	}
}
