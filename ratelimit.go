package dualauth

import (
	"fmt"
	"math"
	"net/http"
	"sync"
	"time"
)

// rateLimiter is a leaky bucket per name. Names combine an operation with a
// client address or username.
type rateLimiter struct {
	mutex   sync.Mutex
	records map[string]*rateRecord

	// proxies allowed to report the client address
	trustedProxies []string

	// the last time we checked for old records
	lastCheck float64
}

func newRateLimiter(trustedProxies []string) *rateLimiter {
	return &rateLimiter{
		records:        make(map[string]*rateRecord),
		trustedProxies: trustedProxies,
	}
}

type rateRecord struct {
	rate   float64
	period float64
	at     float64
	value  float64
}

func (r *rateLimiter) removeExpired(now float64) {
	// only call when locked

	// ten minutes
	if now-r.lastCheck < 10*60 {
		return
	}
	r.lastCheck = now

	for name, rec := range r.records {
		rec.update(now)
		if rec.value == 0 {
			delete(r.records, name)
		}
	}
}

func (r *rateLimiter) getRecord(name string, rate, period, now float64) *rateRecord {
	rec := r.records[name]
	if rec == nil {
		rec = &rateRecord{rate: rate, period: period, at: now}
		r.records[name] = rec
	} else {
		rec.update(now)
	}
	return rec
}

// allow reports whether every named bucket has room for cost, and if so
// charges all of them.
func (r *rateLimiter) allow(names []string, cost, rate float64, periodTime time.Duration) bool {
	r.mutex.Lock()
	defer r.mutex.Unlock()

	now := float64(now().UnixNano()) / float64(time.Second)
	r.removeExpired(now)
	period := periodTime.Seconds()

	records := make([]*rateRecord, len(names))
	for i, name := range names {
		records[i] = r.getRecord(name, rate, period, now)
		if records[i].value+cost > records[i].rate {
			return false
		}
	}

	for _, rec := range records {
		rec.value += cost
	}
	return true
}

func (record *rateRecord) update(now float64) {
	elapsed := now - record.at

	// leaky bucket algorithm
	record.value = math.Max(0, record.value-elapsed*record.rate/
		record.period)
	record.at = now
}

// limit charges operation against the client address and, when given, the
// user. It returns ErrRateLimited once either bucket is full.
func (r *rateLimiter) limit(operation string, req *http.Request, user string, rate float64, period time.Duration) error {
	names := []string{operation + ":ip:" + GetIPAddress(req, r.trustedProxies)}
	if user != "" {
		names = append(names, operation+":user:"+user)
	}

	if !r.allow(names, 1, rate, period) {
		return newError(KindRateLimited, fmt.Errorf("%s limit reached", operation))
	}
	return nil
}
