package server

import (
	"net"
	"time"

	gocache "github.com/patrickmn/go-cache"
)

// Leaky-bucket limiting for out-of-band handshake traffic. Each requesting
// address gets its own bucket, held in a TTL cache so idle attackers don't
// pin memory, plus one global bucket bounding our own outbound replies.
type leakyBucket struct {
	lastTime int64
	burst    int
}

const (
	// One request allowed per period, with a small burst allowance.
	addressLimitPeriod = 1000 // ms
	addressLimitBurst  = 10
	outboundPeriod     = 100 // ms
	outboundBurst      = 10

	bucketTTL = 2 * time.Minute
)

type handshakeLimiter struct {
	buckets  *gocache.Cache
	outbound leakyBucket
}

func newHandshakeLimiter() *handshakeLimiter {
	return &handshakeLimiter{
		buckets: gocache.New(bucketTTL, 30*time.Second),
	}
}

func (b *leakyBucket) allow(now int64, period int64, burst int) bool {
	interval := now - b.lastTime
	if interval > period {
		expired := int(interval / period)
		if expired > b.burst {
			expired = b.burst
		}
		b.burst -= expired
		b.lastTime = now - interval%period
	}
	if b.burst < burst {
		b.burst++
		return true
	}
	return false
}

// allowAddress rate limits handshake requests per source address.
func (l *handshakeLimiter) allowAddress(addr *net.UDPAddr, now int64) bool {
	key := addr.IP.String()
	var bucket *leakyBucket
	if v, ok := l.buckets.Get(key); ok {
		bucket = v.(*leakyBucket)
	} else {
		bucket = &leakyBucket{lastTime: now}
		l.buckets.Set(key, bucket, gocache.DefaultExpiration)
	}
	return bucket.allow(now, addressLimitPeriod, addressLimitBurst)
}

// allowOutbound bounds the total rate of out-of-band replies the server is
// willing to emit while being flooded.
func (l *handshakeLimiter) allowOutbound(now int64) bool {
	return l.outbound.allow(now, outboundPeriod, outboundBurst)
}
