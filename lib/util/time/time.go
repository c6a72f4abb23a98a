// Package time provides the router clock. Wall time can be offset by a
// one-shot NTP probe so RC timestamps stay sane on hosts with broken
// clocks.
package time

import (
	"sync/atomic"
	"time"

	"github.com/beevik/ntp"

	"github.com/go-lokinet/go-lokinet/lib/util/logger"
)

var log = logger.GetLogger()

// DefaultNTPHost is queried by SyncClock.
const DefaultNTPHost = "pool.ntp.org"

var offsetMillis atomic.Int64

// SyncClock queries an NTP server once and records the measured clock
// offset. Failure is logged and ignored; the local clock is used as-is.
func SyncClock(host string) {
	if host == "" {
		host = DefaultNTPHost
	}
	resp, err := ntp.Query(host)
	if err != nil {
		log.WithError(err).WithField("host", host).Warn("ntp query failed, using local clock")
		return
	}
	if err := resp.Validate(); err != nil {
		log.WithError(err).Warn("ntp response invalid, using local clock")
		return
	}
	offsetMillis.Store(resp.ClockOffset.Milliseconds())
	log.WithField("offset_ms", resp.ClockOffset.Milliseconds()).Debug("clock synchronized")
}

// Now returns skew-corrected wall time.
func Now() time.Time {
	return time.Now().Add(time.Duration(offsetMillis.Load()) * time.Millisecond)
}

// NowMilli returns skew-corrected milliseconds since the epoch, the unit
// every wire timestamp uses.
func NowMilli() uint64 {
	return uint64(Now().UnixMilli())
}
