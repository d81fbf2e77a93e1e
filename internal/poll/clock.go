package poll

import (
	"time"

	"github.com/jonboulle/clockwork"
)

// Clock is the subset of clockwork.Clock the poller needs. Production code
// uses Real; tests substitute a fake.
type Clock interface {
	Now() time.Time
	After(d time.Duration) <-chan time.Time
}

// Real returns the wall clock.
func Real() Clock { return clockwork.NewRealClock() }
