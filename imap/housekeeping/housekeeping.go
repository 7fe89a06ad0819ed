// Package housekeeping runs the frontend's periodic maintenance:
// tombstone purges on the cache-purge-every "MM HH DOW" schedule,
// bounded by cache-removed-id-ttl.
package housekeeping

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Housekeeper runs periodic maintenance against the frontend's own
// state (imap/uidindex's DeletionLog tombstones). imapfrontd's main.go
// wires a concrete Housekeeper around imap/uidindex.Store.PurgeTombstones
// on a Schedule; this package only names the seam.
type Housekeeper interface {
	// Purge removes bookkeeping older than ttl, returning how many
	// records were dropped.
	Purge(ctx context.Context, ttl time.Duration) (removed int, err error)
}

// UIDIndexPurger adapts imap/uidindex.Store's PurgeTombstones method to
// the Housekeeper interface without imap/uidindex importing this package
// (housekeeping is the higher-level, optional concern).
type UIDIndexPurger struct {
	Purger interface {
		PurgeTombstones(ctx context.Context, ttl time.Duration) (int, error)
	}
}

func (p UIDIndexPurger) Purge(ctx context.Context, ttl time.Duration) (int, error) {
	return p.Purger.PurgeTombstones(ctx, ttl)
}

// Schedule is a cron-like "MM HH DOW" triplet: minute, hour and day of
// week, each either a number or "*". A -1 field matches every value.
type Schedule struct {
	Minute    int // 0-59, or -1
	Hour      int // 0-23, or -1
	DayOfWeek int // 0-6, Sunday = 0, or -1
}

// ParseSchedule parses the cache-purge-every flag's "MM HH DOW" form,
// e.g. "30 3 *" for 03:30 every day or "0 4 0" for 04:00 on Sundays.
func ParseSchedule(s string) (Schedule, error) {
	fields := strings.Fields(s)
	if len(fields) != 3 {
		return Schedule{}, fmt.Errorf("housekeeping: schedule %q: want \"MM HH DOW\"", s)
	}
	parse := func(field string, max int) (int, error) {
		if field == "*" {
			return -1, nil
		}
		v, err := strconv.Atoi(field)
		if err != nil || v < 0 || v > max {
			return 0, fmt.Errorf("housekeeping: schedule %q: bad field %q", s, field)
		}
		return v, nil
	}
	var sched Schedule
	var err error
	if sched.Minute, err = parse(fields[0], 59); err != nil {
		return Schedule{}, err
	}
	if sched.Hour, err = parse(fields[1], 23); err != nil {
		return Schedule{}, err
	}
	if sched.DayOfWeek, err = parse(fields[2], 6); err != nil {
		return Schedule{}, err
	}
	return sched, nil
}

// Next returns the first instant after now matching the schedule. A
// fully wild schedule fires on the next whole minute.
func (s Schedule) Next(now time.Time) time.Time {
	t := now.Truncate(time.Minute).Add(time.Minute)
	// A week of minutes bounds the scan: every well-formed schedule
	// matches at least once per week.
	for i := 0; i < 8*24*60; i++ {
		if (s.Minute == -1 || t.Minute() == s.Minute) &&
			(s.Hour == -1 || t.Hour() == s.Hour) &&
			(s.DayOfWeek == -1 || int(t.Weekday()) == s.DayOfWeek) {
			return t
		}
		t = t.Add(time.Minute)
	}
	return t
}

// Run drives a Housekeeper at each of sched's fire times until ctx is
// canceled.
func Run(ctx context.Context, h Housekeeper, sched Schedule, ttl time.Duration, logf func(format string, v ...interface{})) {
	for {
		t := time.NewTimer(time.Until(sched.Next(time.Now())))
		select {
		case <-ctx.Done():
			t.Stop()
			return
		case <-t.C:
			removed, err := h.Purge(ctx, ttl)
			if err != nil {
				if logf != nil {
					logf("housekeeping: purge: %v", err)
				}
				continue
			}
			if removed > 0 && logf != nil {
				logf("housekeeping: purged %d stale records", removed)
			}
		}
	}
}
