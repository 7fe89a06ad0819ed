package housekeeping_test

import (
	"context"
	"testing"
	"time"

	"imapfront/imap/housekeeping"
)

type fakePurger struct {
	calls int
	n     int
	err   error
}

func (f *fakePurger) Purge(ctx context.Context, ttl time.Duration) (int, error) {
	f.calls++
	return f.n, f.err
}

func TestParseSchedule(t *testing.T) {
	tests := []struct {
		in      string
		want    housekeeping.Schedule
		wantErr bool
	}{
		{in: "30 3 *", want: housekeeping.Schedule{Minute: 30, Hour: 3, DayOfWeek: -1}},
		{in: "0 4 0", want: housekeeping.Schedule{Minute: 0, Hour: 4, DayOfWeek: 0}},
		{in: "* * *", want: housekeeping.Schedule{Minute: -1, Hour: -1, DayOfWeek: -1}},
		{in: "61 3 *", wantErr: true},
		{in: "30 24 *", wantErr: true},
		{in: "30 3 7", wantErr: true},
		{in: "30 3", wantErr: true},
		{in: "every hour", wantErr: true},
	}
	for _, test := range tests {
		got, err := housekeeping.ParseSchedule(test.in)
		if test.wantErr {
			if err == nil {
				t.Errorf("ParseSchedule(%q) succeeded, want error", test.in)
			}
			continue
		}
		if err != nil {
			t.Errorf("ParseSchedule(%q): %v", test.in, err)
			continue
		}
		if got != test.want {
			t.Errorf("ParseSchedule(%q) = %+v, want %+v", test.in, got, test.want)
		}
	}
}

func TestScheduleNext(t *testing.T) {
	base := time.Date(2018, time.October, 11, 2, 42, 34, 0, time.UTC) // a Thursday
	tests := []struct {
		sched housekeeping.Schedule
		want  time.Time
	}{
		{
			sched: housekeeping.Schedule{Minute: 30, Hour: 3, DayOfWeek: -1},
			want:  time.Date(2018, time.October, 11, 3, 30, 0, 0, time.UTC),
		},
		{
			sched: housekeeping.Schedule{Minute: 0, Hour: 1, DayOfWeek: -1},
			want:  time.Date(2018, time.October, 12, 1, 0, 0, 0, time.UTC),
		},
		{
			sched: housekeeping.Schedule{Minute: 0, Hour: 4, DayOfWeek: 0},
			want:  time.Date(2018, time.October, 14, 4, 0, 0, 0, time.UTC),
		},
		{
			sched: housekeeping.Schedule{Minute: -1, Hour: -1, DayOfWeek: -1},
			want:  time.Date(2018, time.October, 11, 2, 43, 0, 0, time.UTC),
		},
	}
	for _, test := range tests {
		if got := test.sched.Next(base); !got.Equal(test.want) {
			t.Errorf("%+v.Next(%v) = %v, want %v", test.sched, base, got, test.want)
		}
	}
}

func TestRunStopsOnContextCancel(t *testing.T) {
	f := &fakePurger{n: 3}
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan struct{})
	go func() {
		// A fully wild schedule fires on the next whole minute; the
		// cancellation below must win the race.
		housekeeping.Run(ctx, f, housekeeping.Schedule{Minute: -1, Hour: -1, DayOfWeek: -1}, time.Hour, nil)
		close(done)
	}()

	time.Sleep(10 * time.Millisecond)
	cancel()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Run did not stop after context cancellation")
	}
}

type fakeUIDIndex struct{ n int }

func (f *fakeUIDIndex) PurgeTombstones(ctx context.Context, ttl time.Duration) (int, error) {
	return f.n, nil
}

func TestUIDIndexPurgerAdapts(t *testing.T) {
	p := housekeeping.UIDIndexPurger{Purger: &fakeUIDIndex{n: 7}}
	n, err := p.Purge(context.Background(), time.Hour)
	if err != nil || n != 7 {
		t.Fatalf("Purge() = %d, %v; want 7, nil", n, err)
	}
}
