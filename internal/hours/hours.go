package hours

import "time"

const (
	DefaultStart = 8
	DefaultEnd   = 21
)

// Window allows sends when Start <= hour < End. A nil Location means the
// process local zone.
type Window struct {
	Start    int
	End      int
	Location *time.Location
}

func Default() Window {
	return Window{Start: DefaultStart, End: DefaultEnd}
}

func (w Window) Open(t time.Time) bool {
	if w.Location != nil {
		t = t.In(w.Location)
	}
	return w.OpenAt(t.Hour())
}

func (w Window) OpenAt(hour int) bool {
	return hour >= w.Start && hour < w.End
}
