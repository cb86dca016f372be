package rule

import "time"

// Matcher selects the rules a tick should run.
// Every rule is evaluated in the same Location; mixing zones is not supported.
type Matcher struct {
	Location *time.Location
}

// NewMatcher creates a matcher for the reference timezone (UTC when nil)
func NewMatcher(loc *time.Location) *Matcher {
	if loc == nil {
		loc = time.UTC
	}
	return &Matcher{Location: loc}
}

// Match returns the active rules whose window contains now and whose
// recurrence includes today. Input order is preserved.
func (m *Matcher) Match(rules []*Rule, now time.Time) []*Rule {
	local := now.In(m.Location)
	minute := local.Hour()*60 + local.Minute()

	matched := make([]*Rule, 0, len(rules))
	for _, r := range rules {
		if r == nil || !r.IsActive {
			continue
		}
		if !r.Window.Contains(minute) {
			continue
		}
		if !m.RunsOn(r, local) {
			continue
		}
		matched = append(matched, r)
	}
	return matched
}

// RunsOn reports whether the rule's recurrence includes day (in the reference zone).
// Explicit dates take precedence over weekdays when both are set.
func (m *Matcher) RunsOn(r *Rule, day time.Time) bool {
	local := day.In(m.Location)

	if len(r.Dates) > 0 {
		today := local.Format(DateLayout)
		for _, d := range r.Dates {
			if d == today {
				return true
			}
		}
		return false
	}

	if len(r.Weekdays) == 0 || len(r.Weekdays) >= 7 {
		return true
	}

	wd := int(local.Weekday())
	for _, d := range r.Weekdays {
		if d == wd {
			return true
		}
	}
	return false
}
