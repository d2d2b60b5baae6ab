// Package retention marks backups for keeping or deletion per a
// (days, weeks, months, years) policy and sweeps the unmarked entries.
package retention

import (
	"time"

	"github.com/vbp1/pgbackup/internal/catalog"
)

// Policy mirrors config.RetentionConfig's four knobs.
type Policy struct {
	Days   int
	Weeks  int
	Months int
	Years  int
}

// labelLayout is the "YYYYMMDDhhmmss" label form named in §4.8.
const labelLayout = "20060102150405"

// parseLabel interprets a backup label as a timestamp in loc.
func parseLabel(label string, loc *time.Location) (time.Time, bool) {
	t, err := time.ParseInLocation(labelLayout, label, loc)
	if err != nil {
		return time.Time{}, false
	}
	return t, true
}

// Decision records why one backup was or was not marked for keeping.
type Decision struct {
	Label string
	Keep  bool
	Rule  string
}

// Evaluate marks every entry in entries for keeping or deletion against
// now (interpreted in loc, the server's local timezone), applying the
// five rules in §4.8 in order. entries need not be sorted; the returned
// slice preserves input order.
func Evaluate(entries []*catalog.Entry, now time.Time, loc *time.Location, p Policy, hasChild map[string]bool) []Decision {
	now = now.In(loc)
	decisions := make([]Decision, len(entries))

	windowStart := now.Add(-time.Duration(p.Days) * 24 * time.Hour)

	// Rule 2: latest backup on each of the last `weeks` Mondays.
	weeklyWinners := pickLatestPerBucket(entries, loc, p.Weeks, mondayBucket)
	// Rule 3: latest backup on the 1st of each of the last `months` months.
	monthlyWinners := pickLatestPerBucket(entries, loc, p.Months, firstOfMonthBucket)
	// Rule 4: latest backup on day-of-year 1 for each of the last `years` years.
	yearlyWinners := pickLatestPerBucket(entries, loc, p.Years, firstOfYearBucket)

	for i, e := range entries {
		d := Decision{Label: e.Label}

		if e.Keep || hasChild[e.Label] {
			d.Keep = true
			d.Rule = "explicit_keep_or_child"
			decisions[i] = d
			continue
		}

		t, ok := parseLabel(e.Label, loc)
		if !ok {
			// Unparseable label: never deleted by a sweep that can't
			// reason about it (caller logs and skips per §7).
			d.Keep = true
			d.Rule = "unparseable_label"
			decisions[i] = d
			continue
		}

		if p.Days > 0 && !t.Before(windowStart) {
			d.Keep = true
			d.Rule = "within_days_window"
		} else if p.Weeks > 0 && weeklyWinners[e.Label] {
			d.Keep = true
			d.Rule = "weekly_retained"
		} else if p.Months > 0 && monthlyWinners[e.Label] {
			d.Keep = true
			d.Rule = "monthly_retained"
		} else if p.Years > 0 && yearlyWinners[e.Label] {
			d.Keep = true
			d.Rule = "yearly_retained"
		} else {
			d.Keep = false
			d.Rule = "expired"
		}
		decisions[i] = d
	}
	return decisions
}

// bucketFunc maps a backup's local timestamp to a bucket key, or ok=false
// if the backup doesn't qualify as that bucket's representative at all
// (e.g. not a Monday).
type bucketFunc func(t time.Time, loc *time.Location) (key string, ok bool)

func mondayBucket(t time.Time, loc *time.Location) (string, bool) {
	if t.Weekday() != time.Monday {
		return "", false
	}
	return t.Format("2006-01-02"), true
}

func firstOfMonthBucket(t time.Time, loc *time.Location) (string, bool) {
	if t.Day() != 1 {
		return "", false
	}
	return t.Format("2006-01"), true
}

func firstOfYearBucket(t time.Time, loc *time.Location) (string, bool) {
	if t.YearDay() != 1 {
		return "", false
	}
	return t.Format("2006"), true
}

// pickLatestPerBucket returns the set of labels that are the latest
// backup within each of the last `count` buckets (Mondays, month starts,
// year starts), per rules 2-4 of §4.8.
func pickLatestPerBucket(entries []*catalog.Entry, loc *time.Location, count int, bucket bucketFunc) map[string]bool {
	winners := make(map[string]bool)
	if count <= 0 {
		return winners
	}

	best := make(map[string]bucketCandidate)

	for _, e := range entries {
		t, ok := parseLabel(e.Label, loc)
		if !ok {
			continue
		}
		key, ok := bucket(t, loc)
		if !ok {
			continue
		}
		if cur, exists := best[key]; !exists || t.After(cur.t) {
			best[key] = bucketCandidate{label: e.Label, t: t}
		}
	}

	// Keep only the most recent `count` buckets.
	keys := make([]string, 0, len(best))
	for k := range best {
		keys = append(keys, k)
	}
	sortByCandidateTimeDesc(keys, best)
	if len(keys) > count {
		keys = keys[:count]
	}
	for _, k := range keys {
		winners[best[k].label] = true
	}
	return winners
}

type bucketCandidate struct {
	label string
	t     time.Time
}

func sortByCandidateTimeDesc(keys []string, best map[string]bucketCandidate) {
	for i := 1; i < len(keys); i++ {
		for j := i; j > 0 && best[keys[j]].t.After(best[keys[j-1]].t); j-- {
			keys[j], keys[j-1] = keys[j-1], keys[j]
		}
	}
}
