package bizconfig

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/md-rashed-zaman/slotkeeper/services/reservation-service/internal/model"
)

// File is the on-disk seed format: a list of business documents.
type File struct {
	Businesses []Document `yaml:"businesses" json:"businesses"`
}

// Document is the human-edited form of a Schedule, shared by the YAML seed file, the Postgres store and
// the Redis cache.
type Document struct {
	BusinessID         string        `yaml:"id" json:"id"`
	Timezone           string        `yaml:"timezone" json:"timezone"`
	CancellationPolicy []RuleDoc     `yaml:"cancellation_policy" json:"cancellation_policy"`
	Holidays           []string      `yaml:"holidays" json:"holidays,omitempty"`
	Blocks             []BlockDoc    `yaml:"blocks" json:"blocks,omitempty"`
	Services           []ServiceDoc  `yaml:"services" json:"services"`
	Resources          []ResourceDoc `yaml:"resources" json:"resources"`
	Version            int64         `yaml:"-" json:"version,omitempty"`
}

type RuleDoc struct {
	MinNotice     string `yaml:"min_notice" json:"min_notice"`
	RefundPercent int    `yaml:"refund_percent" json:"refund_percent"`
}

type BlockDoc struct {
	Start  string `yaml:"start" json:"start"`
	End    string `yaml:"end" json:"end"`
	Reason string `yaml:"reason" json:"reason,omitempty"`
}

type ServiceDoc struct {
	ID            string `yaml:"id" json:"id"`
	Duration      string `yaml:"duration" json:"duration"`
	BufferBefore  string `yaml:"buffer_before" json:"buffer_before,omitempty"`
	BufferAfter   string `yaml:"buffer_after" json:"buffer_after,omitempty"`
	SlotStep      string `yaml:"slot_step" json:"slot_step,omitempty"`
	MaxConcurrent int    `yaml:"max_concurrent" json:"max_concurrent,omitempty"`
	MinOccupancy  int    `yaml:"min_occupancy" json:"min_occupancy,omitempty"`
	GroupMaxSize  int    `yaml:"group_max_size" json:"group_max_size,omitempty"`
}

type ResourceDoc struct {
	ID           string     `yaml:"id" json:"id"`
	Services     []string   `yaml:"services" json:"services"`
	WorkingHours []HoursDoc `yaml:"working_hours" json:"working_hours"`
	Blocks       []BlockDoc `yaml:"blocks" json:"blocks,omitempty"`
}

// HoursDoc is a working period ("09:00" to "17:00") repeated on the listed weekdays.
type HoursDoc struct {
	Days  []string `yaml:"days" json:"days"`
	Start string   `yaml:"start" json:"start"`
	End   string   `yaml:"end" json:"end"`
}

// Parse validates a document. Malformed entries are dropped and reported as warnings so a single bad
// line never takes a business offline; only a missing id is fatal. An unknown timezone falls back to UTC.
func Parse(doc Document) (Schedule, []error) {
	var warns []error
	warn := func(format string, args ...any) { warns = append(warns, fmt.Errorf(format, args...)) }

	sched := Schedule{
		BusinessID: strings.TrimSpace(doc.BusinessID),
		Location:   time.UTC,
		Services:   map[string]Service{},
		Holidays:   map[string]bool{},
		Version:    doc.Version,
	}
	if sched.BusinessID == "" {
		return Schedule{}, []error{fmt.Errorf("business id is required")}
	}

	if tz := strings.TrimSpace(doc.Timezone); tz != "" {
		loc, err := time.LoadLocation(tz)
		if err != nil {
			warn("timezone %q: %v, using UTC", tz, err)
		} else {
			sched.Location = loc
		}
	}

	for _, r := range doc.CancellationPolicy {
		notice, err := parseDuration(r.MinNotice)
		if err != nil {
			warn("cancellation rule %q: %v", r.MinNotice, err)
			continue
		}
		if r.RefundPercent < 0 || r.RefundPercent > 100 {
			warn("cancellation rule %q: refund percent %d out of range", r.MinNotice, r.RefundPercent)
			continue
		}
		sched.Policy.Rules = append(sched.Policy.Rules, model.RefundRule{MinNotice: notice, RefundPercent: r.RefundPercent})
	}

	for _, h := range doc.Holidays {
		day, err := time.Parse(time.DateOnly, strings.TrimSpace(h))
		if err != nil {
			warn("holiday %q: %v", h, err)
			continue
		}
		sched.Holidays[day.Format(time.DateOnly)] = true
	}

	sched.Blocks = parseBlocks(doc.Blocks, warn)

	for _, s := range doc.Services {
		svc, err := parseService(s)
		if err != nil {
			warn("service %q: %v", s.ID, err)
			continue
		}
		sched.Services[svc.ID] = svc
	}

	for _, r := range doc.Resources {
		id := strings.TrimSpace(r.ID)
		if id == "" {
			warn("resource without id")
			continue
		}
		res := Resource{ID: id, Hours: map[time.Weekday][]Span{}}
		for _, sid := range r.Services {
			sid = strings.TrimSpace(sid)
			if _, ok := sched.Services[sid]; !ok {
				warn("resource %q: unknown service %q", id, sid)
				continue
			}
			res.ServiceIDs = append(res.ServiceIDs, sid)
		}
		for _, wh := range r.WorkingHours {
			span, err := parseSpan(wh.Start, wh.End)
			if err != nil {
				warn("resource %q hours %s-%s: %v", id, wh.Start, wh.End, err)
				continue
			}
			for _, d := range wh.Days {
				wd, err := parseWeekday(d)
				if err != nil {
					warn("resource %q: %v", id, err)
					continue
				}
				res.Hours[wd] = append(res.Hours[wd], span)
			}
		}
		res.Blocks = parseBlocks(r.Blocks, warn)
		sched.Resources = append(sched.Resources, res)
	}
	return sched, warns
}

func parseService(s ServiceDoc) (Service, error) {
	svc := Service{
		ID:            strings.TrimSpace(s.ID),
		MaxConcurrent: s.MaxConcurrent,
		MinOccupancy:  s.MinOccupancy,
		GroupMaxSize:  s.GroupMaxSize,
	}
	if svc.ID == "" {
		return Service{}, fmt.Errorf("id is required")
	}
	var err error
	if svc.Duration, err = parseDuration(s.Duration); err != nil || svc.Duration <= 0 {
		return Service{}, fmt.Errorf("duration %q must be positive", s.Duration)
	}
	if svc.BufferBefore, err = parseDuration(s.BufferBefore); err != nil || svc.BufferBefore < 0 {
		return Service{}, fmt.Errorf("buffer_before %q", s.BufferBefore)
	}
	if svc.BufferAfter, err = parseDuration(s.BufferAfter); err != nil || svc.BufferAfter < 0 {
		return Service{}, fmt.Errorf("buffer_after %q", s.BufferAfter)
	}
	if svc.SlotStep, err = parseDuration(s.SlotStep); err != nil || svc.SlotStep < 0 {
		return Service{}, fmt.Errorf("slot_step %q", s.SlotStep)
	}
	if svc.MaxConcurrent < 0 || svc.MinOccupancy < 0 || svc.GroupMaxSize < 0 {
		return Service{}, fmt.Errorf("capacity fields must not be negative")
	}
	if svc.MinOccupancy > svc.Capacity() {
		return Service{}, fmt.Errorf("min_occupancy %d exceeds capacity %d", svc.MinOccupancy, svc.Capacity())
	}
	return svc, nil
}

func parseBlocks(docs []BlockDoc, warn func(string, ...any)) []Block {
	var out []Block
	for _, b := range docs {
		start, err1 := time.Parse(time.RFC3339, strings.TrimSpace(b.Start))
		end, err2 := time.Parse(time.RFC3339, strings.TrimSpace(b.End))
		if err1 != nil || err2 != nil || !end.After(start) {
			warn("block %s-%s: invalid interval", b.Start, b.End)
			continue
		}
		out = append(out, Block{Start: start.UTC(), End: end.UTC(), Reason: b.Reason})
	}
	return out
}

// parseDuration accepts Go durations; empty means zero.
func parseDuration(raw string) (time.Duration, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return 0, nil
	}
	return time.ParseDuration(raw)
}

func parseSpan(start, end string) (Span, error) {
	s, err := parseClock(start)
	if err != nil {
		return Span{}, err
	}
	e, err := parseClock(end)
	if err != nil {
		return Span{}, err
	}
	if e <= s {
		return Span{}, fmt.Errorf("end must be after start")
	}
	return Span{StartMinute: s, EndMinute: e}, nil
}

// parseClock reads "HH:MM"; "24:00" is allowed as an end of day.
func parseClock(raw string) (int, error) {
	h, m, ok := strings.Cut(strings.TrimSpace(raw), ":")
	if !ok {
		return 0, fmt.Errorf("time %q must be HH:MM", raw)
	}
	hh, err1 := strconv.Atoi(h)
	mm, err2 := strconv.Atoi(m)
	if err1 != nil || err2 != nil || hh < 0 || mm < 0 || mm > 59 || hh > 24 || (hh == 24 && mm != 0) {
		return 0, fmt.Errorf("time %q out of range", raw)
	}
	return hh*60 + mm, nil
}

var weekdays = map[string]time.Weekday{
	"sun": time.Sunday, "sunday": time.Sunday,
	"mon": time.Monday, "monday": time.Monday,
	"tue": time.Tuesday, "tuesday": time.Tuesday,
	"wed": time.Wednesday, "wednesday": time.Wednesday,
	"thu": time.Thursday, "thursday": time.Thursday,
	"fri": time.Friday, "friday": time.Friday,
	"sat": time.Saturday, "saturday": time.Saturday,
}

func parseWeekday(raw string) (time.Weekday, error) {
	wd, ok := weekdays[strings.ToLower(strings.TrimSpace(raw))]
	if !ok {
		return 0, fmt.Errorf("unknown weekday %q", raw)
	}
	return wd, nil
}
