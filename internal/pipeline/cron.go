package pipeline

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// cronField is the set of values a single field matches.
type cronField struct {
	any  bool
	bits uint64
}

func (f cronField) matches(v int) bool {
	return f.any || f.bits&(1<<uint(v)) != 0
}

// Schedule is a parsed 5-field cron expression:
// "minute hour day-of-month month day-of-week".
//
// Each field accepts "*", a number, a range "1-5", a step "*/15" or "1-30/5",
// and comma-separated lists of those. Day-of-week 7 is Sunday like 0. When
// both day fields are restricted, a time matches if either one does.
type Schedule struct {
	minute, hour, dom, month, dow cronField
	expr                          string
}

type fieldBounds struct {
	name     string
	min, max int
}

var cronBounds = [5]fieldBounds{
	{"minute", 0, 59},
	{"hour", 0, 23},
	{"day-of-month", 1, 31},
	{"month", 1, 12},
	{"day-of-week", 0, 7},
}

// ParseSchedule parses a cron expression.
func ParseSchedule(expr string) (Schedule, error) {
	parts := strings.Fields(expr)
	if len(parts) != 5 {
		return Schedule{}, fmt.Errorf("cron: %q: expected 5 fields, got %d", expr, len(parts))
	}
	var fields [5]cronField
	for i, p := range parts {
		f, err := parseCronField(p, cronBounds[i])
		if err != nil {
			return Schedule{}, fmt.Errorf("cron: %q: %w", expr, err)
		}
		fields[i] = f
	}
	// Fold Sunday=7 onto 0.
	if fields[4].bits&(1<<7) != 0 {
		fields[4].bits |= 1
	}
	return Schedule{
		minute: fields[0],
		hour:   fields[1],
		dom:    fields[2],
		month:  fields[3],
		dow:    fields[4],
		expr:   expr,
	}, nil
}

func parseCronField(s string, b fieldBounds) (cronField, error) {
	if s == "*" {
		return cronField{any: true}, nil
	}
	var f cronField
	for _, item := range strings.Split(s, ",") {
		lo, hi, step := b.min, b.max, 1

		rangePart, stepPart, hasStep := strings.Cut(item, "/")
		if hasStep {
			n, err := strconv.Atoi(stepPart)
			if err != nil || n < 1 {
				return cronField{}, fmt.Errorf("%s: bad step %q", b.name, stepPart)
			}
			step = n
		}

		switch {
		case rangePart == "*":
		case strings.Contains(rangePart, "-"):
			a, z, _ := strings.Cut(rangePart, "-")
			var err error
			if lo, err = strconv.Atoi(a); err != nil {
				return cronField{}, fmt.Errorf("%s: bad value %q", b.name, a)
			}
			if hi, err = strconv.Atoi(z); err != nil {
				return cronField{}, fmt.Errorf("%s: bad value %q", b.name, z)
			}
		default:
			v, err := strconv.Atoi(rangePart)
			if err != nil {
				return cronField{}, fmt.Errorf("%s: bad value %q", b.name, rangePart)
			}
			lo = v
			if !hasStep {
				hi = v
			}
		}

		if lo < b.min || hi > b.max || lo > hi {
			return cronField{}, fmt.Errorf("%s: %q out of range %d-%d", b.name, item, b.min, b.max)
		}
		for v := lo; v <= hi; v += step {
			f.bits |= 1 << uint(v)
		}
	}
	return f, nil
}

func (s Schedule) matchesDay(t time.Time) bool {
	domHit := s.dom.matches(t.Day())
	dowHit := s.dow.matches(int(t.Weekday()))
	if !s.dom.any && !s.dow.any {
		return domHit || dowHit
	}
	return domHit && dowHit
}

// Next returns the first matching minute strictly after t. It searches up to
// four years ahead and returns the zero time when nothing matches (e.g.
// "0 0 30 2 *").
func (s Schedule) Next(t time.Time) time.Time {
	t = t.Truncate(time.Minute).Add(time.Minute)
	limit := t.AddDate(4, 0, 0)

	for t.Before(limit) {
		if !s.month.matches(int(t.Month())) {
			t = time.Date(t.Year(), t.Month()+1, 1, 0, 0, 0, 0, t.Location())
			continue
		}
		if !s.matchesDay(t) {
			t = time.Date(t.Year(), t.Month(), t.Day()+1, 0, 0, 0, 0, t.Location())
			continue
		}
		if !s.hour.matches(t.Hour()) {
			t = t.Truncate(time.Hour).Add(time.Hour)
			continue
		}
		if !s.minute.matches(t.Minute()) {
			t = t.Add(time.Minute)
			continue
		}
		return t
	}
	return time.Time{}
}

// String returns the source expression.
func (s Schedule) String() string { return s.expr }
