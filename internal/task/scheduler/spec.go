package scheduler

import (
	"fmt"
	"strings"
	"time"

	"github.com/robfig/cron/v3"

	"uniops/internal/errors"
)

// Kind is the trigger kind designated by a Spec.
type Kind int

const (
	KindNone Kind = iota
	KindCron
	KindFixedDelay
	KindFixedRate
)

func (k Kind) String() string {
	switch k {
	case KindCron:
		return "cron"
	case KindFixedDelay:
		return "fixed-delay"
	case KindFixedRate:
		return "fixed-rate"
	default:
		return "none"
	}
}

// Spec describes a trigger: exactly one of Cron, FixedDelay, FixedRate, plus an
// optional InitialDelay that only applies to the two period kinds.
// Zero fields are unset.
type Spec struct {
	Cron         string        `json:"cron,omitempty"`
	FixedDelay   time.Duration `json:"fixed_delay,omitempty"`
	FixedRate    time.Duration `json:"fixed_rate,omitempty"`
	InitialDelay time.Duration `json:"initial_delay,omitempty"`
}

// Unset marks an unused millisecond column in persisted configs.
const Unset int64 = -1

// SpecFromMillis builds a Spec from persisted columns; values <= 0 are unset.
func SpecFromMillis(cronExpr string, fixedDelayMs, fixedRateMs, initialDelayMs int64) Spec {
	ms := func(v int64) time.Duration {
		if v <= 0 {
			return 0
		}
		return time.Duration(v) * time.Millisecond
	}
	return Spec{
		Cron:         strings.TrimSpace(cronExpr),
		FixedDelay:   ms(fixedDelayMs),
		FixedRate:    ms(fixedRateMs),
		InitialDelay: ms(initialDelayMs),
	}
}

// Millis returns the persisted millisecond columns, using Unset for unused ones.
func (s Spec) Millis() (fixedDelayMs, fixedRateMs, initialDelayMs int64) {
	ms := func(d time.Duration) int64 {
		if d <= 0 {
			return Unset
		}
		return d.Milliseconds()
	}
	return ms(s.FixedDelay), ms(s.FixedRate), ms(s.InitialDelay)
}

// Kind reports the designated trigger kind, or KindNone when zero or several are set.
func (s Spec) Kind() Kind {
	k, n := s.kinds()
	if n != 1 {
		return KindNone
	}
	return k
}

func (s Spec) kinds() (Kind, int) {
	k, n := KindNone, 0
	if strings.TrimSpace(s.Cron) != "" {
		k, n = KindCron, n+1
	}
	if s.FixedDelay != 0 {
		k, n = KindFixedDelay, n+1
	}
	if s.FixedRate != 0 {
		k, n = KindFixedRate, n+1
	}
	return k, n
}

func (s Spec) String() string {
	switch s.Kind() {
	case KindCron:
		return "cron(" + strings.TrimSpace(s.Cron) + ")"
	case KindFixedDelay:
		return withInitial("fixedDelay("+s.FixedDelay.String()+")", s.InitialDelay)
	case KindFixedRate:
		return withInitial("fixedRate("+s.FixedRate.String()+")", s.InitialDelay)
	default:
		return "invalid"
	}
}

func withInitial(base string, d time.Duration) string {
	if d <= 0 {
		return base
	}
	return base + "+" + d.String()
}

// Parser accepts 5-field and 6-field (leading seconds) cron expressions,
// descriptors like @hourly, and "?" in the day fields.
var Parser = cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// Validate checks the exactly-one-trigger invariant and cron syntax.
func Validate(s Spec) error {
	_, err := compile(s)
	return err
}

// compile validates s and returns the parsed cron schedule for cron specs.
func compile(s Spec) (cron.Schedule, error) {
	k, n := s.kinds()
	switch {
	case n == 0:
		return nil, errors.InvalidSpecf("no trigger set (need one of cron, fixed-delay, fixed-rate)")
	case n > 1:
		return nil, errors.InvalidSpecf("%d trigger kinds set (cron, fixed-delay and fixed-rate are exclusive)", n)
	}
	if s.InitialDelay < 0 {
		return nil, errors.InvalidSpecf("initial delay %s is negative", s.InitialDelay)
	}
	switch k {
	case KindCron:
		sched, err := Parser.Parse(strings.TrimSpace(s.Cron))
		if err != nil {
			return nil, errors.Mark(errors.Wrapf(err, "invalid schedule spec: cron %q", s.Cron), errors.ErrInvalidSpec)
		}
		return sched, nil
	case KindFixedDelay:
		if s.FixedDelay < time.Millisecond {
			return nil, errors.InvalidSpecf("fixed delay %s must be at least 1ms", s.FixedDelay)
		}
	case KindFixedRate:
		if s.FixedRate < time.Millisecond {
			return nil, errors.InvalidSpecf("fixed rate %s must be at least 1ms", s.FixedRate)
		}
	}
	return nil, nil
}

// ParseSpec parses the textual form used in config files and on the command line.
//
// Supported forms:
//   - "cron:0/5 * * * * ?" or a bare cron expression / descriptor ("@hourly")
//   - "delay:2s" (fixed-delay), "rate:1m" (fixed-rate)
//   - an optional initial delay suffix for the period kinds: "rate:1m,initial:10s"
func ParseSpec(raw string) (Spec, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return Spec{}, errors.InvalidSpecf("schedule required")
	}
	low := strings.ToLower(s)
	switch {
	case strings.HasPrefix(low, "cron:"):
		spec := Spec{Cron: strings.TrimSpace(s[len("cron:"):])}
		return spec, Validate(spec)
	case strings.HasPrefix(low, "delay:"), strings.HasPrefix(low, "rate:"):
		head, tail, _ := strings.Cut(s, ",")
		name, val, _ := strings.Cut(head, ":")
		d, err := parsePeriod(val)
		if err != nil {
			return Spec{}, err
		}
		var spec Spec
		if strings.EqualFold(strings.TrimSpace(name), "delay") {
			spec.FixedDelay = d
		} else {
			spec.FixedRate = d
		}
		if tail = strings.TrimSpace(tail); tail != "" {
			k, v, ok := strings.Cut(tail, ":")
			if !ok || !strings.EqualFold(strings.TrimSpace(k), "initial") {
				return Spec{}, errors.InvalidSpecf("unknown schedule option %q", tail)
			}
			if spec.InitialDelay, err = parsePeriod(v); err != nil {
				return Spec{}, err
			}
		}
		return spec, Validate(spec)
	default:
		spec := Spec{Cron: s}
		return spec, Validate(spec)
	}
}

func parsePeriod(v string) (time.Duration, error) {
	d, err := time.ParseDuration(strings.TrimSpace(v))
	if err != nil {
		return 0, errors.Mark(errors.Wrapf(err, "invalid schedule spec: period %q", v), errors.ErrInvalidSpec)
	}
	if d <= 0 {
		return 0, errors.InvalidSpecf("period %q must be positive", v)
	}
	return d, nil
}

// Format renders s in the ParseSpec syntax.
func Format(s Spec) string {
	switch s.Kind() {
	case KindCron:
		return "cron:" + strings.TrimSpace(s.Cron)
	case KindFixedDelay:
		return fmt.Sprintf("delay:%s%s", s.FixedDelay, initialSuffix(s.InitialDelay))
	case KindFixedRate:
		return fmt.Sprintf("rate:%s%s", s.FixedRate, initialSuffix(s.InitialDelay))
	}
	return ""
}

func initialSuffix(d time.Duration) string {
	if d <= 0 {
		return ""
	}
	return ",initial:" + d.String()
}
