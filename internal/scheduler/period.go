package scheduler

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"
)

const (
	DefaultPeriod = 30 * time.Second
	// MinPeriod is the cron clock's resolution.
	MinPeriod = time.Second
)

var reHHMM = regexp.MustCompile(`^\s*(\d{1,3}):(\d{2})\s*$`)

// ParsePeriod parses a pulse period.
//
// Supported forms:
//   - Go duration: "30s", "1m30s"
//   - HH:MM: "00:01" (one minute)
//   - "@every 30s", "every:30s", "interval:30s"
//
// Empty input yields DefaultPeriod.
func ParsePeriod(raw string) (time.Duration, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return DefaultPeriod, nil
	}
	low := strings.ToLower(s)
	for _, p := range []string{"@every", "every:", "interval:"} {
		if strings.HasPrefix(low, p) {
			s = strings.TrimSpace(s[len(p):])
			if s == "" {
				return 0, fmt.Errorf("period required after %q", p)
			}
			break
		}
	}

	var d time.Duration
	if reHHMM.MatchString(s) {
		hm, err := parseHHMM(s)
		if err != nil {
			return 0, err
		}
		d = hm
	} else {
		pd, err := time.ParseDuration(s)
		if err != nil {
			return 0, fmt.Errorf("invalid period %q (use a duration like '30s', HH:MM like '00:01', or '@every 30s')", raw)
		}
		d = pd
	}
	if d < MinPeriod {
		return 0, fmt.Errorf("period %v below minimum %v", d, MinPeriod)
	}
	return d, nil
}

func parseHHMM(s string) (time.Duration, error) {
	m := reHHMM.FindStringSubmatch(s)
	if len(m) != 3 {
		return 0, fmt.Errorf("invalid HH:MM %q", s)
	}
	h, err := strconv.Atoi(m[1])
	if err != nil {
		return 0, fmt.Errorf("invalid hours in %q", s)
	}
	mm, err := strconv.Atoi(m[2])
	if err != nil || mm > 59 {
		return 0, fmt.Errorf("invalid minutes in %q", s)
	}
	return time.Duration(h)*time.Hour + time.Duration(mm)*time.Minute, nil
}
