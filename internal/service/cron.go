package service

import (
	"errors"
	"fmt"
	"math"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
)

// ParseCron validates a cron expression with 5 fields, 6 fields (leading
// seconds) or a descriptor like @hourly. It returns the number of fields.
func ParseCron(expr string) (int, error) {
	e := strings.TrimSpace(expr)
	if e == "" {
		return 0, errors.New("empty cron expression")
	}

	if strings.HasPrefix(e, "@") {
		_, err := cron.ParseStandard(e)
		if err != nil {
			return 0, err
		}
		return 5, nil
	}

	var parser cron.Parser
	switch n := len(strings.Fields(e)); n {
	case 5:
		parser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)
	case 6:
		parser = cron.NewParser(cron.Second | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)
	default:
		return 0, fmt.Errorf("invalid field count: got %d (want 5 or 6)", n)
	}
	if _, err := parser.Parse(e); err != nil {
		return 0, err
	}
	return len(strings.Fields(e)), nil
}

var isoDurationRx = regexp.MustCompile(`^P(?:(\d+)W)?(?:(\d+)D)?(?:T(?:(\d+)H)?(?:(\d+)M)?(?:(\d+)S)?)?$`)

// ParseISODuration parses the ISO-8601 durations PnW, PnDTnHnMnS and their
// subsets. Years and months are rejected as they have no fixed length.
func ParseISODuration(s string) (time.Duration, error) {
	m := isoDurationRx.FindStringSubmatch(s)
	if m == nil || s == "P" || strings.HasSuffix(s, "T") {
		return 0, fmt.Errorf("invalid ISO-8601 duration %q", s)
	}
	units := [...]time.Duration{7 * 24 * time.Hour, 24 * time.Hour, time.Hour, time.Minute, time.Second}
	var total time.Duration
	for i, seg := range m[1:] {
		if seg == "" {
			continue
		}
		val, err := strconv.ParseInt(seg, 10, 64)
		if err != nil {
			return 0, fmt.Errorf("invalid number %q: %w", seg, err)
		}
		if val > int64(math.MaxInt64/units[i]) {
			return 0, errors.New("duration overflow")
		}
		add := time.Duration(val) * units[i]
		if total > time.Duration(math.MaxInt64)-add {
			return 0, errors.New("duration overflow")
		}
		total += add
	}
	if total <= 0 {
		return 0, fmt.Errorf("duration %q must be positive", s)
	}
	return total, nil
}
