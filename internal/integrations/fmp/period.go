package fmp

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// windowStart returns the start of a lookback window such as "30d" or "1y"
// ending at to.
func windowStart(to time.Time, period string) (time.Time, error) {
	period = strings.ToLower(strings.TrimSpace(period))
	if len(period) < 2 {
		return time.Time{}, fmt.Errorf("fmp: invalid period %q", period)
	}
	n, err := strconv.Atoi(period[:len(period)-1])
	if err != nil || n <= 0 {
		return time.Time{}, fmt.Errorf("fmp: invalid period %q", period)
	}
	switch period[len(period)-1] {
	case 'd':
		return to.AddDate(0, 0, -n), nil
	case 'w':
		return to.AddDate(0, 0, -7*n), nil
	case 'm':
		return to.AddDate(0, -n, 0), nil
	case 'y':
		return to.AddDate(-n, 0, 0), nil
	default:
		return time.Time{}, fmt.Errorf("fmp: invalid period %q", period)
	}
}
