package tool

import (
	"fmt"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
)

// DefaultRetestSchedule re-tests stored tools every fifteen minutes.
const DefaultRetestSchedule = "*/15 * * * *"

var standardCronParser = cron.NewParser(
	cron.Minute |
		cron.Hour |
		cron.Dom |
		cron.Month |
		cron.Dow |
		cron.Descriptor,
)

// ParseSchedule parses a five-field UTC cron expression or a descriptor
// such as "@hourly" or "@every 10m".
func ParseSchedule(expr string) (cron.Schedule, error) {
	clean := strings.TrimSpace(expr)
	if clean == "" {
		return nil, fmt.Errorf("tool: cron expression is required")
	}

	upper := strings.ToUpper(clean)
	if strings.Contains(upper, "CRON_TZ=") || strings.Contains(upper, "TZ=") {
		return nil, fmt.Errorf("tool: cron expression must be UTC-only (timezone prefixes are not allowed)")
	}

	schedule, err := standardCronParser.Parse(clean)
	if err != nil {
		return nil, fmt.Errorf("tool: invalid cron expression: %w", err)
	}
	return schedule, nil
}

func nextRunUTC(schedule cron.Schedule, now time.Time) time.Time {
	return schedule.Next(now.UTC())
}
