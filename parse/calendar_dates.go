package parse

import (
	"fmt"
	"io"
	"time"

	"github.com/gocarina/gocsv"

	"github.com/citydash/transit/model"
	"github.com/citydash/transit/storage"
)

type CalendarDateCSV struct {
	ServiceID     string `csv:"service_id"`
	Date          string `csv:"date"`
	ExceptionType int8   `csv:"exception_type"`
}

// ParseCalendarDates writes per-date service exceptions. Returns the
// service IDs seen and the earliest and latest exception dates, which
// can extend the calendar range beyond calendar.txt.
func ParseCalendarDates(
	writer storage.FeedWriter,
	data io.Reader,
) (map[string]bool, string, string, error) {
	services := map[string]bool{}
	seen := map[string]bool{}
	var minDate, maxDate string

	err := gocsv.UnmarshalToCallbackWithError(data, func(cd *CalendarDateCSV) error {
		if cd.ExceptionType != 1 && cd.ExceptionType != 2 {
			return fmt.Errorf("illegal exception_type: '%d'", cd.ExceptionType)
		}
		if _, err := time.ParseInLocation("20060102", cd.Date, time.UTC); err != nil {
			return fmt.Errorf("parsing date '%s': %w", cd.Date, err)
		}

		key := cd.Date + "-" + cd.ServiceID
		if seen[key] {
			return fmt.Errorf("duplicate service/date: '%s'", key)
		}
		seen[key] = true
		services[cd.ServiceID] = true

		if minDate == "" || cd.Date < minDate {
			minDate = cd.Date
		}
		if maxDate == "" || cd.Date > maxDate {
			maxDate = cd.Date
		}

		return writer.WriteCalendarDate(&model.CalendarDate{
			ServiceID:     cd.ServiceID,
			Date:          cd.Date,
			ExceptionType: cd.ExceptionType,
		})
	})
	if err != nil {
		return nil, "", "", fmt.Errorf("reading calendar_dates records: %w", err)
	}

	return services, minDate, maxDate, nil
}
