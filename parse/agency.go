package parse

import (
	"fmt"
	"io"
	"time"

	"github.com/gocarina/gocsv"

	"github.com/citydash/transit/model"
	"github.com/citydash/transit/storage"
)

type AgencyCSV struct {
	ID       string `csv:"agency_id"`
	Name     string `csv:"agency_name"`
	URL      string `csv:"agency_url"`
	Timezone string `csv:"agency_timezone"`
}

// ParseAgency writes agency records and returns the set of agency IDs
// along with the feed's timezone. When the file lists several agencies
// they must all agree on the timezone.
func ParseAgency(writer storage.FeedWriter, data io.Reader) (map[string]bool, string, error) {
	agency := map[string]bool{}
	tz := ""

	err := gocsv.UnmarshalToCallbackWithError(data, func(a *AgencyCSV) error {
		switch {
		case agency[a.ID]:
			return fmt.Errorf("duplicated agency_id: '%s'", a.ID)
		case a.Name == "":
			return fmt.Errorf("missing agency_name")
		case a.URL == "":
			return fmt.Errorf("missing agency_url")
		case a.Timezone == "":
			return fmt.Errorf("missing agency_timezone")
		}

		if tz == "" {
			if _, err := time.LoadLocation(a.Timezone); err != nil {
				return fmt.Errorf("agency_timezone '%s' is invalid: %w", a.Timezone, err)
			}
			tz = a.Timezone
		} else if a.Timezone != tz {
			return fmt.Errorf("multiple agency_timezone")
		}

		agency[a.ID] = true
		return writer.WriteAgency(&model.Agency{
			ID:       a.ID,
			Name:     a.Name,
			URL:      a.URL,
			Timezone: tz,
		})
	})
	if err != nil {
		return nil, "", fmt.Errorf("reading agency records: %w", err)
	}

	if len(agency) == 0 {
		return nil, "", fmt.Errorf("no agency record found")
	}

	return agency, tz, nil
}
