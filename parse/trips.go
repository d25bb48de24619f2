package parse

import (
	"fmt"
	"io"

	"github.com/gocarina/gocsv"

	"github.com/citydash/transit/model"
	"github.com/citydash/transit/storage"
)

type TripCSV struct {
	ID          string `csv:"trip_id"`
	RouteID     string `csv:"route_id"`
	ServiceID   string `csv:"service_id"`
	Headsign    string `csv:"trip_headsign"`
	ShortName   string `csv:"trip_short_name"`
	DirectionID int8   `csv:"direction_id"`
}

// ParseTrips writes trip records and returns the set of trip IDs. Every
// trip must reference a known route and a known service.
func ParseTrips(
	writer storage.FeedWriter,
	data io.Reader,
	routes map[string]bool,
	services map[string]bool,
) (map[string]bool, error) {
	trips := map[string]bool{}

	err := gocsv.UnmarshalToCallbackWithError(data, func(t *TripCSV) error {
		switch {
		case t.ID == "":
			return fmt.Errorf("empty trip_id")
		case trips[t.ID]:
			return fmt.Errorf("repeated trip_id '%s'", t.ID)
		case t.RouteID == "":
			return fmt.Errorf("empty route_id")
		case !routes[t.RouteID]:
			return fmt.Errorf("unknown route_id '%s'", t.RouteID)
		case !services[t.ServiceID]:
			return fmt.Errorf("unknown service_id '%s'", t.ServiceID)
		case t.DirectionID != 0 && t.DirectionID != 1:
			return fmt.Errorf("invalid direction_id '%d'", t.DirectionID)
		}

		trips[t.ID] = true
		return writer.WriteTrip(&model.Trip{
			ID:          t.ID,
			RouteID:     t.RouteID,
			ServiceID:   t.ServiceID,
			Headsign:    t.Headsign,
			ShortName:   t.ShortName,
			DirectionID: t.DirectionID,
		})
	})
	if err != nil {
		return nil, fmt.Errorf("reading trip records: %w", err)
	}

	return trips, nil
}
