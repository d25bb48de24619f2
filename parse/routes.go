package parse

import (
	"encoding/hex"
	"fmt"
	"io"
	"strconv"

	"github.com/gocarina/gocsv"

	"github.com/citydash/transit/model"
	"github.com/citydash/transit/storage"
)

type RouteCSV struct {
	ID        string `csv:"route_id"`
	AgencyID  string `csv:"agency_id"`
	ShortName string `csv:"route_short_name"`
	LongName  string `csv:"route_long_name"`
	Desc      string `csv:"route_desc"`
	Type      string `csv:"route_type"`
	Color     string `csv:"route_color"`
	TextColor string `csv:"route_text_color"`
}

// ParseRoutes writes route records and returns the set of route IDs.
// agency_id is required whenever agency.txt declared more than one
// agency, and must refer to one of them when set.
func ParseRoutes(writer storage.FeedWriter, data io.Reader, agency map[string]bool) (map[string]bool, error) {
	routes := map[string]bool{}

	err := gocsv.UnmarshalToCallbackWithError(data, func(r *RouteCSV) error {
		if r.ID == "" {
			return fmt.Errorf("route has no route_id")
		}
		if routes[r.ID] {
			return fmt.Errorf("repeated route_id: '%s'", r.ID)
		}
		routes[r.ID] = true

		if r.AgencyID == "" && len(agency) > 1 {
			return fmt.Errorf("route_id '%s' has no agency_id", r.ID)
		}
		if r.AgencyID != "" && !agency[r.AgencyID] {
			return fmt.Errorf("unknown agency_id: '%s'", r.AgencyID)
		}

		if r.ShortName == "" && r.LongName == "" {
			return fmt.Errorf("route_id '%s' has no short_name or long_name", r.ID)
		}

		routeType, err := parseRouteType(r.Type)
		if err != nil {
			return fmt.Errorf("route_id '%s': %w", r.ID, err)
		}

		color, err := routeColor(r.Color, "FFFFFF")
		if err != nil {
			return fmt.Errorf("route_id '%s' has invalid route_color: %w", r.ID, err)
		}
		textColor, err := routeColor(r.TextColor, "000000")
		if err != nil {
			return fmt.Errorf("route_id '%s' has invalid route_text_color: %w", r.ID, err)
		}

		return writer.WriteRoute(&model.Route{
			ID:        r.ID,
			AgencyID:  r.AgencyID,
			ShortName: r.ShortName,
			LongName:  r.LongName,
			Desc:      r.Desc,
			Type:      routeType,
			Color:     color,
			TextColor: textColor,
		})
	})
	if err != nil {
		return nil, fmt.Errorf("reading route records: %w", err)
	}

	return routes, nil
}

// The basic route types 0-7, plus trolleybus (11) and monorail (12)
// from the extended set.
func parseRouteType(raw string) (model.RouteType, error) {
	if raw == "" {
		return 0, fmt.Errorf("missing route_type")
	}
	t, err := strconv.Atoi(raw)
	if err != nil {
		return 0, fmt.Errorf("invalid route_type: %w", err)
	}
	if (t < 0 || t > 7) && t != 11 && t != 12 {
		return 0, fmt.Errorf("invalid route_type: %d", t)
	}
	return model.RouteType(t), nil
}

// A blank color takes the GTFS default; anything else must be six hex
// digits without a leading "#".
func routeColor(raw, fallback string) (string, error) {
	if raw == "" {
		return fallback, nil
	}
	if len(raw) != 6 {
		return "", fmt.Errorf("'%s'", raw)
	}
	if _, err := hex.DecodeString(raw); err != nil {
		return "", fmt.Errorf("'%s'", raw)
	}
	return raw, nil
}
