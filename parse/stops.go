package parse

import (
	"fmt"
	"io"

	"github.com/gocarina/gocsv"

	"github.com/citydash/transit/model"
	"github.com/citydash/transit/storage"
)

type StopCSV struct {
	ID            string  `csv:"stop_id"`
	Code          string  `csv:"stop_code"`
	Name          string  `csv:"stop_name"`
	Desc          string  `csv:"stop_desc"`
	Lat           float64 `csv:"stop_lat"`
	Lon           float64 `csv:"stop_lon"`
	LocationType  int8    `csv:"location_type"`
	ParentStation string  `csv:"parent_station"`
	PlatformCode  string  `csv:"platform_code"`
}

// ParseStops writes stop records and returns the set of stop IDs.
// parent_station references are checked once the whole file has been
// read, since a parent may be declared after its children.
func ParseStops(writer storage.FeedWriter, data io.Reader) (map[string]bool, error) {
	stopIDs := map[string]bool{}
	parentRef := map[string]string{}

	err := gocsv.UnmarshalToCallbackWithError(data, func(st *StopCSV) error {
		if st.ID == "" {
			return fmt.Errorf("empty stop_id")
		}
		if stopIDs[st.ID] {
			return fmt.Errorf("repeated stop_id '%s'", st.ID)
		}
		stopIDs[st.ID] = true

		// Name and coordinates are optional for generic nodes and
		// boarding areas, required for everything else.
		lt := model.LocationType(st.LocationType)
		if lt != model.LocationTypeGenericNode && lt != model.LocationTypeBoardingArea {
			if st.Name == "" {
				return fmt.Errorf("empty stop_name for stop_id '%s'", st.ID)
			}
			if st.Lat == 0 || st.Lon == 0 {
				return fmt.Errorf("empty stop_lat or stop_lon for stop_id '%s'", st.ID)
			}
		}

		if st.ParentStation != "" {
			parentRef[st.ID] = st.ParentStation
		}

		return writer.WriteStop(&model.Stop{
			ID:            st.ID,
			Code:          st.Code,
			Name:          st.Name,
			Desc:          st.Desc,
			Lat:           st.Lat,
			Lon:           st.Lon,
			LocationType:  lt,
			ParentStation: st.ParentStation,
			PlatformCode:  st.PlatformCode,
		})
	})
	if err != nil {
		return nil, fmt.Errorf("reading stop records: %w", err)
	}

	for stopID, parentID := range parentRef {
		if !stopIDs[parentID] {
			return nil, fmt.Errorf("stop '%s' references unknown parent_station '%s'", stopID, parentID)
		}
	}

	return stopIDs, nil
}
