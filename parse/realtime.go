package parse

import (
	"fmt"
	"time"

	gtfsproto "github.com/MobilityData/gtfs-realtime-bindings/golang/gtfs"
	proto "google.golang.org/protobuf/proto"

	"github.com/citydash/transit/model"
)

// ParseRealtime decodes a GTFS Realtime protobuf payload into feed
// entities of the given kind. Entities of other kinds present in the
// message are ignored, so a combined feed can be polled once per kind.
// Sequence numbers are assigned by the caller.
func ParseRealtime(kind model.FeedKind, payload []byte) ([]model.FeedEntity, uint64, error) {
	f := &gtfsproto.FeedMessage{}
	err := proto.Unmarshal(payload, f)
	if err != nil {
		return nil, 0, fmt.Errorf("unmarshaling protobuf: %w", err)
	}

	header := f.GetHeader()

	version := header.GetGtfsRealtimeVersion()
	if version != "2.0" && version != "1.0" {
		return nil, 0, fmt.Errorf("version %s not supported", version)
	}

	if header.GetIncrementality() != gtfsproto.FeedHeader_FULL_DATASET {
		return nil, 0, fmt.Errorf("feed incrementality %s not supported", header.GetIncrementality())
	}

	entities := []model.FeedEntity{}
	for _, entity := range f.GetEntity() {
		var parsed *model.FeedEntity
		var err error

		switch kind {
		case model.FeedKindTripUpdates:
			parsed, err = parseTripUpdate(entity)
		case model.FeedKindVehiclePositions:
			parsed, err = parseVehiclePosition(entity)
		case model.FeedKindAlerts:
			parsed, err = parseAlert(entity)
		default:
			return nil, 0, fmt.Errorf("unknown feed kind: %s", kind)
		}

		if err != nil {
			return nil, 0, fmt.Errorf("entity '%s': %w", entity.GetId(), err)
		}
		if parsed != nil {
			entities = append(entities, *parsed)
		}
	}

	return entities, header.GetTimestamp(), nil
}

func parseTripUpdate(entity *gtfsproto.FeedEntity) (*model.FeedEntity, error) {
	tu := entity.GetTripUpdate()
	if tu == nil {
		return nil, nil
	}

	trip := tu.GetTrip()
	if trip == nil {
		return nil, fmt.Errorf("trip_update missing trip")
	}

	// Blank trip ID is allowed when (route_id, direction_id,
	// start_time, start_date) is provided and uniquely identifies the
	// trip in the static schedule. Also allowed for frequency based
	// trips.
	//
	// That said, we don't support it.
	if trip.GetTripId() == "" {
		return nil, nil
	}

	payload := &model.TripUpdatePayload{}

	switch trip.GetScheduleRelationship() {
	case gtfsproto.TripDescriptor_SCHEDULED:
		// Trip running in accordance with the static schedule.
	case gtfsproto.TripDescriptor_CANCELED:
		payload.Canceled = true
	default:
		// ADDED, UNSCHEDULED and DUPLICATED trips. Not supported!
		return nil, nil
	}

	stopIDs := []string{}
	for _, update := range tu.GetStopTimeUpdate() {
		stup, err := parseStopTimeUpdate(update)
		if err != nil {
			return nil, err
		}
		if stup == nil {
			continue
		}
		payload.StopTimeUpdates = append(payload.StopTimeUpdates, *stup)
		if stup.StopID != "" {
			stopIDs = append(stopIDs, stup.StopID)
		}
	}

	var routeIDs []string
	if trip.GetRouteId() != "" {
		routeIDs = []string{trip.GetRouteId()}
	}

	id := entity.GetId()
	if id == "" {
		id = trip.GetTripId()
	}

	return &model.FeedEntity{
		ID:         id,
		Kind:       model.FeedKindTripUpdates,
		TripID:     trip.GetTripId(),
		RouteIDs:   routeIDs,
		StopIDs:    stopIDs,
		TripUpdate: payload,
	}, nil
}

func parseStopTimeUpdate(update *gtfsproto.TripUpdate_StopTimeUpdate) (*model.StopTimeUpdate, error) {
	stup := &model.StopTimeUpdate{
		StopID:       update.GetStopId(),
		StopSequence: uint32(update.GetStopSequence()),
	}

	if stup.StopID == "" && stup.StopSequence == 0 {
		// XXX: StopSequence 0 is actually allowed by
		// spec. This may cause problems.
		return nil, fmt.Errorf("stop_time_update missing stop_id and stop_sequence")
	}

	if update.Arrival != nil {
		stup.ArrivalDelay = time.Duration(update.GetArrival().GetDelay()) * time.Second
	}
	if update.Departure != nil {
		stup.DepartureDelay = time.Duration(update.GetDeparture().GetDelay()) * time.Second
	}

	switch update.GetScheduleRelationship() {
	case gtfsproto.TripUpdate_StopTimeUpdate_SCHEDULED:
		// Vehicle will stop according to schedule, but possibly
		// with delay.
	case gtfsproto.TripUpdate_StopTimeUpdate_SKIPPED:
		stup.Skipped = true
	case gtfsproto.TripUpdate_StopTimeUpdate_NO_DATA:
		stup.NoData = true
	case gtfsproto.TripUpdate_StopTimeUpdate_UNSCHEDULED:
		// For frequency based trips. Not supported!
		return nil, nil
	}

	return stup, nil
}

func parseVehiclePosition(entity *gtfsproto.FeedEntity) (*model.FeedEntity, error) {
	vp := entity.GetVehicle()
	if vp == nil {
		return nil, nil
	}

	payload := &model.VehiclePayload{
		VehicleID: vp.GetVehicle().GetId(),
		Timestamp: int64(vp.GetTimestamp()),
	}
	if pos := vp.GetPosition(); pos != nil {
		payload.Lat = float64(pos.GetLatitude())
		payload.Lon = float64(pos.GetLongitude())
		payload.Bearing = float64(pos.GetBearing())
	}
	payload.StopID = vp.GetStopId()

	var stopIDs []string
	if payload.StopID != "" {
		stopIDs = []string{payload.StopID}
	}

	var routeIDs []string
	tripID := ""
	if trip := vp.GetTrip(); trip != nil {
		tripID = trip.GetTripId()
		if trip.GetRouteId() != "" {
			routeIDs = []string{trip.GetRouteId()}
		}
	}

	id := entity.GetId()
	if id == "" {
		id = payload.VehicleID
	}
	if id == "" {
		return nil, fmt.Errorf("vehicle position missing entity id and vehicle id")
	}

	return &model.FeedEntity{
		ID:       id,
		Kind:     model.FeedKindVehiclePositions,
		TripID:   tripID,
		RouteIDs: routeIDs,
		StopIDs:  stopIDs,
		Vehicle:  payload,
	}, nil
}

func parseAlert(entity *gtfsproto.FeedEntity) (*model.FeedEntity, error) {
	alert := entity.GetAlert()
	if alert == nil {
		return nil, nil
	}

	payload := &model.AlertPayload{
		Cause:       alert.GetCause().String(),
		Effect:      alert.GetEffect().String(),
		Severity:    alert.GetSeverityLevel().String(),
		Header:      translatedText(alert.GetHeaderText()),
		Description: translatedText(alert.GetDescriptionText()),
	}

	// Informed entities drive relevance filtering downstream.
	routeSeen := map[string]bool{}
	stopSeen := map[string]bool{}
	routeIDs := []string{}
	stopIDs := []string{}
	tripID := ""
	for _, informed := range alert.GetInformedEntity() {
		if routeID := informed.GetRouteId(); routeID != "" && !routeSeen[routeID] {
			routeSeen[routeID] = true
			routeIDs = append(routeIDs, routeID)
		}
		if stopID := informed.GetStopId(); stopID != "" && !stopSeen[stopID] {
			stopSeen[stopID] = true
			stopIDs = append(stopIDs, stopID)
		}
		if trip := informed.GetTrip(); trip != nil && tripID == "" {
			tripID = trip.GetTripId()
		}
	}

	if entity.GetId() == "" {
		return nil, fmt.Errorf("alert missing entity id")
	}

	return &model.FeedEntity{
		ID:       entity.GetId(),
		Kind:     model.FeedKindAlerts,
		TripID:   tripID,
		RouteIDs: routeIDs,
		StopIDs:  stopIDs,
		Alert:    payload,
	}, nil
}

func translatedText(ts *gtfsproto.TranslatedString) string {
	if ts == nil {
		return ""
	}
	for _, tr := range ts.GetTranslation() {
		if tr.GetText() != "" {
			return tr.GetText()
		}
	}
	return ""
}
