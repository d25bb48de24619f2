package model

import "time"

// Realtime feed types. A FeedSnapshot is the full state published by one
// polling cycle of one upstream source. Snapshots are immutable once
// published; a later snapshot for the same source supersedes the earlier
// one rather than mutating it.

type FeedKind string

const (
	FeedKindTripUpdates      FeedKind = "trip_updates"
	FeedKindVehiclePositions FeedKind = "vehicle_positions"
	FeedKindAlerts           FeedKind = "alerts"
)

type FeedSnapshot struct {
	SourceID  string
	Kind      FeedKind
	FetchedAt time.Time

	// Monotonic per source. Entities carry the sequence number of the
	// snapshot that produced them, so last-writer-wins merging never
	// depends on wall clocks.
	Seq uint64

	Entities []FeedEntity
}

// One realtime record: a trip update, a vehicle position, or an alert.
// Exactly one of TripUpdate, Vehicle and Alert is set, matching Kind.
type FeedEntity struct {
	ID       string
	Kind     FeedKind
	TripID   string
	RouteIDs []string
	StopIDs  []string
	Seq      uint64

	TripUpdate *TripUpdatePayload `json:",omitempty"`
	Vehicle    *VehiclePayload    `json:",omitempty"`
	Alert      *AlertPayload      `json:",omitempty"`
}

type TripUpdatePayload struct {
	Canceled        bool
	StopTimeUpdates []StopTimeUpdate
}

// Delay info for one stop along a trip. Per GTFS-rt, a delay propagates
// forward to later stops until a later update overrides it.
type StopTimeUpdate struct {
	StopID         string
	StopSequence   uint32
	ArrivalDelay   time.Duration
	DepartureDelay time.Duration
	Skipped        bool
	NoData         bool
}

type VehiclePayload struct {
	VehicleID string
	Lat       float64
	Lon       float64
	Bearing   float64
	StopID    string
	Timestamp int64
}

type AlertPayload struct {
	Cause       string
	Effect      string
	Severity    string
	Header      string
	Description string
}

// The minimal set of entity changes relevant to one subscriber since its
// last delivered sequence number for a source.
type Delta struct {
	SourceID string
	Kind     FeedKind
	Seq      uint64
	Upserts  []FeedEntity
	Removals []string // entity IDs present before, absent now
}

func (d Delta) Empty() bool {
	return len(d.Upserts) == 0 && len(d.Removals) == 0
}
