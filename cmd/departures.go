package main

import (
	"fmt"

	"github.com/spf13/cobra"

	transit "github.com/citydash/transit"
)

var departuresCmd = &cobra.Command{
	Use:   "departures <stop_id>",
	Short: "List next departures at a stop",
	Args:  cobra.ExactArgs(1),
	RunE:  departures,
}

var (
	depFeedID string
	depDate   string
	depTime   string
	depLimit  int
)

func init() {
	departuresCmd.Flags().StringVarP(&depFeedID, "feed", "f", "", "Feed ID (defaults to the current feed)")
	departuresCmd.Flags().StringVarP(&depDate, "date", "", "", "Service date (YYYY-MM-DD, defaults to today)")
	departuresCmd.Flags().StringVarP(&depTime, "time", "", "", "Earliest departure time (HH:MM:SS, defaults to now)")
	departuresCmd.Flags().IntVarP(&depLimit, "limit", "l", transit.DefaultDepartureLimit, "Max departures to list")
}

func departures(cmd *cobra.Command, args []string) error {
	stopID := args[0]

	logger, err := newLogger()
	if err != nil {
		return err
	}
	defer logger.Sync()

	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	store, err := openStore(cfg)
	if err != nil {
		return fmt.Errorf("opening storage: %w", err)
	}
	defer store.Close()

	queries := transit.NewQueryService(transit.NewRepository(store), nil, logger)
	resp, err := queries.Departures(cmd.Context(), transit.DeparturesRequest{
		FeedID: depFeedID,
		StopID: stopID,
		Date:   depDate,
		Time:   depTime,
		Limit:  depLimit,
	})
	if err != nil {
		return err
	}

	for _, dep := range resp.Departures {
		name := dep.RouteShortName
		if name == "" {
			name = dep.RouteID
		}
		fmt.Printf("%s %s %s\n", dep.DepartureTime, name, dep.Headsign)
	}

	return nil
}
