package main

import (
	"fmt"

	"github.com/spf13/cobra"

	transit "github.com/citydash/transit"
	"github.com/citydash/transit/downloader"
)

var loadCmd = &cobra.Command{
	Use:   "load <feed_id> <url>",
	Short: "Download a static GTFS dump and import it",
	Args:  cobra.ExactArgs(2),
	RunE:  load,
}

var (
	loadHeaders []string
	markCurrent bool
)

func init() {
	loadCmd.Flags().StringSliceVarP(&loadHeaders, "header", "H", []string{}, "HTTP header (<key>:<value>)")
	loadCmd.Flags().BoolVarP(&markCurrent, "current", "", true, "Mark the feed as current")
}

func load(cmd *cobra.Command, args []string) error {
	feedID, url := args[0], args[1]

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

	headers, err := parseHeaders(loadHeaders)
	if err != nil {
		return err
	}

	// Cache downloads on disk so repeated imports of a large dump
	// don't re-fetch it.
	dl, err := downloader.NewFilesystem("./gtfs-static-cache.json")
	if err != nil {
		return fmt.Errorf("creating download cache: %w", err)
	}

	loader := transit.NewLoader(store, dl, logger)
	info, err := loader.LoadStaticFeed(cmd.Context(), feedID, url, headers, markCurrent)
	if err != nil {
		return err
	}

	fmt.Printf("loaded feed %s (%s), calendar %s..%s\n",
		info.ID, info.Timezone, info.CalendarStartDate, info.CalendarEndDate)

	return nil
}
