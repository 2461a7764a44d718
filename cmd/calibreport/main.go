// Command calibreport plots a stored calibration pattern: where the tracker
// saw each node and how far the correction moved it.
package main

import (
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"text/tabwriter"
	"time"

	"github.com/scivi-tools/readingtracker/internal/db"
)

func main() {
	err := run(os.Args[1:], os.Stdout)
	if errors.Is(err, flag.ErrHelp) {
		return
	}
	if err != nil {
		log.Fatalf("calibreport: %v", err)
	}
}

func run(args []string, w io.Writer) error {
	fs := flag.NewFlagSet("calibreport", flag.ContinueOnError)
	fs.SetOutput(w)
	dbPath := fs.String("db", "readingtracker.db", "Path to the session database")
	session := fs.String("session", "", "Session ID (default: latest calibration of any session)")
	out := fs.String("out", "plots", "Output directory")
	list := fs.Int("list", 0, "List the N most recent sessions instead of plotting")
	if err := fs.Parse(args); err != nil {
		return err
	}

	d, err := db.OpenDB(*dbPath)
	if err != nil {
		return err
	}
	defer d.Close()

	if *list > 0 {
		return listSessions(w, d, *list)
	}

	c, err := d.LatestCalibration(*session)
	if errors.Is(err, db.ErrNotFound) {
		if *session == "" {
			return errors.New("no calibration stored")
		}
		return fmt.Errorf("no calibration stored for session %s", *session)
	}
	if err != nil {
		return err
	}

	files, err := writeReport(c, *out)
	if err != nil {
		return err
	}
	fmt.Fprintf(w, "calibration %d (session %s, %s, %d points)\n",
		c.ID, c.SessionID, c.CreatedAt.Format(time.RFC3339), len(c.Points))
	for _, f := range files {
		fmt.Fprintf(w, "  wrote %s\n", f)
	}
	return nil
}

func listSessions(w io.Writer, d *db.DB, limit int) error {
	sessions, err := d.Sessions(limit)
	if err != nil {
		return err
	}
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "SESSION\tPARTICIPANT\tSTARTED\tRECORDS")
	for _, s := range sessions {
		n, err := d.TelemetryCount(s.ID)
		if err != nil {
			return err
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%d\n", s.ID, s.Participant, s.StartedAt.Format(time.RFC3339), n)
	}
	return tw.Flush()
}
