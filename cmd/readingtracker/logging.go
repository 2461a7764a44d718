package main

import (
	"fmt"
	"io"
	"os"

	"github.com/scivi-tools/readingtracker/internal/aoi"
	"github.com/scivi-tools/readingtracker/internal/calib"
	"github.com/scivi-tools/readingtracker/internal/db"
	"github.com/scivi-tools/readingtracker/internal/gazesource"
	"github.com/scivi-tools/readingtracker/internal/host"
	"github.com/scivi-tools/readingtracker/internal/monitor"
	"github.com/scivi-tools/readingtracker/internal/monitoring"
	"github.com/scivi-tools/readingtracker/internal/scivi"
	"github.com/scivi-tools/readingtracker/internal/stimulus"
	"github.com/scivi-tools/readingtracker/internal/telemetry"
	"github.com/scivi-tools/readingtracker/internal/tracker"
)

// setLogWriters points every package's ops, diag and trace streams at the
// given writers. nil mutes a stream.
func setLogWriters(ops, diag, trace io.Writer) {
	for _, set := range []func(ops, diag, trace io.Writer){
		aoi.SetLogWriters,
		calib.SetLogWriters,
		db.SetLogWriters,
		gazesource.SetLogWriters,
		host.SetLogWriters,
		monitor.SetLogWriters,
		scivi.SetLogWriters,
		stimulus.SetLogWriters,
		telemetry.SetLogWriters,
		tracker.SetLogWriters,
	} {
		set(ops, diag, trace)
	}
	monitoring.SetWriter(ops, "[readingtracker] ")
}

// openLog resolves a -debug-log or -trace-log value: "" disables the stream,
// "-" is stderr, anything else is a file opened for append. The returned
// close func is always non-nil.
func openLog(path string) (io.Writer, func() error, error) {
	switch path {
	case "":
		return nil, func() error { return nil }, nil
	case "-":
		return os.Stderr, func() error { return nil }, nil
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, nil, fmt.Errorf("open log %s: %w", path, err)
	}
	return f, f.Close, nil
}
