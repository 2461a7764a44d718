// Command readingtracker runs the gaze core of the reading experiment: it
// reads gaze frames from the eye-tracker bridge, runs calibration and AOI
// hit-testing on a headless stimulus billboard, streams telemetry to SciVi
// and records the session in SQLite.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io/fs"
	"log"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/scivi-tools/readingtracker/internal/aoi"
	"github.com/scivi-tools/readingtracker/internal/config"
	"github.com/scivi-tools/readingtracker/internal/db"
	"github.com/scivi-tools/readingtracker/internal/gazesource"
	"github.com/scivi-tools/readingtracker/internal/geom"
	"github.com/scivi-tools/readingtracker/internal/host"
	"github.com/scivi-tools/readingtracker/internal/httputil"
	"github.com/scivi-tools/readingtracker/internal/monitor"
	"github.com/scivi-tools/readingtracker/internal/scivi"
	"github.com/scivi-tools/readingtracker/internal/stimulus"
	"github.com/scivi-tools/readingtracker/internal/telemetry"
	"github.com/scivi-tools/readingtracker/internal/timeutil"
	"github.com/scivi-tools/readingtracker/internal/tracker"
	"github.com/scivi-tools/readingtracker/internal/version"
)

func main() {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		log.Fatalf("failed to load .env: %v", err)
	}

	if len(os.Args) > 1 {
		switch os.Args[1] {
		case "migrate":
			dbPath := os.Getenv(envPrefix + "DB")
			if dbPath == "" {
				dbPath = config.EmptyExperimentConfig().GetDBPath()
			}
			if err := db.RunMigrateCommand(os.Stdout, os.Args[2:], dbPath); err != nil {
				log.Fatal(err)
			}
			return
		case "ctl":
			client := &http.Client{Timeout: ctlTimeout}
			if err := runCtl(context.Background(), client, os.Stdout, os.Args[2:], os.Getenv); err != nil {
				log.Fatal(err)
			}
			return
		case "ports":
			ports, err := gazesource.ListPorts()
			if err != nil {
				log.Fatal(err)
			}
			for _, p := range ports {
				fmt.Println(p)
			}
			return
		}
	}

	o, err := parseFlags(os.Args[1:], os.Getenv, os.Stderr)
	if errors.Is(err, flag.ErrHelp) {
		return
	}
	if err != nil {
		log.Fatal(err)
	}
	if o.Version {
		fmt.Println(version.String())
		return
	}

	if err := run(o); err != nil {
		log.Fatal(err)
	}
}

// openGazeSource opens the bridge the config selects.
func openGazeSource(cfg *config.ExperimentConfig, clock timeutil.Clock) (gazesource.Source, error) {
	switch cfg.GetGazeSource() {
	case config.GazeDisabled:
		return gazesource.NewDisabled(), nil
	case config.GazeReplay:
		m, err := gazesource.OpenReplay(cfg.GetGazeReplayFile(), gazesource.ReplayOptions{
			Interval: cfg.GetGazeReplayInterval(),
			Loop:     cfg.GetGazeReplayLoop(),
			Clock:    clock,
		})
		if err != nil {
			return nil, err
		}
		return m.WithBuffer(frameBuffer), nil
	default:
		opts, err := cfg.GetGazePortOptions()
		if err != nil {
			return nil, err
		}
		m, err := gazesource.OpenSerial(cfg.GetGazePort(), opts)
		if err != nil {
			return nil, err
		}
		return m.WithBuffer(frameBuffer), nil
	}
}

// frameBuffer lets a slow tick fall a few frames behind the bridge before
// frames are dropped.
const frameBuffer = 8

// serveHTTP runs srv until ctx is done, then shuts it down.
func serveHTTP(ctx context.Context, name string, srv *http.Server) error {
	errc := make(chan error, 1)
	go func() {
		log.Printf("%s listening on %s", name, srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errc <- err
		}
		close(errc)
	}()

	select {
	case err, ok := <-errc:
		if ok {
			return fmt.Errorf("%s server: %w", name, err)
		}
		return nil
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Printf("%s shutdown error: %v", name, err)
		if err := srv.Close(); err != nil {
			log.Printf("%s force close error: %v", name, err)
		}
	}
	log.Printf("%s stopped", name)
	return nil
}

func run(o options) error {
	diagW, closeDiag, err := openLog(o.DebugLog)
	if err != nil {
		return err
	}
	defer closeDiag()
	traceW, closeTrace, err := openLog(o.TraceLog)
	if err != nil {
		return err
	}
	defer closeTrace()
	setLogWriters(os.Stderr, diagW, traceW)

	cfg, err := loadConfig(o)
	if err != nil {
		return err
	}
	log.Print(version.String())

	clock := timeutil.RealClock{}

	database, err := db.NewDB(cfg.GetDBPath())
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}
	defer database.Close()

	session, err := database.CreateSession(o.Participant, o.Notes, clock.Now())
	if err != nil {
		return err
	}
	log.Printf("recording session %s to %s", session.ID, cfg.GetDBPath())
	defer func() {
		if err := database.EndSession(session.ID, clock.Now()); err != nil {
			log.Printf("failed to close session: %v", err)
		}
	}()

	src, err := openGazeSource(cfg, clock)
	if err != nil {
		return fmt.Errorf("failed to open eye-tracker bridge: %w", err)
	}
	defer src.Close()
	if err := src.Initialize(); err != nil {
		return fmt.Errorf("failed to initialize eye-tracker bridge: %w", err)
	}

	hub := telemetry.NewHub(cfg.GetHubBuffer())
	defer hub.Close()
	store := aoi.NewStore()
	extent := cfg.GetStimulusExtent()
	billboard := host.NewBillboard(host.HomeAt(cfg.GetStimulusDistance(), 0), geom.Vec2{X: extent, Y: extent})

	stim, err := tracker.New(billboard, store, tracker.Config{
		Params: cfg.CalibParams(),
		Clock:  clock,
		Sink:   hub,
		Observer: &calibrationSaver{
			store:     database,
			sessionID: session.ID,
			clock:     clock,
		},
	})
	if err != nil {
		return err
	}
	if o.RestoreCalibration {
		restoreCalibration(database, stim)
	}

	recordStimulus := func(source string, snap *aoi.Snapshot) {
		if _, err := database.RecordStimulus(session.ID, source, snap, clock.Now()); err != nil {
			log.Printf("failed to record stimulus from %s: %v", source, err)
		}
	}

	sciviServer, err := scivi.NewServer(scivi.Config{
		Path:       cfg.GetSciViPath(),
		Store:      store,
		Controller: &sciviController{bridge: src, stimulus: stim},
		OnStimulus: func(snap *aoi.Snapshot) { recordStimulus("scivi", snap) },
	})
	if err != nil {
		return err
	}
	defer sciviServer.Close()

	status := &gazesource.Status{}
	mon := monitor.New(monitor.Config{
		Tracker:      stim,
		Window:       cfg.GetMonitorWindow(),
		BridgeStatus: status.Values,
		SessionID:    session.ID,
	})
	recorder := db.NewRecorder(database, session.ID, db.RecorderConfig{
		FlushInterval: cfg.GetRecorderFlushInterval(),
		BatchSize:     cfg.GetRecorderBatchSize(),
		Clock:         clock,
	})

	var wg sync.WaitGroup
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// goroutine runs fn and logs its failure; a source that ends stops the
	// whole process.
	goroutine := func(name string, stopOnReturn bool, fn func(context.Context) error) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := fn(ctx)
			if err != nil && !errors.Is(err, context.Canceled) {
				log.Printf("%s failed: %v", name, err)
			}
			log.Printf("%s routine terminated", name)
			if stopOnReturn {
				stop()
			}
		}()
	}

	goroutine("bridge monitor", true, src.Monitor)
	goroutine("gaze feed", true, func(ctx context.Context) error {
		return gazesource.Feed(ctx, src, status, func(f tracker.Frame) { stim.Tick(f) })
	})
	goroutine("scivi stream", false, func(ctx context.Context) error { return sciviServer.Run(ctx, hub) })
	goroutine("recorder", false, func(ctx context.Context) error { return recorder.Run(ctx, hub) })
	goroutine("monitor", false, func(ctx context.Context) error { return mon.Run(ctx, hub) })

	if url := cfg.GetNATSURL(); url != "" {
		sink, err := telemetry.ConnectNATS(url, cfg.GetNATSSubject())
		if err != nil {
			log.Printf("NATS fan-out disabled: %v", err)
		} else {
			defer sink.Close()
			goroutine("nats sink", false, func(ctx context.Context) error { return sink.Run(ctx, hub) })
		}
	}

	if dir := cfg.GetStimulusDir(); dir != "" {
		w, err := stimulus.NewWatcher(dir, store, stimulus.WatchOptions{
			Debounce:   cfg.GetStimulusDebounce(),
			Clock:      clock,
			OnStimulus: recordStimulus,
		})
		if err != nil {
			return fmt.Errorf("failed to watch %s: %w", dir, err)
		}
		defer w.Close()
		goroutine("stimulus watcher", false, w.Run)
	}

	adminMux := http.NewServeMux()
	mon.AttachRoutes(adminMux)
	src.AttachAdminRoutes(adminMux)
	if err := database.AttachAdminRoutes(adminMux); err != nil {
		return err
	}
	adminMux.HandleFunc("/api/session", func(w http.ResponseWriter, r *http.Request) {
		s, err := database.GetSession(session.ID)
		if err != nil {
			httputil.InternalServerError(w, err.Error())
			return
		}
		written, failed := recorder.Stats()
		sent, dropped, images := sciviServer.Stats()
		httputil.WriteJSONOK(w, map[string]any{
			"session":        s,
			"records_stored": written,
			"records_failed": failed,
			"hub_dropped":    hub.Dropped(),
			"scivi": map[string]any{
				"clients": sciviServer.Connections(),
				"sent":    sent,
				"dropped": dropped,
				"images":  images,
			},
		})
	})

	sciviMux := http.NewServeMux()
	sciviServer.AttachRoutes(sciviMux)

	goroutine("admin server", true, func(ctx context.Context) error {
		return serveHTTP(ctx, "admin", &http.Server{Addr: cfg.GetAdminListen(), Handler: adminMux})
	})
	goroutine("scivi server", true, func(ctx context.Context) error {
		return serveHTTP(ctx, "scivi", &http.Server{Addr: cfg.GetSciViListen(), Handler: sciviMux})
	})

	<-ctx.Done()
	log.Printf("shutting down")
	wg.Wait()
	recorder.Flush()
	written, failed := recorder.Stats()
	log.Printf("graceful shutdown complete: %d records stored, %d failed", written, failed)
	return nil
}

// restoreCalibration loads the newest stored calibration into the machine.
func restoreCalibration(database *db.DB, stim *tracker.Stimulus) {
	c, err := database.LatestCalibration("")
	if errors.Is(err, db.ErrNotFound) {
		log.Printf("no stored calibration; calibrate before recording")
		return
	}
	if err != nil {
		log.Printf("failed to load stored calibration: %v", err)
		return
	}
	if err := stim.Machine().Restore(c.Points); err != nil {
		log.Printf("stored calibration %d not usable: %v", c.ID, err)
		return
	}
	log.Printf("restored calibration %d from %s", c.ID, c.CreatedAt.Format(time.RFC3339))
}
