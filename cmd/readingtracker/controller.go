package main

import (
	"log"
	"time"

	"github.com/scivi-tools/readingtracker/internal/calib"
	"github.com/scivi-tools/readingtracker/internal/timeutil"
	"github.com/scivi-tools/readingtracker/internal/tracker"
)

// Bridge commands for the SciVi controls the tracker cannot serve itself.
const (
	cmdVendorCalibrate = "CALIBRATE"
	cmdControllerShow  = "CONTROLLER SHOW"
	cmdControllerHide  = "CONTROLLER HIDE"
)

// commander sends a text command to the eye-tracker bridge.
type commander interface {
	SendCommand(command string) error
}

// recalibrator starts the custom calibration pattern.
type recalibrator interface {
	Recalibrate()
}

// sciviController executes SciVi commands: the vendor calibration and the
// controller visibility go to the bridge, the custom calibration to the
// stimulus.
type sciviController struct {
	bridge   commander
	stimulus recalibrator
}

func (c *sciviController) Calibrate() {
	if err := c.bridge.SendCommand(cmdVendorCalibrate); err != nil {
		log.Printf("failed to start eye-tracker calibration: %v", err)
	}
}

func (c *sciviController) Recalibrate() {
	c.stimulus.Recalibrate()
}

func (c *sciviController) SetMotionControllerVisibility(visible bool) {
	cmd := cmdControllerHide
	if visible {
		cmd = cmdControllerShow
	}
	if err := c.bridge.SendCommand(cmd); err != nil {
		log.Printf("failed to set motion controller visibility: %v", err)
	}
}

// calibrationStore persists a finished pattern.
type calibrationStore interface {
	SaveCalibration(sessionID string, points []calib.Point, now time.Time) (int64, error)
}

// calibrationSaver stores every completed calibration with the session.
type calibrationSaver struct {
	tracker.NopObserver
	store     calibrationStore
	sessionID string
	clock     timeutil.Clock
}

func (s *calibrationSaver) OnCalibrationDone(points []calib.Point) {
	id, err := s.store.SaveCalibration(s.sessionID, points, s.clock.Now())
	if err != nil {
		log.Printf("failed to save calibration: %v", err)
		return
	}
	log.Printf("saved calibration %d with %d points", id, len(points))
}
