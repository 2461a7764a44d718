package tracker

import (
	"github.com/scivi-tools/readingtracker/internal/aoi"
	"github.com/scivi-tools/readingtracker/internal/calib"
)

// Observer is notified of presentation-relevant changes. Callbacks run on
// the tick goroutine after the tick's state is committed and must not block.
type Observer interface {
	OnAOIEnter(a aoi.AOI)
	OnAOILeave(a aoi.AOI)
	OnCalibrationTargetMoved(t calib.Target)
	OnCalibrationDone(points []calib.Point)
}

// NopObserver ignores every notification.
type NopObserver struct{}

func (NopObserver) OnAOIEnter(aoi.AOI)                    {}
func (NopObserver) OnAOILeave(aoi.AOI)                    {}
func (NopObserver) OnCalibrationTargetMoved(calib.Target) {}
func (NopObserver) OnCalibrationDone([]calib.Point)       {}

// Observers fans notifications out to several observers in order.
type Observers []Observer

func (o Observers) OnAOIEnter(a aoi.AOI) {
	for _, ob := range o {
		ob.OnAOIEnter(a)
	}
}

func (o Observers) OnAOILeave(a aoi.AOI) {
	for _, ob := range o {
		ob.OnAOILeave(a)
	}
}

func (o Observers) OnCalibrationTargetMoved(t calib.Target) {
	for _, ob := range o {
		ob.OnCalibrationTargetMoved(t)
	}
}

func (o Observers) OnCalibrationDone(points []calib.Point) {
	for _, ob := range o {
		ob.OnCalibrationDone(points)
	}
}
