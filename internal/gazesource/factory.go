package gazesource

import (
	"fmt"

	"go.bug.st/serial"
)

// OpenSerial opens the bridge at path and returns a mux over it.
func OpenSerial(path string, opts PortOptions) (*Mux[serial.Port], error) {
	mode, err := opts.SerialMode()
	if err != nil {
		return nil, err
	}
	port, err := serial.Open(path, mode)
	if err != nil {
		return nil, fmt.Errorf("open eye-tracker bridge %s: %w", path, err)
	}
	diagf("opened %s at %d baud", path, mode.BaudRate)
	return NewMux[serial.Port](port), nil
}

// ListPorts returns the serial ports present on this machine.
func ListPorts() ([]string, error) {
	return serial.GetPortsList()
}
