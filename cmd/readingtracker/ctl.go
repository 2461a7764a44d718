package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/url"
	"strings"
	"time"

	"github.com/scivi-tools/readingtracker/internal/httputil"
)

// ctlTimeout bounds each request to the running tracker.
const ctlTimeout = 5 * time.Second

func printCtlHelp(w io.Writer) {
	fmt.Fprintln(w, "Usage: readingtracker ctl [-admin URL] <action> [args]")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Actions:")
	fmt.Fprintln(w, "  state          print the tracker state as JSON")
	fmt.Fprintln(w, "  recalibrate    start the custom calibration pattern")
	fmt.Fprintln(w, "  abort          abort a running calibration")
	fmt.Fprintln(w, "  clear-selection clear the selected AOIs and print their IDs")
	fmt.Fprintln(w, "  send <command> send a raw command to the eye-tracker bridge")
}

// runCtl talks to the admin server of a running tracker.
func runCtl(ctx context.Context, c httputil.HTTPClient, w io.Writer, args []string, getenv func(string) string) error {
	fs := flag.NewFlagSet("ctl", flag.ContinueOnError)
	fs.SetOutput(w)
	admin := fs.String("admin", "", "Admin base URL (default http://localhost:8081)")
	if err := fs.Parse(args); err != nil {
		return err
	}
	base := *admin
	if base == "" {
		base = getenv(envPrefix + "ADMIN_URL")
	}
	if base == "" {
		base = "http://localhost:8081"
	}
	base = strings.TrimRight(base, "/")

	rest := fs.Args()
	if len(rest) == 0 {
		printCtlHelp(w)
		return errors.New("missing action")
	}

	ctx, cancel := context.WithTimeout(ctx, ctlTimeout)
	defer cancel()

	switch action := rest[0]; action {
	case "state":
		var state json.RawMessage
		if err := httputil.GetJSON(ctx, c, base+"/api/state", &state); err != nil {
			return err
		}
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		var v interface{}
		if err := json.Unmarshal(state, &v); err != nil {
			return err
		}
		return enc.Encode(v)

	case "recalibrate", "abort":
		if _, err := httputil.PostForm(ctx, c, base+"/api/calibration", url.Values{"action": {action}}); err != nil {
			return err
		}
		fmt.Fprintf(w, "%s requested\n", action)
		return nil

	case "clear-selection":
		body, err := httputil.PostForm(ctx, c, base+"/api/selection", url.Values{"action": {"clear"}})
		if err != nil {
			return err
		}
		var resp struct {
			Selected []int `json:"selected"`
		}
		if err := json.Unmarshal(body, &resp); err != nil {
			return fmt.Errorf("decode selection: %w", err)
		}
		fmt.Fprintf(w, "cleared %d AOIs %v\n", len(resp.Selected), resp.Selected)
		return nil

	case "send":
		if len(rest) < 2 {
			return errors.New("send needs a command")
		}
		command := strings.Join(rest[1:], " ")
		body, err := httputil.PostForm(ctx, c, base+"/debug/send-command-api", url.Values{"command": {command}})
		if err != nil {
			return err
		}
		fmt.Fprintln(w, strings.TrimSpace(string(body)))
		return nil

	case "help":
		printCtlHelp(w)
		return nil

	default:
		printCtlHelp(w)
		return fmt.Errorf("unknown action %q", action)
	}
}
