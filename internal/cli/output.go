package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/oremus-labs/taskstream/internal/events"
	"sigs.k8s.io/yaml"
)

func printJSON(w io.Writer, data interface{}) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(data)
}

// printYAML goes through JSON so field names match the API's json tags.
func printYAML(w io.Writer, data interface{}) error {
	out, err := yaml.Marshal(data)
	if err != nil {
		return err
	}
	_, err = w.Write(out)
	return err
}

func newTable(w io.Writer) *tabwriter.Writer {
	return tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
}

func flushTable(tw *tabwriter.Writer) {
	_ = tw.Flush()
}

func printErrorLine(format string, args ...interface{}) {
	fmt.Fprintf(os.Stderr, format+"\n", args...)
}

func dash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}

func humanDuration(d time.Duration) string {
	if d < 0 {
		d = -d
	}
	units := []struct {
		Dur  time.Duration
		Name string
	}{
		{time.Hour, "h"},
		{time.Minute, "m"},
		{time.Second, "s"},
	}
	var parts []string
	remainder := d
	for _, unit := range units {
		if remainder >= unit.Dur {
			value := remainder / unit.Dur
			remainder -= value * unit.Dur
			parts = append(parts, fmt.Sprintf("%d%s", value, unit.Name))
			if len(parts) == 2 {
				break
			}
		}
	}
	if len(parts) == 0 {
		return "0s"
	}
	return strings.Join(parts, " ")
}

func relativeTime(t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	diff := time.Since(t)
	suffix := "ago"
	if diff < 0 {
		diff = -diff
		suffix = "from now"
	}
	return fmt.Sprintf("%s %s", humanDuration(diff), suffix)
}

func formatProgress(p float64, etr *float64) string {
	out := fmt.Sprintf("%.0f%%", p)
	if etr != nil {
		out += " (eta " + humanDuration(time.Duration(*etr*float64(time.Second))) + ")"
	}
	return out
}

// formatEvent renders one envelope as a single line for watch output. The
// second result is false for envelopes that should not be printed.
func formatEvent(env events.Envelope) (string, bool) {
	ts := env.Timestamp
	if ts.IsZero() {
		ts = time.Now()
	}
	prefix := ts.Local().Format("15:04:05")
	switch ev := env.Event.(type) {
	case events.TaskStatusUpdate:
		return fmt.Sprintf("%s  %s  status   %s", prefix, ev.TaskID, ev.Status), true
	case events.TaskProgress:
		line := fmt.Sprintf("%s  %s  progress %s", prefix, ev.TaskID, formatProgress(ev.Progress, ev.EstimatedTimeRemaining))
		if ev.Stage != "" {
			line += " " + ev.Stage
		}
		return line, true
	case events.TaskLog:
		level := ev.Level
		if level == "" {
			level = "info"
		}
		return fmt.Sprintf("%s  %s  log      [%s] %s", prefix, ev.TaskID, level, ev.LogLine), true
	case events.ThreadMessage:
		return fmt.Sprintf("%s  %s  message  %s: %s", prefix, ev.TaskID, ev.Role, ev.Content), true
	case events.ConnectionStatus:
		line := fmt.Sprintf("%s  stream  %s", prefix, ev.Status)
		if ev.Message != "" {
			line += ": " + ev.Message
		}
		return line, true
	default:
		return "", false
	}
}
