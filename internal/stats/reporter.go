package stats

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/fatih/color"
	log "github.com/sirupsen/logrus"
)

var (
	headingColor = color.New(color.FgCyan, color.Bold)
	warnColor    = color.New(color.FgYellow)
)

// Reporter outputs statistics to console and/or file.
type Reporter struct {
	collector   *Collector
	intervalSec int
	exportFile  string
}

// NewReporter creates a new statistics reporter.
func NewReporter(collector *Collector, intervalSec int, exportFile string) *Reporter {
	return &Reporter{
		collector:   collector,
		intervalSec: intervalSec,
		exportFile:  exportFile,
	}
}

// StartPeriodicReport begins periodic statistics reporting in a goroutine.
func (r *Reporter) StartPeriodicReport(ctx context.Context) {
	if r.intervalSec <= 0 {
		return
	}

	go func() {
		ticker := time.NewTicker(time.Duration(r.intervalSec) * time.Second)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				fmt.Println(r.FormatReport())
			}
		}
	}()
}

// PrintFinalReport prints the final statistics summary.
func (r *Reporter) PrintFinalReport() {
	r.collector.Finish()
	fmt.Println(r.FormatReport())
}

// ExportJSON exports statistics to a JSON file.
func (r *Reporter) ExportJSON() error {
	if r.exportFile == "" {
		return nil
	}

	data, err := r.MarshalJSON()
	if err != nil {
		return err
	}

	if err := os.WriteFile(r.exportFile, data, 0644); err != nil {
		return fmt.Errorf("failed to write stats file %s: %w", r.exportFile, err)
	}

	log.WithField("file", r.exportFile).Info("Statistics exported to JSON")
	return nil
}

// MarshalJSON renders the current statistics as indented JSON.
func (r *Reporter) MarshalJSON() ([]byte, error) {
	snap := r.collector.Snapshot()
	min, avg, max, p99 := snap.ProcessingTimeStats()

	export := map[string]interface{}{
		"start_time":   snap.StartTime.Format(time.RFC3339),
		"duration_sec": snap.Duration().Seconds(),
		"messages":     map[string]interface{}{},
		"events":       snap.Events,
		"sessions": map[string]interface{}{
			"started":   snap.SessionsStarted,
			"completed": snap.SessionsCompleted,
			"failed":    snap.SessionsFailed,
			"charging":  snap.ChargingSessions,
		},
		"processing_ms": map[string]interface{}{
			"min": float64(min) / float64(time.Millisecond),
			"avg": float64(avg) / float64(time.Millisecond),
			"max": float64(max) / float64(time.Millisecond),
			"p99": float64(p99) / float64(time.Millisecond),
		},
	}
	if !snap.EndTime.IsZero() {
		export["end_time"] = snap.EndTime.Format(time.RFC3339)
	}

	msgs := export["messages"].(map[string]interface{})
	for name, s := range snap.MessageStats {
		msgs[name] = map[string]interface{}{
			"received":   s.Received,
			"sent":       s.Sent,
			"success":    s.Success,
			"failed":     s.Failed,
			"timeout":    s.Timeout,
			"retransmit": s.Retransmit,
		}
	}

	data, err := json.MarshalIndent(export, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("failed to marshal stats JSON: %w", err)
	}
	return data, nil
}

// FormatReport generates a formatted statistics report string.
func (r *Reporter) FormatReport() string {
	snap := r.collector.Snapshot()
	elapsed := snap.Duration()
	min, avg, max, p99 := snap.ProcessingTimeStats()

	var sb strings.Builder
	sb.WriteString(headingColor.Sprintf("\n=== EVSE Controller Statistics (elapsed: %s) ===\n", elapsed.Round(time.Second)))
	sb.WriteString(headingColor.Sprint("Messages:\n"))

	typeNames := make([]string, 0, len(snap.MessageStats))
	for name := range snap.MessageStats {
		typeNames = append(typeNames, name)
	}
	sort.Strings(typeNames)

	for _, name := range typeNames {
		s := snap.MessageStats[name]
		line := fmt.Sprintf("  %-34s recv=%-5d sent=%-5d ok=%-5d fail=%-5d timeout=%-5d retx=%-5d\n",
			name+":", s.Received, s.Sent, s.Success, s.Failed, s.Timeout, s.Retransmit)
		if s.Failed > 0 || s.Timeout > 0 {
			line = warnColor.Sprint(line)
		}
		sb.WriteString(line)
	}

	if len(snap.Events) > 0 {
		sb.WriteString(headingColor.Sprint("Events:\n"))
		eventNames := make([]string, 0, len(snap.Events))
		for name := range snap.Events {
			eventNames = append(eventNames, name)
		}
		sort.Strings(eventNames)
		for _, name := range eventNames {
			sb.WriteString(fmt.Sprintf("  %-34s %d\n", name+":", snap.Events[name]))
		}
	}

	sb.WriteString(headingColor.Sprint("Sessions:\n"))
	sb.WriteString(fmt.Sprintf("  Started: %d  |  Completed: %d  |  Failed: %d  |  Charging: %d\n",
		snap.SessionsStarted, snap.SessionsCompleted, snap.SessionsFailed, snap.ChargingSessions))

	if len(snap.ProcessingTimes) > 0 {
		sb.WriteString(headingColor.Sprint("Processing Times:\n"))
		sb.WriteString(fmt.Sprintf("  Min: %s  |  Avg: %s  |  Max: %s  |  P99: %s\n",
			min.Round(time.Microsecond), avg.Round(time.Microsecond),
			max.Round(time.Microsecond), p99.Round(time.Microsecond)))
	}

	sb.WriteString("================================================\n")
	return sb.String()
}
