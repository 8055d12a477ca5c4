package progress

import (
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/schollz/progressbar/v3"
)

// Display renders a Tracker as a terminal progress bar
type Display struct {
	tracker  *Tracker
	interval time.Duration
	out      io.Writer
	bar      *progressbar.ProgressBar
	stopCh   chan struct{}
	doneCh   chan struct{}
}

// NewDisplay creates a new progress display
func NewDisplay(tracker *Tracker, interval time.Duration) *Display {
	return newDisplay(tracker, interval, os.Stdout)
}

func newDisplay(tracker *Tracker, interval time.Duration, out io.Writer) *Display {
	return &Display{
		tracker:  tracker,
		interval: interval,
		out:      out,
		stopCh:   make(chan struct{}),
		doneCh:   make(chan struct{}),
	}
}

// Start starts the progress display
func (d *Display) Start() {
	d.bar = progressbar.NewOptions64(
		d.tracker.GetStatus().TotalRows,
		progressbar.OptionSetWriter(d.out),
		progressbar.OptionSetDescription("Migrating"),
		progressbar.OptionShowCount(),
		progressbar.OptionSetWidth(40),
		progressbar.OptionThrottle(100*time.Millisecond),
		progressbar.OptionShowIts(),
		progressbar.OptionSetItsString("rows"),
		progressbar.OptionFullWidth(),
		progressbar.OptionSetRenderBlankState(true),
	)
	go d.displayLoop()
}

// Stop stops the display and prints the final summary
func (d *Display) Stop() {
	close(d.stopCh)
	<-d.doneCh
}

func (d *Display) displayLoop() {
	defer close(d.doneCh)

	ticker := time.NewTicker(d.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			d.updateDisplay()
		case <-d.stopCh:
			d.updateDisplay()
			_ = d.bar.Finish()
			fmt.Fprintln(d.out)
			fmt.Fprintln(d.out, strings.Join(d.generateFinalDisplay(d.tracker.GetStatus()), "\n"))
			return
		}
	}
}

func (d *Display) updateDisplay() {
	status := d.tracker.GetStatus()
	if status.TotalRows > 0 && status.TotalRows != d.bar.GetMax64() {
		d.bar.ChangeMax64(status.TotalRows)
	}
	_ = d.bar.Set64(status.ProcessedRows)
}

func (d *Display) generateFinalDisplay(status Status) []string {
	elapsed := status.LastUpdateTime.Sub(status.StartTime)

	return []string{
		"Migration finished",
		strings.Repeat("=", 51),
		fmt.Sprintf("Rows processed: %d", status.ProcessedRows),
		fmt.Sprintf("Migrated:       %d", status.MigratedRows),
		fmt.Sprintf("Failed:         %d", status.FailedRows),
		fmt.Sprintf("Pages:          %d", status.PagesDone),
		fmt.Sprintf("Elapsed:        %s", elapsed.Round(time.Second)),
		fmt.Sprintf("Average rate:   %s", FormatRate(status.AverageRate)),
	}
}

// IsTerminalSupported checks whether stdout is a terminal
func IsTerminalSupported() bool {
	fileInfo, err := os.Stdout.Stat()
	if err != nil {
		return false
	}
	return fileInfo.Mode()&os.ModeCharDevice != 0
}
