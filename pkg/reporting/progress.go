package reporting

import (
	"fmt"
	"os"

	"github.com/fatih/color"
	"github.com/schollz/progressbar/v3"
)

// Phase is one of the stages the CLI walks through, printed as a stage
// label on stderr the way the original tool's --quite-gated progress did.
type Phase string

const (
	PhaseTrainingClassifier Phase = "training classifier"
	PhaseBuildingSets       Phase = "building eviction sets"
	PhaseLocatingRX         Phase = "locating RX ring"
	PhaseTracking           Phase = "tracking"
)

// ProgressReporter renders stage labels, a set-construction progress bar,
// and colored success/error banners on stderr. Every method except
// ReportError is a no-op when quiet is set; errors are always printed.
type ProgressReporter struct {
	quiet bool
	bar   *progressbar.ProgressBar

	errColor  *color.Color
	okColor   *color.Color
}

// NewProgressReporter creates a reporter. quiet silences everything but
// error messages.
func NewProgressReporter(quiet bool) *ProgressReporter {
	return &ProgressReporter{
		quiet:    quiet,
		errColor: color.New(color.FgRed, color.Bold),
		okColor:  color.New(color.FgGreen, color.Bold),
	}
}

// ReportPhase announces the start of a new stage.
func (pr *ProgressReporter) ReportPhase(p Phase) {
	if pr.quiet {
		return
	}
	fmt.Fprintf(os.Stderr, "==> %s\n", p)
}

// StartColorProgress creates a progress bar tracking eviction-set
// construction, one tick per color profiled.
func (pr *ProgressReporter) StartColorProgress(totalColors int) {
	if pr.quiet {
		return
	}
	pr.bar = progressbar.NewOptions(totalColors,
		progressbar.OptionSetDescription("building eviction sets"),
		progressbar.OptionSetWriter(os.Stderr),
		progressbar.OptionShowCount(),
		progressbar.OptionClearOnFinish(),
	)
}

// ColorBuilt advances the color-construction progress bar. Passed
// directly as an rpp.WithProgress callback.
func (pr *ProgressReporter) ColorBuilt(built, total int) {
	if pr.quiet || pr.bar == nil {
		return
	}
	_ = pr.bar.Set(built)
}

// ReportError prints msg in red to stderr.
func (pr *ProgressReporter) ReportError(msg string) {
	pr.errColor.Fprintln(os.Stderr, msg)
}

// ReportSuccess prints "MEASUREMENTS COMPLETED" in green, per §7.
func (pr *ProgressReporter) ReportSuccess() {
	if pr.quiet {
		return
	}
	pr.okColor.Fprintln(os.Stderr, "MEASUREMENTS COMPLETED")
}
