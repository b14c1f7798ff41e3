package sim

import (
	"fmt"

	"github.com/sirupsen/logrus"
)

// Warning categories surfaced on results. These are recovered conditions,
// not errors: the simulation continues after recording one.
const (
	WarnNumericDegeneracy = "numeric_degeneracy"
	WarnCapacityExceeded  = "capacity_exceeded"
	WarnDegenerateInput   = "degenerate_input"
	WarnTreasuryShortfall = "treasury_shortfall"
)

// Warning is one recovered anomaly, attached to the run that produced it.
type Warning struct {
	Category string `json:"category"`
	Month    int    `json:"month"` // -1 when not tied to a month
	Message  string `json:"message"`
}

func (w Warning) String() string {
	if w.Month < 0 {
		return fmt.Sprintf("[%s] %s", w.Category, w.Message)
	}
	return fmt.Sprintf("[%s] month %d: %s", w.Category, w.Month, w.Message)
}

// warningRecorder collects warnings during a run and mirrors them to the log.
type warningRecorder struct {
	warnings []Warning
}

func (r *warningRecorder) warnf(category string, month int, format string, args ...any) {
	w := Warning{Category: category, Month: month, Message: fmt.Sprintf(format, args...)}
	r.warnings = append(r.warnings, w)
	logrus.Warn(w.String())
}
