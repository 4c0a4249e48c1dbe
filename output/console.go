// Package output renders session activity for a terminal.
package output

import (
	"fmt"
	"io"
	"math"
	"strings"
	"sync"

	"github.com/mrsingh-rishi/emotion-stream/model"
	"github.com/mrsingh-rishi/emotion-stream/queue"
	"github.com/mrsingh-rishi/emotion-stream/types"
	"go.uber.org/zap"
)

const (
	DefaultHistorySize = 3
	topClasses         = 3
)

// Console is a types.ResultSink and types.ErrorReporter that prints to w and
// remembers the last few results.
type Console struct {
	w       io.Writer
	log     *zap.Logger
	history *queue.Bounded[model.PredictionResult]

	mu sync.Mutex // serializes writes
}

func NewConsole(w io.Writer, historySize int, logger *zap.Logger) *Console {
	if historySize <= 0 {
		historySize = DefaultHistorySize
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Console{
		w:       w,
		log:     logger.Named("console"),
		history: queue.New[model.PredictionResult](historySize),
	}
}

// History returns the remembered results, oldest first.
func (c *Console) History() []model.PredictionResult {
	return c.history.Snapshot()
}

func (c *Console) OnResult(r model.PredictionResult) {
	c.history.Enqueue(r)

	var b strings.Builder
	fmt.Fprintf(&b, "%-9s %5.1f%%", r.Label, r.Confidence*100)

	top := r.Top(topClasses)
	parts := make([]string, len(top))
	for i, p := range top {
		parts[i] = fmt.Sprintf("%s %.1f%%", p.Label, p.Probability*100)
	}
	fmt.Fprintf(&b, "  [%s]", strings.Join(parts, " | "))

	hist := c.history.Snapshot()
	recent := make([]string, 0, len(hist))
	for i := len(hist) - 1; i >= 0; i-- {
		recent = append(recent, hist[i].Label)
	}
	fmt.Fprintf(&b, "  recent: %s", strings.Join(recent, ", "))

	c.println(b.String())
}

func (c *Console) OnStatusChange(st types.ConnectionState) {
	c.println("status: " + st.String())
}

func (c *Console) OnSessionError(err error) {
	c.println("session ended: " + err.Error())
}

// PrintWindow draws a level meter for the latest waveform window.
func (c *Console) PrintWindow(w model.SampleWindow) {
	c.println("level: " + Meter(w, 40))
}

func (c *Console) println(line string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, err := io.WriteString(c.w, line+"\n"); err != nil {
		c.log.Warn("console write failed", zap.Error(err))
	}
}

// Meter renders the peak absolute amplitude of w as a bar of the given width.
func Meter(w model.SampleWindow, width int) string {
	var peak float64
	for _, v := range w {
		peak = math.Max(peak, math.Abs(v))
	}
	if peak > 1 {
		peak = 1
	}
	n := int(math.Round(peak * float64(width)))
	return "|" + strings.Repeat("#", n) + strings.Repeat(" ", width-n) + "|"
}
