package notify

import (
	"fmt"
	"io"
	"strconv"
	"time"

	"github.com/olekukonko/tablewriter"

	"github.com/alanyoungcy/lpkeeper/internal/domain"
)

// Console prints cycle summaries as tables.
type Console struct {
	out io.Writer
}

// NewConsole creates a Console writing to out.
func NewConsole(out io.Writer) *Console {
	return &Console{out: out}
}

// PrintSummary writes one cycle's counters and, when present, its failures.
func (c *Console) PrintSummary(s domain.CycleSummary) {
	fmt.Fprintf(c.out, "\ncycle %s  %s  (%s)\n",
		s.ID, s.StartedAt.Format("2006-01-02 15:04:05Z07:00"), s.Duration().Round(time.Millisecond))

	table := tablewriter.NewWriter(c.out)
	table.Header("Stage", "Metric", "Count")
	rows := []struct {
		stage, metric string
		n             int
	}{
		{"requeue", "reconciled (stuck)", s.JobsReconciled},
		{"requeue", "resubmitted", s.JobsRequeued},
		{"prices", "recorded", s.PricesRecorded},
		{"monitor", "positions checked", s.PositionsChecked},
		{"monitor", "positions skipped", s.PositionsSkipped},
		{"monitor", "jobs created", s.JobsCreated},
		{"signals", "accepted", s.SignalsAccepted},
		{"signals", "discarded", s.SignalsDiscarded},
		{"execute", "completed", s.JobsCompleted},
		{"execute", "failed", s.JobsFailed},
		{"execute", "deferred", s.JobsDeferred},
	}
	for _, r := range rows {
		table.Append(r.stage, r.metric, strconv.Itoa(r.n))
	}
	table.Render()

	if len(s.Failures) == 0 {
		return
	}
	fmt.Fprintf(c.out, "\n%d failure(s)\n", len(s.Failures))
	failures := tablewriter.NewWriter(c.out)
	failures.Header("Stage", "Item", "Error")
	for _, f := range s.Failures {
		failures.Append(f.Stage, f.ItemID, f.Error)
	}
	failures.Render()
}
