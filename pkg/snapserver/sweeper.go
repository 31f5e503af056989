package snapserver

import (
	"context"
	"errors"
	"time"

	"github.com/function61/gokit/logex"
	"github.com/function61/snaprestore/pkg/restorer"
	"github.com/robfig/cron/v3"
)

var cronParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

func parseSweepSchedule(schedule string) (cron.Schedule, error) {
	return cronParser.Parse(schedule)
}

// periodically deletes expired snapshots. a sweep colliding with an in-flight
// restore or snapshot creation just skips that round - the next one picks the
// expired snapshots up.
func sweeperTask(
	schedule cron.Schedule,
	core *restorer.Restorer,
	metrics *metricsController,
	logl *logex.Leveled,
) func(context.Context) error {
	return func(ctx context.Context) error {
		for {
			next := schedule.Next(time.Now())

			select {
			case <-ctx.Done():
				return nil
			case <-time.After(time.Until(next)):
				runSweep(core, metrics, logl)
			}
		}
	}
}

func runSweep(core *restorer.Restorer, metrics *metricsController, logl *logex.Leveled) {
	live, failures, err := core.Sweep()
	if err != nil {
		if errors.Is(err, restorer.ErrBusy) {
			logl.Debug.Println("sweep skipped: operation in flight")
			return
		}

		logl.Error.Printf("expiry sweep: %v", err)
		return
	}

	for _, failure := range failures {
		logl.Error.Printf("failed sweeping %s: %s", failure.Snapshot.ID, failure.Cause)
	}

	metrics.sweepFailures.Add(float64(len(failures)))

	logl.Debug.Printf("sweep done, %d snapshot(s) remain", len(live))
}
