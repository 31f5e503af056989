// HTTP front end over the snapshot/restore core, plus the background expiry
// sweep. This is what a GUI talks to - the core stays usable as a plain
// library without it.
package snapserver

import (
	"context"
	"log"
	"net/http"

	"github.com/function61/gokit/httputils"
	"github.com/function61/gokit/logex"
	"github.com/function61/gokit/osutil"
	"github.com/function61/gokit/taskrunner"
	"github.com/function61/snaprestore/pkg/restorer"
	"github.com/spf13/cobra"
)

func Entrypoint() *cobra.Command {
	return &cobra.Command{
		Use:   "server",
		Short: "Runs the snapshot/restore HTTP API server",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			rootLogger := logex.StandardLogger()

			osutil.ExitIfError(runServer(
				osutil.CancelOnInterruptOrTerminate(rootLogger),
				rootLogger))
		},
	}
}

func runServer(ctx context.Context, logger *log.Logger) error {
	logl := logex.Levels(logger)

	conf, err := restorer.ReadConfig()
	if err != nil {
		return err
	}

	core, err := restorer.New(*conf, logger)
	if err != nil {
		return err
	}

	// an interrupted restore is surfaced once at start. resuming (or
	// abandoning) it is a deliberate decision made through the API.
	if pending := core.CheckPendingRestore(); pending != nil {
		logl.Error.Printf(
			"interrupted restore of %s (snapshot %s) found - expecting resume or abandon",
			pending.TargetPath,
			pending.SnapshotID)
	}

	metrics := newMetricsController()

	// expiry sweep on load, then periodically per the configured schedule
	runSweep(core, metrics, logl)

	sweepSchedule, err := parseSweepSchedule(conf.SweepSchedule)
	if err != nil {
		return err
	}

	srv := &http.Server{
		Addr:    conf.ListenAddr,
		Handler: metrics.WrapHTTPServer(defineRestApi(core, metrics, logl)),
	}

	tasks := taskrunner.New(ctx, logger)

	tasks.Start("listener "+conf.ListenAddr, func(ctx context.Context) error {
		return httputils.RemoveGracefulServerClosedError(srv.ListenAndServe())
	})

	tasks.Start("listenershutdowner", httputils.ServerShutdownTask(srv))

	tasks.Start("sweeper", sweeperTask(sweepSchedule, core, metrics, logl))

	logl.Info.Printf("listening on %s", conf.ListenAddr)

	return tasks.Wait()
}
