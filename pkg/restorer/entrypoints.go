package restorer

import (
	"fmt"
	"os"
	"time"

	"github.com/function61/gokit/logex"
	"github.com/function61/gokit/osutil"
	"github.com/function61/snaprestore/pkg/dirsync"
	"github.com/mattn/go-isatty"
	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"
)

func Entrypoints() []*cobra.Command {
	return []*cobra.Command{
		snapshotEntrypoint(),
		restoreEntrypoint(),
	}
}

func snapshotEntrypoint() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "snapshot",
		Short: "Volume snapshot management",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "create [description]",
		Short: "Takes a new snapshot of the configured volume",
		Args:  cobra.MaximumNArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			description := "Snapshot"
			if len(args) > 0 {
				description = args[0]
			}

			restorer, err := restorerFromConfig()
			osutil.ExitIfError(err)

			snapshot, err := restorer.CreateSnapshot(description)
			osutil.ExitIfError(err)

			fmt.Printf("%s (expires %s)\n", snapshot.ID, snapshot.ExpiresAt.Format(time.RFC822Z))
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "Lists snapshots of the configured volume, newest first",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			restorer, err := restorerFromConfig()
			osutil.ExitIfError(err)

			snapshots, err := restorer.ListSnapshots()
			osutil.ExitIfError(err)

			table := tablewriter.NewWriter(os.Stdout)
			table.SetHeader([]string{"ID", "Description", "Created", "Expires"})

			now := time.Now()

			for _, snapshot := range snapshots {
				expires := snapshot.ExpiresAt.Format(time.RFC822Z)
				if snapshot.IsExpired(now) {
					expires += " (expired)"
				}

				table.Append([]string{
					snapshot.ID,
					snapshot.Description,
					snapshot.CreatedAt.Format(time.RFC822Z),
					expires,
				})
			}

			table.Render()
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "rm [id]",
		Short: "Deletes a snapshot (succeeds also if it's already gone)",
		Args:  cobra.ExactArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			restorer, err := restorerFromConfig()
			osutil.ExitIfError(err)

			osutil.ExitIfError(restorer.DeleteSnapshot(args[0]))
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "sweep",
		Short: "Deletes all expired snapshots",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			restorer, err := restorerFromConfig()
			osutil.ExitIfError(err)

			live, failures, err := restorer.Sweep()
			osutil.ExitIfError(err)

			for _, failure := range failures {
				fmt.Fprintf(os.Stderr, "failed sweeping %s: %s\n", failure.Snapshot.ID, failure.Cause)
			}

			fmt.Printf("%d snapshot(s) remain\n", len(live))
		},
	})

	return cmd
}

func restoreEntrypoint() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "restore [snapshotId] [targetPath]",
		Short: "Rolls a directory tree back to its state in a snapshot",
		Args:  cobra.ExactArgs(2),
		Run: func(cmd *cobra.Command, args []string) {
			ctx := osutil.CancelOnInterruptOrTerminate(logex.StandardLogger())

			restorer, err := restorerFromConfig()
			osutil.ExitIfError(err)

			if pending := restorer.CheckPendingRestore(); pending != nil {
				fmt.Fprintf(
					os.Stderr,
					"note: interrupted restore of %s exists (snapshot %s) - starting a new restore anyway\n",
					pending.TargetPath,
					pending.SnapshotID)
			}

			result, err := restorer.Restore(ctx, args[0], args[1])
			osutil.ExitIfError(err)

			reportResult(result)
		},
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "pending",
		Short: "Shows an interrupted restore waiting for resume, if any",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			restorer, err := restorerFromConfig()
			osutil.ExitIfError(err)

			pending := restorer.CheckPendingRestore()
			if pending == nil {
				fmt.Println("no pending restore")
				return
			}

			fmt.Printf(
				"snapshot:    %s\ntarget:      %s\nstarted:     %s\ndescription: %s\n",
				pending.SnapshotID,
				pending.TargetPath,
				pending.StartedAt.Format(time.RFC822Z),
				pending.SnapshotDescription)
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "resume",
		Short: "Re-runs an interrupted restore with its original snapshot and target",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			ctx := osutil.CancelOnInterruptOrTerminate(logex.StandardLogger())

			restorer, err := restorerFromConfig()
			osutil.ExitIfError(err)

			result, err := restorer.ResumeRestore(ctx)
			osutil.ExitIfError(err)

			reportResult(result)
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "abandon",
		Short: "Gives up on an interrupted restore without retrying it",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			restorer, err := restorerFromConfig()
			osutil.ExitIfError(err)

			osutil.ExitIfError(restorer.AbandonRestore())
		},
	})

	return cmd
}

func restorerFromConfig() (*Restorer, error) {
	conf, err := ReadConfig()
	if err != nil {
		return nil, err
	}

	logger := logex.StandardLogger()

	restorer, err := New(*conf, logger)
	if err != nil {
		return nil, err
	}

	// per-file progress only when a human is watching
	if isatty.IsTerminal(os.Stdout.Fd()) {
		restorer.OnSyncProgress(func(op string, path string) {
			fmt.Printf("  %-7s %s\n", op, path)
		})
	}

	return restorer, nil
}

func reportResult(result *dirsync.Result) {
	for _, failure := range result.PartialFailures {
		fmt.Fprintf(os.Stderr, "could not sync %s: %s\n", failure.Path, failure.Cause)
	}

	fmt.Printf(
		"restored: %d file(s) copied, %d file(s) + %d dir(s) deleted, %d untouched\n",
		result.FilesCopied,
		result.FilesDeleted,
		result.DirsDeleted,
		result.FilesUntouched)
}
