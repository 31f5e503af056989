package main

import (
	"os"

	"github.com/function61/gokit/dynversion"
	"github.com/function61/gokit/osutil"
	"github.com/function61/snaprestore/pkg/restorer"
	"github.com/function61/snaprestore/pkg/snapserver"
	"github.com/spf13/cobra"
)

func main() {
	rootCmd := &cobra.Command{
		Use:     os.Args[0],
		Short:   "snaprestore: volume snapshots + crash-safe directory restores",
		Version: dynversion.Version,
		// hide the default "completion" subcommand from polluting UX (it can still be used). https://github.com/spf13/cobra/issues/1507
		CompletionOptions: cobra.CompletionOptions{HiddenDefaultCmd: true},
	}

	for _, entrypoint := range restorer.Entrypoints() {
		rootCmd.AddCommand(entrypoint)
	}

	rootCmd.AddCommand(snapserver.Entrypoint())

	osutil.ExitIfError(rootCmd.Execute())
}
