// Command extract is the ambient CLI front end over the extract package: a
// thin wrapper that resolves an extractor list from a configuration
// string, runs it over one or more files, and prints what the sink
// receives. The request/response protocol and scheduler it drives are the
// hard core of this repository; this binary is scaffolding around that
// core, using spf13/cobra for flag layout rather than the stdlib flag
// package.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/ndurner/libextractor-sub002/extract"
	"github.com/ndurner/libextractor-sub002/internal/registry"
	"github.com/ndurner/libextractor-sub002/internal/worker"
	"github.com/ndurner/libextractor-sub002/internal/workerproc"
	_ "github.com/ndurner/libextractor-sub002/plugins"
)

func main() {
	if os.Getenv(worker.WorkerEnvVar) == "1" {
		if err := workerproc.RunFromInheritedFDs(); err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(1)
		}
		return
	}

	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var config string
	var closeStdio bool

	root := &cobra.Command{
		Use:   "extract [files...]",
		Short: "Run metadata extractors over one or more files",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			flags := registry.Flags(0)
			if closeStdio {
				flags |= registry.CloseStdio
			}
			descs, err := extract.ResolveExtractors(config, flags)
			if err != nil {
				return err
			}
			for _, path := range args {
				sink := func(origin string, format, typ uint16, mime string, value []byte) bool {
					fmt.Printf("%s\t%s\tformat=%d\ttype=%d\t%s\n", path, origin, format, typ, string(value))
					return false
				}
				if err := extract.File(path, descs, sink, extract.Options{}); err != nil {
					fmt.Fprintf(os.Stderr, "%s: %v\n", path, err)
				}
			}
			return nil
		},
	}
	root.Flags().StringVarP(&config, "extractors", "e", "", "colon-separated extractor configuration string")
	root.Flags().BoolVar(&closeStdio, "close-stdio", false, "redirect worker stdout/stderr to /dev/null")
	return root
}
