// Command parallelpark runs functions in freshly spawned child processes.
// The same binary serves as its own worker.
package main

import (
	"context"
	stderrors "errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/mattjoyce/parallelpark/internal/errors"
	"github.com/mattjoyce/parallelpark/internal/worker"
)

func main() {
	if worker.IsWorkerProcess() {
		os.Exit(worker.Main(builtinTasks()))
	}
	os.Exit(runCLI(os.Args[1:], os.Stdin, os.Stdout, os.Stderr))
}

func runCLI(args []string, stdin io.Reader, stdout, stderr io.Writer) int {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	root := newRootCmd()
	root.SetArgs(args)
	root.SetIn(stdin)
	root.SetOut(stdout)
	root.SetErr(stderr)

	if err := root.ExecuteContext(ctx); err != nil {
		reportError(stderr, err)
		return 1
	}
	return 0
}

// reportError prints err for a human. Application failures carry their own
// reconciled stack, which is more useful than the one-line message.
func reportError(w io.Writer, err error) {
	var appErr *errors.ApplicationError
	if stderrors.As(err, &appErr) && appErr.Stack != "" {
		fmt.Fprintln(w, appErr.Stack)
		return
	}
	fmt.Fprintf(w, "Error: %v\n", err)
}
