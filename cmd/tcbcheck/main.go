// Command tcbcheck fails when a guarded package can reach a forbidden
// import. Run it from the module root or pass --root.
package main

import (
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/spf13/pflag"

	"github.com/Mindburn-Labs/steward/pkg/tcb"
)

func main() {
	os.Exit(Run(os.Args[1:], os.Stdout, os.Stderr))
}

// Run checks the tree and returns 0 when clean, 1 on violations and 2 on
// usage or parse errors.
func Run(args []string, stdout, stderr io.Writer) int {
	fs := pflag.NewFlagSet("tcbcheck", pflag.ContinueOnError)
	fs.SetOutput(stderr)
	root := fs.String("root", ".", "module root containing go.mod")
	if err := fs.Parse(args); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return 0
		}
		return 2
	}

	c, err := tcb.NewChecker(*root)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "tcbcheck: %v\n", err)
		return 2
	}
	violations := c.Check(tcb.DefaultRules())
	for _, v := range violations {
		_, _ = fmt.Fprintln(stdout, v)
	}
	if len(violations) > 0 {
		_, _ = fmt.Fprintf(stderr, "tcbcheck: %d boundary violation(s)\n", len(violations))
		return 1
	}
	_, _ = fmt.Fprintln(stdout, "tcbcheck: ok")
	return 0
}
