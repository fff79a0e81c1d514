// Command finagent runs the financial agent orchestrator: one-shot event
// processing, scheduled jobs and the notification worker.
package main

import (
	"fmt"
	"os"
)

func main() {
	if err := newRootCmd(os.Getenv).Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "finagent:", err)
		exitFn(1)
	}
}

var exitFn = os.Exit
