// Command outboxctl inspects and replays realtime outbox events.
package main

import (
	"fmt"
	"os"
)

func main() {
	if err := newRootCommand(&rootOptions{open: openFromEnv}).Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}
