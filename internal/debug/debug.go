// Package debug provides a named stop-point hook that external test
// harnesses use to pause a running chain at an exact stage boundary
// before sending a signal, kept from the teacher's own debug hook but
// renamed off its PGCLONE-specific env var.
package debug

import (
	"fmt"
	"os"
)

// StopIf blocks indefinitely if the PGBACKUP_TEST_STOP environment
// variable equals label. It prints a marker line to stderr so a test
// harness can wait until the exact stop point is reached before acting.
func StopIf(label string) {
	if os.Getenv("PGBACKUP_TEST_STOP") != label {
		return
	}
	fmt.Fprintf(os.Stderr, "TEST_stop_point_%s\n", label)
	select {}
}
