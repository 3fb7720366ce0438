// Command auditd runs an HTTP service whose operations are audited through
// the audit wrapper and delivered to the configured sinks.
package main

import (
	"os"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}
