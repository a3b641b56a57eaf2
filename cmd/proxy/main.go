// Command proxy runs the REST proxy daemon: it consumes request envelopes
// off the message bus, mediates them through a rate-limit gate, executes
// them against the remote HTTP API, and replies with the outcome.
package main

import "os"

func main() {
	root := newRootCommand()
	root.AddCommand(versionCmd())

	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}
