// Command confluence runs the chat/media coordination backend: the
// authenticated chat socket, the anonymous media socket, and the
// operator-facing HTTP surface, wired over the room, transport, queue
// and worker-pool packages in internal/. Follows the construction order
// of a single main wiring every collaborator by hand, restructured behind
// spf13/cobra subcommands instead of a single flat main so operational
// tasks (inspecting a running deployment, rendering a fully-defaulted
// config) don't need their own binaries.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

func main() {
	root := &cobra.Command{
		Use:   "confluence",
		Short: "Real-time chat and media conferencing coordination backend",
	}

	root.AddCommand(newServeCommand())
	root.AddCommand(newMigrateConfigCommand())
	root.AddCommand(newWorkerStatusCommand())

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
