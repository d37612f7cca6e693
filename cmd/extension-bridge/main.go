// Package main is the entrypoint for the extension-bridge host process.
package main

import (
	"fmt"
	"log"
	"os"

	"github.com/morezero/extension-bridge/internal/server"
)

const usage = `Usage: extension-bridge [command]
       extension-bridge serve      Start the bridge (COMMS, HTTP status, extension loading).

Commands:
  serve    (default) Start the extension bridge.
  help     Show this help.

Environment: HOST_INTERFACE_VERSION, EXTENSION_MANIFEST_FILE, COMMS_URL,
EMBEDDED_COMMS, BRIDGE_HTTP_ADDR (default :8080), LOG_LEVEL.
`

func main() {
	args := os.Args[1:]
	cmd := ""
	if len(args) > 0 && args[0] != "" {
		cmd = args[0]
	}

	switch cmd {
	case "", "serve":
		if err := server.Run(); err != nil {
			log.Fatalf("extension-bridge serve: %v", err)
		}
	case "help", "-h", "--help":
		fmt.Print(usage)
	default:
		fmt.Fprintf(os.Stderr, "extension-bridge: unknown command %q\n\n%s", cmd, usage)
		os.Exit(2)
	}
}
