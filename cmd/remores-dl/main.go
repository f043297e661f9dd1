package main

import (
	"os"

	"remores-dl/cmd/remores-dl/commands"
	"remores-dl/lib/serviceutil"
)

func main() {
	commands.Token = os.Getenv("CANVAS_API_TOKEN")
	commands.ExecuteContext(serviceutil.SignalContext())
}
