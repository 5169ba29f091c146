package main

import (
	"go-batch-download/cmd/batch-downloader/cmd"
)

func main() {
	// Execute the root command (defined in cmd/root.go)
	cmd.Execute()
}
