/*
Copyright © 2025 renatuscartesius <cartesius.absolute@gmail.com>
*/
package main

import (
	"os"

	"ycmodules/cmd"
	"ycmodules/internal/logging"
)

func main() {
	// Initialize logger
	if err := logging.InitLogger(); err != nil {
		panic("Failed to initialize logger: " + err.Error())
	}

	code := cmd.Execute()

	// Sync on stderr fails on some terminals; nothing useful can be done
	// about it this late.
	_ = logging.Sync()

	os.Exit(code)
}
