// Command creditctl previews credit prices and margins offline, using the
// same calculator as the server.
package main

import (
	"os"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}
