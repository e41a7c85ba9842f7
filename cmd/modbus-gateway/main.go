// Command modbus-gateway runs the Modbus TCP-to-serial gateway together
// with the local IO slave.
package main

import (
	"fmt"
	"os"
)

var version = "1.0.0"

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
