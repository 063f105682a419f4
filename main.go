// Package main is entrypoint for the application
package main

import (
	"telecore/cmd"
)

func main() {
	cmd.Run()
}
