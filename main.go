package main

import "github.com/kozaktomas/doorbell/cmd"

func main() {
	cmd.Execute()
}
