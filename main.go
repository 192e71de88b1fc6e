package main

import "github.com/streamhive/relay/cmd"

func main() {
	cmd.Execute()
}
