package main

import "github.com/smartobjectoriented/soo/cmd/relayctl/command"

func main() {
	command.Execute()
}
