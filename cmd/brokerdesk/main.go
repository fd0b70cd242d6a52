package main

import "github.com/jmcleod/brokerdesk/cmd/brokerdesk/cmd"

func main() {
	cmd.Execute()
}
