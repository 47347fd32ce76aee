package main

import "crawlcompose/cmd/crawlctl/cmd"

func main() {
	cmd.Execute()
}
