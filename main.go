package main

import "github.com/mkopo-labs/mkopo/cmd"

func main() {
	cmd.Execute()
}
