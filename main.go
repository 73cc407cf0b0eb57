package main

import "github.com/nickbruun/election/cmd"

func main() {
	cmd.Execute()
}
