package main

import "luxmap/cmd"

func main() {
	cmd.Execute()
}
