package main

import "lansend/cmd"

func main() {
	cmd.Execute()
}
