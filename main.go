package main

import "schoolchat/cmd"

func main() {
	cmd.Execute()
}
