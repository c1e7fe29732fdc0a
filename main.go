package main

import "github.com/nextlevelbuilder/laneway/cmd"

func main() {
	cmd.Execute()
}
