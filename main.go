package main

import "github.com/ValentinKolb/mucore/cmd"

func main() {
	cmd.Execute()
}
