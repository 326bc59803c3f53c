package main

import "github.com/MeKo-Tech/calloutscan/internal/cmd"

func main() {
	cmd.Execute()
}
