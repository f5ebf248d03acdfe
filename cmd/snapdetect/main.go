package main

import "github.com/MeKo-Tech/snapdetect/cmd/snapdetect/cmd"

func main() {
	cmd.Execute()
}
