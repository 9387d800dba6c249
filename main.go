package main

import "github.com/cppla/surveyreward/cmd"

func main() {
	cmd.Execute()
}
