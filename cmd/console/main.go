package main

import "github.com/ramiqadoumi/go-chart-flow/services/console/cli"

func main() { cli.Execute() }
