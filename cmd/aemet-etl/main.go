// Command aemet-etl fetches AEMET municipal forecasts and delivers them.
//
// Build information is set via ldflags:
//
//	go build -ldflags "-X github.com/Sternrassler/aemet-forecast-etl/internal/version.Version=1.0.0" ./cmd/aemet-etl
package main

import "github.com/Sternrassler/aemet-forecast-etl/internal/cli"

func main() {
	cli.Execute()
}
