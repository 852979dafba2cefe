package common

import (
	"fmt"
	"io"
	"strings"

	"github.com/ternarybob/banner"
)

// PrintBanner writes the startup banner to w and logs the same facts.
func PrintBanner(w io.Writer, config *Config, logger *Logger) {
	version := GetVersion()
	serviceURL := fmt.Sprintf("http://%s:%d", config.Server.Host, config.Server.Port)

	lineColor := banner.ColorCyan
	textColor := banner.ColorBold + banner.ColorWhite
	width := 62
	hr := lineColor + strings.Repeat("═", width) + banner.ColorReset

	art := []string{
		` 888    d8P        d8888 888888b.   888     888 888    d8P        d8888`,
		` 888   d8P        d88888 888  "88b  888     888 888   d8P        d88888`,
		` 888  d8P        d88P888 888  .88P  888     888 888  d8P        d88P888`,
		` 888d88K        d88P 888 8888888K.  888     888 888d88K        d88P 888`,
		` 8888888b      d88P  888 888  "Y88b 888     888 8888888b      d88P  888`,
		` 888  Y88b    d88P   888 888    888 888     888 888  Y88b    d88P   888`,
		` 888   Y88b  d8888888888 888   d88P Y88b. .d88P 888   Y88b  d8888888888`,
		` 888    Y88bd88P     888 8888888P"   "Y88888P"  888    Y88bd88P     888`,
	}

	fmt.Fprintf(w, "\n%s\n\n", hr)
	for _, line := range art {
		fmt.Fprintf(w, "%s%s%s\n", textColor, line, banner.ColorReset)
	}
	fmt.Fprintf(w, "\n%s  Daily JPX price ingestion%s\n\n%s\n\n", textColor, banner.ColorReset, hr)

	kvLines := [][2]string{
		{"Version", version},
		{"Build", GetBuild()},
		{"Commit", GetGitCommit()},
		{"Environment", config.Environment},
		{"Service URL", serviceURL},
		{"Warehouse", config.Warehouse.Backend + " " + config.TableRef()},
		{"Provider", config.JQuants.Provider},
	}
	for _, kv := range kvLines {
		fmt.Fprintf(w, "%s  %-16s %s%s\n", textColor, kv[0], kv[1], banner.ColorReset)
	}
	fmt.Fprintf(w, "\n%s\n\n", hr)

	logger.Info().
		Str("version", version).
		Str("environment", config.Environment).
		Str("service_url", serviceURL).
		Str("warehouse", config.Warehouse.Backend).
		Msg("Application started")
}

// PrintShutdownBanner writes the shutdown banner to w.
func PrintShutdownBanner(w io.Writer, logger *Logger) {
	hr := banner.ColorCyan + strings.Repeat("═", 42) + banner.ColorReset
	fmt.Fprintf(w, "\n%s\n%s  KABUKA SHUTTING DOWN%s\n%s\n\n", hr, banner.ColorBold+banner.ColorWhite, banner.ColorReset, hr)
	logger.Info().Msg("Application shutting down")
}
