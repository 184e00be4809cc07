package tui

import (
	"fmt"
	"io"

	"github.com/muesli/termenv"
)

var bannerLines = []string{
	"  _",
	" | |_ ___  ___ ___  ___ _ __ __ _",
	" | __/ _ \\/ __/ __|/ _ \\ '__/ _` |",
	" | ||  __/\\__ \\__ \\  __/ | | (_| |",
	"  \\__\\___||___/___/\\___|_|  \\__,_|",
}

// Indigo to rose, one stop per line.
var bannerColors = []string{"#818cf8", "#a78bfa", "#c084fc", "#e879f9", "#f472b6"}

// PrintBanner writes the Tessera banner to w, colored when w supports it.
func PrintBanner(w io.Writer) {
	out := termenv.NewOutput(w)
	fmt.Fprintln(w)
	for i, line := range bannerLines {
		fmt.Fprintln(w, out.String(line).Foreground(out.Color(bannerColors[i])))
	}
	fmt.Fprintln(w)
}
