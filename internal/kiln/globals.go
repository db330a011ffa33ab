package kiln

import (
	"io"
	"os"
	"runtime"

	"github.com/gookit/color"
)

// Global variables
var (
	Debug      bool
	ConfigFile = "/etc/kiln.conf"
	version    = "dev"     // default version; overridden at build time
	buildDate  = "unknown" // overridden at build time
	arch       = runtime.GOARCH

	// console receives every status line; tests point it at io.Discard.
	console io.Writer = os.Stdout
)

// color helpers
var (
	colInfo    = color.Info // style provided by gookit/color
	colWarn    = color.Warn
	colError   = color.Error
	colSuccess = color.HEX("#1976D2")
	colArrow   = color.HEX("#FFEB3B")
	colNote    = color.Tag("notice")
)

// SetConsole redirects status output. A nil writer silences it.
func SetConsole(w io.Writer) {
	if w == nil {
		w = io.Discard
	}
	console = w
}
