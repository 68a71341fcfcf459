package rubybuild

import (
	"fmt"

	"github.com/gookit/color"
)

// Debug enables extra diagnostic output. Set once at startup.
var Debug bool

// color helpers
var (
	colWarn    = color.Warn
	colError   = color.Error
	colSuccess = color.HEX("#1976D2")
	colArrow   = color.HEX("#FFEB3B")
)

// debugf prints debug messages when Debug is true
func debugf(format string, args ...any) {
	if Debug {
		fmt.Printf(format, args...)
	}
}
