package rubybuild

import (
	"fmt"

	"github.com/gdamore/tcell/v2"
	"github.com/rivo/tview"
)

// RunDefinitionPicker shows an interactive list of the known definitions
// and returns the one the user selects. Esc or Ctrl-Q cancels.
func RunDefinitionPicker(defs []string) (string, error) {
	if len(defs) == 0 {
		return "", fmt.Errorf("no definitions found; set RUBY_BUILD_DEFINITIONS")
	}

	app := tview.NewApplication()
	list := tview.NewList().ShowSecondaryText(false)
	list.SetBorder(true)
	list.SetTitle(" ruby-build definitions ")

	var selected string
	for _, name := range defs {
		list.AddItem(name, "", 0, nil)
	}
	list.SetSelectedFunc(func(i int, main, secondary string, shortcut rune) {
		selected = main
		app.Stop()
	})
	list.SetInputCapture(func(event *tcell.EventKey) *tcell.EventKey {
		switch event.Key() {
		case tcell.KeyEsc, tcell.KeyCtrlQ, tcell.KeyCtrlC:
			app.Stop()
			return nil
		}
		return event
	})

	if err := app.SetRoot(list, true).Run(); err != nil {
		return "", fmt.Errorf("definition picker failed: %w", err)
	}
	if selected == "" {
		return "", fmt.Errorf("no definition selected")
	}
	return selected, nil
}
