package main

import (
	"io"
	"os"

	"golang.org/x/term"
)

// palette holds ANSI escapes; the zero value prints plain text.
type palette struct {
	Reset, Bold, Dim   string
	Green, Yellow, Red string
	Cyan               string
}

var ansi = palette{
	Reset:  "\033[0m",
	Bold:   "\033[1m",
	Dim:    "\033[2m",
	Green:  "\033[32m",
	Yellow: "\033[33m",
	Red:    "\033[31m",
	Cyan:   "\033[36m",
}

// newPalette enables color only when w is a terminal and NO_COLOR is unset.
func newPalette(w io.Writer) palette {
	f, ok := w.(*os.File)
	if !ok || os.Getenv("NO_COLOR") != "" || !term.IsTerminal(int(f.Fd())) {
		return palette{}
	}
	return ansi
}

func (c palette) section(w io.Writer, title string) {
	io.WriteString(w, "\n"+c.Bold+title+c.Reset+"\n")
}

func (c palette) row(w io.Writer, label, value string) {
	io.WriteString(w, "  "+c.Dim+pad(label, 16)+c.Reset+value+"\n")
}

func (c palette) yesNo(ok bool, yes, no string) string {
	if ok {
		return c.Bold + c.Green + yes + c.Reset
	}
	return c.Bold + c.Yellow + no + c.Reset
}

func pad(s string, n int) string {
	for len(s) < n {
		s += " "
	}
	return s
}
