package cnutil

import (
	"fmt"

	"github.com/fatih/color"
)

var (
	White = color.New(color.FgHiWhite).SprintFunc()
	Green = color.New(color.FgHiGreen).SprintFunc()
	Red   = color.New(color.FgHiRed).SprintFunc()

	Header  = color.New(color.FgHiCyan).SprintFunc()
	Prompt  = color.New(color.FgHiYellow).SprintFunc()
	Address = color.New(color.FgMagenta).SprintFunc()
	Faint   = color.New(color.Faint).SprintFunc()
)

func ReqColor(required ...interface{}) string {
	var s string
	for i := 0; i < len(required); i++ {
		s += " <"
		s += White(required[i])
		s += ">"
	}
	return s
}

func OptColor(optional ...interface{}) string {
	var s string
	var tail string
	for i := 0; i < len(optional); i++ {
		s += " [<"
		s += White(optional[i])
		s += ">"
		tail += "]"
	}
	return s + tail
}

// CreditColor prints a signed credit balance; green when the friend owes
// us, red when we owe them, faint when the channel is flat.
func CreditColor(value int64) string {
	if value > 0 {
		return Green(fmt.Sprintf("+%d", value))
	}
	if value < 0 {
		return Red(fmt.Sprintf("%d", value))
	}
	return Faint("0")
}
