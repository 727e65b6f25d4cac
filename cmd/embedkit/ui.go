package main

import (
	"fmt"
	"io"
	"time"

	"github.com/embedkit/embedkit/pkg/history"
)

const shutdownTimeout = 10 * time.Second

// terminalUI renders the widget transcript to a terminal. Streamed chunks
// are printed as they arrive.
type terminalUI struct {
	out io.Writer
}

func (u *terminalUI) ResetTranscript(msgs []history.Message) {
	for _, m := range msgs {
		u.AppendMessage(m)
	}
}

func (u *terminalUI) AppendMessage(msg history.Message) {
	switch msg.Role {
	case history.RoleUser:
		fmt.Fprintf(u.out, "you> %s\n", msg.Text)
	default:
		fmt.Fprintf(u.out, "bot> %s\n", msg.Text)
		if msg.Extra != nil {
			u.printExtra(msg.Extra)
		}
	}
}

func (u *terminalUI) printExtra(extra *history.Extra) {
	if extra.Card != nil {
		fmt.Fprintf(u.out, "     [%s] %s\n", extra.Card.Title, extra.Card.Body)
	}
	for _, b := range extra.Buttons {
		fmt.Fprintf(u.out, "     * %s\n", b.Label)
	}
}

func (u *terminalUI) ShowTyping() {
	fmt.Fprintln(u.out, "bot is thinking...")
}

func (u *terminalUI) HideTyping() {}

func (u *terminalUI) SetInputEnabled(enabled bool) {
	if !enabled {
		fmt.Fprintln(u.out, "(input disabled)")
	}
}

func (u *terminalUI) UpdateRemaining(remaining int) {
	fmt.Fprintf(u.out, "(%d demo messages left)\n", remaining)
}

func (u *terminalUI) StreamStart() {
	fmt.Fprint(u.out, "bot> ")
}

func (u *terminalUI) StreamChunk(text string) {
	fmt.Fprint(u.out, text)
}

func (u *terminalUI) StreamEnd(history.Message) {
	fmt.Fprintln(u.out)
}
