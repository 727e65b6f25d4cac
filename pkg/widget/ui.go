package widget

import "github.com/embedkit/embedkit/pkg/history"

// UI is the thin display layer the widget drives. The state machine stays
// DOM-free; implementations range from a terminal transcript to the
// gateway's JSON capture.
type UI interface {
	// ResetTranscript replaces the displayed history, as after a server
	// restore.
	ResetTranscript(msgs []history.Message)

	// AppendMessage adds one bubble to the transcript.
	AppendMessage(msg history.Message)

	// ShowTyping and HideTyping toggle the "thinking" indicator.
	ShowTyping()
	HideTyping()

	// SetInputEnabled reflects the post-limit disablement.
	SetInputEnabled(enabled bool)

	// UpdateRemaining reflects the server's demo counter.
	UpdateRemaining(remaining int)

	// StreamStart, StreamChunk and StreamEnd drive one growing bot bubble
	// for streamed replies. StreamEnd carries the assembled message.
	StreamStart()
	StreamChunk(text string)
	StreamEnd(msg history.Message)
}

// NopUI discards all display calls. Useful when the widget is driven
// purely for its side effects, and as an embedding default.
type NopUI struct{}

func (NopUI) ResetTranscript([]history.Message) {}
func (NopUI) AppendMessage(history.Message)     {}
func (NopUI) ShowTyping()                       {}
func (NopUI) HideTyping()                       {}
func (NopUI) SetInputEnabled(bool)              {}
func (NopUI) UpdateRemaining(int)               {}
func (NopUI) StreamStart()                      {}
func (NopUI) StreamChunk(string)                {}
func (NopUI) StreamEnd(history.Message)         {}
