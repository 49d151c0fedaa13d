package main

import (
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/omochice/chatsync/internal/model"
	"github.com/omochice/chatsync/internal/store"
)

// printer renders store snapshots as a line log.
type printer struct {
	w      io.Writer
	selfID string

	mu           sync.Mutex
	conversation string
	shown        map[string]string
	typing       string
	err          string
}

func newPrinter(w io.Writer, selfID string) *printer {
	return &printer{w: w, selfID: selfID, shown: make(map[string]string)}
}

func (p *printer) println(a ...any) {
	p.mu.Lock()
	defer p.mu.Unlock()
	fmt.Fprintln(p.w, a...)
}

func (p *printer) conversations(convs []model.Conversation) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(convs) == 0 {
		fmt.Fprintln(p.w, "no conversations")
		return
	}
	for _, c := range convs {
		kind := "direct"
		if c.IsGroup {
			kind = "group"
		}
		fmt.Fprintf(p.w, "  %-24s %-6s %s\n", c.DisplayName(p.selfID), kind, c.ID)
	}
}

// render prints what changed since the previous snapshot: new messages and
// their status, typing users and errors.
func (p *printer) render(st store.State) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if st.Err != "" && st.Err != p.err {
		fmt.Fprintln(p.w, "!", st.Err)
	}
	p.err = st.Err

	if st.Selected == nil {
		return
	}
	if st.Selected.ID != p.conversation {
		p.conversation = st.Selected.ID
		p.shown = make(map[string]string)
		p.typing = ""
		fmt.Fprintf(p.w, "== %s ==\n", st.Selected.DisplayName(p.selfID))
	}

	for _, m := range st.Messages {
		status := p.status(m, *st.Selected)
		prev, seen := p.shown[m.ID]
		switch {
		case !seen:
			fmt.Fprintf(p.w, "[%s] %s: %s %s\n", m.Timestamp.Format("15:04"), senderName(m), body(m), status)
		case prev != status && m.SenderID == p.selfID:
			fmt.Fprintf(p.w, "  %s %s\n", body(m), status)
		}
		p.shown[m.ID] = status
	}

	var typing []string
	for _, id := range st.TypingIn(st.Selected.ID) {
		if id != p.selfID {
			typing = append(typing, id)
		}
	}
	line := ""
	if len(typing) > 0 {
		line = strings.Join(typing, ", ") + " typing..."
	}
	if line != p.typing && line != "" {
		fmt.Fprintln(p.w, "  ", line)
	}
	p.typing = line
}

// status is the tick mark of an own message: one for delivered, two for
// read, considering every other member in groups.
func (p *printer) status(m model.Message, conv model.Conversation) string {
	if m.SenderID != p.selfID {
		return ""
	}
	var others []string
	for _, id := range conv.MemberIDs() {
		if id != p.selfID {
			others = append(others, id)
		}
	}
	switch {
	case len(others) == 0:
		return "✓"
	case m.IsRead || m.ReadBy.ContainsAll(others):
		return "✓✓"
	case m.DeliveredBy.ContainsAll(others):
		return "✓ delivered"
	default:
		return "✓"
	}
}

func senderName(m model.Message) string {
	if m.Sender.Name != "" {
		return m.Sender.Name
	}
	return m.SenderID
}

func body(m model.Message) string {
	switch m.ContentType {
	case model.ContentTypeGIF:
		return "[gif] " + m.Content
	case model.ContentTypeSticker:
		return "[sticker] " + m.Content
	default:
		return m.Content
	}
}
