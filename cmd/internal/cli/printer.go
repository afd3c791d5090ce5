package cli

import (
	"fmt"
	"io"
	"strings"
	"sync"

	"chord/cmd/internal/channel"
	v1 "chord/shared/contracts/realtime/v1"
)

// printer renders controller snapshots as an append-only transcript. Each
// message id is printed once; typing and status changes print a notice.
type printer struct {
	mu      sync.Mutex
	w       io.Writer
	seen    map[v1.ID]struct{}
	typing  string
	status  channel.Status
	started bool
}

func newPrinter(w io.Writer) *printer {
	return &printer{w: w, seen: make(map[v1.ID]struct{})}
}

func (p *printer) render(s channel.Snapshot) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if !p.started || s.Status != p.status {
		p.started = true
		p.status = s.Status
		if s.Status == channel.StatusError && s.Err != nil {
			fmt.Fprintf(p.w, "! %v\n", s.Err)
		}
	}

	for _, m := range s.Messages {
		if _, ok := p.seen[m.ID]; ok {
			continue
		}
		p.seen[m.ID] = struct{}{}
		fmt.Fprintln(p.w, formatMessage(m))
	}

	if t := typingLine(s.Typing); t != p.typing {
		p.typing = t
		if t != "" {
			fmt.Fprintf(p.w, "… %s\n", t)
		}
	}
}

func formatMessage(m v1.ChatMessage) string {
	ts := "--:--:--"
	if !m.Timestamp.IsZero() {
		ts = m.Timestamp.Local().Format("15:04:05")
	}
	name := m.Author.Name
	if name == "" {
		name = "#" + m.Author.ID.String()
	}
	return fmt.Sprintf("[%s] %s: %s", ts, name, m.Content)
}

func typingLine(users []channel.TypingUser) string {
	switch len(users) {
	case 0:
		return ""
	case 1:
		return users[0].Name + " is typing"
	default:
		names := make([]string, 0, len(users))
		for _, u := range users {
			names = append(names, u.Name)
		}
		return strings.Join(names, ", ") + " are typing"
	}
}
