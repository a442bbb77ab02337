package messaging

import (
	"strconv"
	"strings"
	"sync"

	"github.com/BTreeMap/ScriptPipe/internal/models"
)

// numberedOption is one option shown to a user as a numbered line.
type numberedOption struct {
	kind  models.EventKind
	reply models.Reply
}

// optionMemory remembers the numbered options last shown to each user so a
// text transport can turn "2" back into the reply the option stands for.
type optionMemory struct {
	mu      sync.Mutex
	options map[string][]numberedOption
}

func newOptionMemory() *optionMemory {
	return &optionMemory{options: make(map[string][]numberedOption)}
}

// remember records the options of msg for its recipient. Messages without
// options leave the previous set in place.
func (m *optionMemory) remember(to string, msg models.OutboundMessage) {
	var opts []numberedOption
	switch msg.Kind {
	case models.OutboundButtons:
		for _, b := range msg.Buttons {
			opts = append(opts, numberedOption{kind: models.EventButtonReply, reply: models.Reply{ID: b.ID, Title: b.Title}})
		}
	case models.OutboundList:
		for _, s := range msg.List.Sections {
			for _, r := range s.Rows {
				opts = append(opts, numberedOption{kind: models.EventListReply, reply: models.Reply{ID: r.ID, Title: r.Title, Description: r.Description}})
			}
		}
	default:
		return
	}
	m.mu.Lock()
	m.options[to] = opts
	m.mu.Unlock()
}

// resolve rewrites a text event whose body is an option number into the
// matching reply event. Other events are returned unchanged.
func (m *optionMemory) resolve(ev models.Event) models.Event {
	if ev.Kind != models.EventText {
		return ev
	}
	n, err := strconv.Atoi(strings.TrimSpace(strings.TrimSuffix(strings.TrimSpace(ev.Text), ".")))
	if err != nil || n < 1 {
		return ev
	}
	m.mu.Lock()
	opts := m.options[ev.From]
	m.mu.Unlock()
	if n > len(opts) {
		return ev
	}
	opt := opts[n-1]
	reply := opt.reply
	ev.Kind = opt.kind
	ev.Type = string(opt.kind)
	ev.Reply = &reply
	ev.Text = ""
	return ev
}
