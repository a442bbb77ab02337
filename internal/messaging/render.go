package messaging

import (
	"fmt"
	"strings"

	"github.com/BTreeMap/ScriptPipe/internal/models"
)

// OptionFormat is the format of one numbered option in rendered text.
const OptionFormat = "\n%d. %s"

// RenderText flattens a rich message for transports that only carry text.
// Buttons and list rows become numbered options, links are appended and
// templates are named by their template.
func RenderText(msg models.OutboundMessage) string {
	var b strings.Builder
	if msg.Header != "" {
		b.WriteString("*" + msg.Header + "*\n")
	}
	b.WriteString(msg.Body)

	switch msg.Kind {
	case models.OutboundButtons:
		for i, btn := range msg.Buttons {
			fmt.Fprintf(&b, OptionFormat, i+1, btn.Title)
		}
	case models.OutboundList:
		n := 0
		for _, s := range msg.List.Sections {
			for _, r := range s.Rows {
				n++
				if r.Description != "" {
					fmt.Fprintf(&b, OptionFormat+": %s", n, r.Title, r.Description)
				} else {
					fmt.Fprintf(&b, OptionFormat, n, r.Title)
				}
			}
		}
	case models.OutboundCTA:
		fmt.Fprintf(&b, "\n%s: %s", msg.CTA.DisplayText, msg.CTA.URL)
	case models.OutboundMedia:
		if msg.Media.Caption != "" {
			b.WriteString(msg.Media.Caption + "\n")
		}
		b.WriteString(msg.Media.Link)
	case models.OutboundTemplate:
		b.WriteString("[" + msg.Template.Name + "]")
		for _, p := range msg.Template.BodyParams {
			b.WriteString("\n" + p)
		}
	}

	if msg.Footer != "" {
		b.WriteString("\n_" + msg.Footer + "_")
	}
	return strings.TrimSpace(b.String())
}

// Options returns the reply ids of a rendered message in the order they were
// numbered, so a numeric answer can be mapped back to a reply.
func Options(msg models.OutboundMessage) []string {
	var ids []string
	switch msg.Kind {
	case models.OutboundButtons:
		for _, btn := range msg.Buttons {
			ids = append(ids, btn.ID)
		}
	case models.OutboundList:
		for _, s := range msg.List.Sections {
			for _, r := range s.Rows {
				ids = append(ids, r.ID)
			}
		}
	}
	return ids
}
