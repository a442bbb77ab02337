package cloudapi

import (
	"fmt"
	"strconv"

	"github.com/BTreeMap/ScriptPipe/internal/models"
)

// Graph API request bodies. Only the fields the bot sends are modeled.

type textBody struct {
	PreviewURL bool   `json:"preview_url"`
	Body       string `json:"body"`
}

type textObject struct {
	Type string `json:"type,omitempty"`
	Text string `json:"text"`
}

type replyButton struct {
	Type  string `json:"type"`
	Reply struct {
		ID    string `json:"id"`
		Title string `json:"title"`
	} `json:"reply"`
}

type interactiveAction struct {
	Button     string               `json:"button,omitempty"`
	Buttons    []replyButton        `json:"buttons,omitempty"`
	Sections   []models.ListSection `json:"sections,omitempty"`
	Name       string               `json:"name,omitempty"`
	Parameters *models.CTA          `json:"parameters,omitempty"`
}

type interactive struct {
	Type   string            `json:"type"`
	Header *textObject       `json:"header,omitempty"`
	Body   textObject        `json:"body"`
	Footer *textObject       `json:"footer,omitempty"`
	Action interactiveAction `json:"action"`
}

type mediaObject struct {
	Link     string `json:"link"`
	Caption  string `json:"caption,omitempty"`
	Filename string `json:"filename,omitempty"`
}

type templateLanguage struct {
	Code string `json:"code"`
}

type templateParameter struct {
	Type   string      `json:"type"`
	Text   string      `json:"text,omitempty"`
	Action *flowAction `json:"action,omitempty"`
}

type flowAction struct {
	FlowToken      string                 `json:"flow_token"`
	FlowActionData map[string]interface{} `json:"flow_action_data,omitempty"`
}

type templateComponent struct {
	Type       string              `json:"type"`
	SubType    string              `json:"sub_type,omitempty"`
	Index      string              `json:"index,omitempty"`
	Parameters []templateParameter `json:"parameters,omitempty"`
}

type templateObject struct {
	Name       string              `json:"name"`
	Language   templateLanguage    `json:"language"`
	Components []templateComponent `json:"components,omitempty"`
}

// buildPayload maps an outbound message to its Graph API request body.
func buildPayload(msg models.OutboundMessage) (map[string]interface{}, error) {
	p := map[string]interface{}{
		"messaging_product": "whatsapp",
		"recipient_type":    "individual",
		"to":                msg.To,
	}

	switch msg.Kind {
	case models.OutboundText:
		p["type"] = "text"
		p["text"] = textBody{Body: msg.Body}

	case models.OutboundButtons:
		it := newInteractive("button", msg)
		for _, b := range msg.Buttons {
			rb := replyButton{Type: "reply"}
			rb.Reply.ID, rb.Reply.Title = b.ID, b.Title
			it.Action.Buttons = append(it.Action.Buttons, rb)
		}
		p["type"] = "interactive"
		p["interactive"] = it

	case models.OutboundList:
		it := newInteractive("list", msg)
		it.Action.Button = msg.List.Button
		it.Action.Sections = msg.List.Sections
		p["type"] = "interactive"
		p["interactive"] = it

	case models.OutboundCTA:
		it := newInteractive("cta_url", msg)
		it.Action.Name = "cta_url"
		it.Action.Parameters = msg.CTA
		p["type"] = "interactive"
		p["interactive"] = it

	case models.OutboundMedia:
		p["type"] = msg.Media.Type
		p[msg.Media.Type] = mediaObject{Link: msg.Media.Link, Caption: msg.Media.Caption, Filename: msg.Media.Filename}

	case models.OutboundTemplate:
		p["type"] = "template"
		p["template"] = buildTemplate(msg.Template)

	default:
		return nil, fmt.Errorf("%w: %q", models.ErrInvalidOutboundKind, msg.Kind)
	}
	return p, nil
}

func newInteractive(kind string, msg models.OutboundMessage) interactive {
	it := interactive{Type: kind, Body: textObject{Text: msg.Body}}
	if msg.Header != "" {
		it.Header = &textObject{Type: "text", Text: msg.Header}
	}
	if msg.Footer != "" {
		it.Footer = &textObject{Text: msg.Footer}
	}
	return it
}

func buildTemplate(t *models.Template) templateObject {
	obj := templateObject{Name: t.Name, Language: templateLanguage{Code: t.Language}}
	if len(t.BodyParams) > 0 {
		body := templateComponent{Type: "body"}
		for _, v := range t.BodyParams {
			body.Parameters = append(body.Parameters, templateParameter{Type: "text", Text: v})
		}
		obj.Components = append(obj.Components, body)
	}
	if t.Flow != nil {
		obj.Components = append(obj.Components, templateComponent{
			Type:    "button",
			SubType: "flow",
			Index:   strconv.Itoa(t.Flow.Index),
			Parameters: []templateParameter{{
				Type:   "action",
				Action: &flowAction{FlowToken: t.Flow.Token, FlowActionData: t.Flow.ActionData},
			}},
		})
	}
	return obj
}
