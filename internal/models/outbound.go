package models

import (
	"errors"
	"fmt"
)

// OutboundKind is the closed set of message shapes the bot may send.
type OutboundKind string

const (
	OutboundText     OutboundKind = "text"
	OutboundList     OutboundKind = "list"
	OutboundButtons  OutboundKind = "buttons"
	OutboundCTA      OutboundKind = "cta_url"
	OutboundMedia    OutboundKind = "media"
	OutboundTemplate OutboundKind = "template"
)

// Validation limits imposed by the WhatsApp interactive message formats.
const (
	MaxTextBodyLength   = 4096
	MaxInteractiveBody  = 1024
	MaxButtons          = 3
	MaxButtonTitle      = 20
	MaxListRows         = 10
	MaxListRowTitle     = 24
	MaxListButtonLength = 20
)

// Error variables for outbound message validation.
var (
	ErrEmptyRecipient      = errors.New("recipient cannot be empty")
	ErrInvalidOutboundKind = errors.New("invalid outbound message kind")
	ErrEmptyBody           = errors.New("message body cannot be empty")
	ErrBodyTooLong         = errors.New("message body exceeds maximum length")
	ErrMissingButtons      = errors.New("buttons message requires at least one button")
	ErrTooManyButtons      = errors.New("too many reply buttons")
	ErrInvalidButton       = errors.New("reply button requires an id and a short title")
	ErrMissingListRows     = errors.New("list message requires at least one row")
	ErrTooManyListRows     = errors.New("too many list rows")
	ErrInvalidListRow      = errors.New("list row requires an id and a short title")
	ErrMissingListButton   = errors.New("list message requires a button label")
	ErrMissingCTA          = errors.New("call-to-action message requires a url and display text")
	ErrMissingMedia        = errors.New("media message requires a type and a link")
	ErrMissingTemplate     = errors.New("template message requires a name and language")
	ErrMissingFlowToken    = errors.New("flow button requires a flow token")
)

// Button is a quick-reply button. ID is echoed back as the reply id.
type Button struct {
	ID    string `json:"id"`
	Title string `json:"title"`
}

// ListRow is one selectable option in a list message.
type ListRow struct {
	ID          string `json:"id"`
	Title       string `json:"title"`
	Description string `json:"description,omitempty"`
}

// ListSection groups rows under a title.
type ListSection struct {
	Title string    `json:"title,omitempty"`
	Rows  []ListRow `json:"rows"`
}

// List is the payload of a list-of-options message.
type List struct {
	Button   string        `json:"button"`
	Sections []ListSection `json:"sections"`
}

// CTA is a call-to-action URL button.
type CTA struct {
	DisplayText string `json:"display_text"`
	URL         string `json:"url"`
}

// MediaLink is a document, image, video, or audio referenced by URL.
type MediaLink struct {
	Type     string `json:"type"`
	Link     string `json:"link"`
	Caption  string `json:"caption,omitempty"`
	Filename string `json:"filename,omitempty"`
}

// FlowButton binds a template button to a WhatsApp Flow form.
// Token is read back from the form reply to identify the issuing step.
type FlowButton struct {
	Index      int                    `json:"index"`
	Token      string                 `json:"token"`
	ActionData map[string]interface{} `json:"action_data,omitempty"`
}

// Template is a pre-approved message template.
type Template struct {
	Name       string      `json:"name"`
	Language   string      `json:"language"`
	BodyParams []string    `json:"body_params,omitempty"`
	Flow       *FlowButton `json:"flow,omitempty"`
}

// OutboundMessage is one message the bot sends to a user.
type OutboundMessage struct {
	To     string       `json:"to"`
	Kind   OutboundKind `json:"kind"`
	Header string       `json:"header,omitempty"`
	Body   string       `json:"body,omitempty"`
	Footer string       `json:"footer,omitempty"`

	Buttons  []Button   `json:"buttons,omitempty"`
	List     *List      `json:"list,omitempty"`
	CTA      *CTA       `json:"cta,omitempty"`
	Media    *MediaLink `json:"media,omitempty"`
	Template *Template  `json:"template,omitempty"`
}

// NewText builds a plain text message.
func NewText(to, body string) OutboundMessage {
	return OutboundMessage{To: to, Kind: OutboundText, Body: body}
}

// NewButtons builds a quick-reply buttons message.
func NewButtons(to, body string, buttons ...Button) OutboundMessage {
	return OutboundMessage{To: to, Kind: OutboundButtons, Body: body, Buttons: buttons}
}

// NewList builds a list-of-options message.
func NewList(to, header, body, button string, sections ...ListSection) OutboundMessage {
	return OutboundMessage{
		To:     to,
		Kind:   OutboundList,
		Header: header,
		Body:   body,
		List:   &List{Button: button, Sections: sections},
	}
}

// NewCTA builds a call-to-action link message.
func NewCTA(to, body, displayText, url string) OutboundMessage {
	return OutboundMessage{To: to, Kind: OutboundCTA, Body: body, CTA: &CTA{DisplayText: displayText, URL: url}}
}

// NewMedia builds a media link message.
func NewMedia(to string, media MediaLink) OutboundMessage {
	return OutboundMessage{To: to, Kind: OutboundMedia, Media: &media}
}

// NewTemplate builds a template message. A non-empty flowToken attaches a flow button at index 0.
func NewTemplate(to, name, language, flowToken string, actionData map[string]interface{}) OutboundMessage {
	t := &Template{Name: name, Language: language}
	if flowToken != "" {
		t.Flow = &FlowButton{Index: 0, Token: flowToken, ActionData: actionData}
	}
	return OutboundMessage{To: to, Kind: OutboundTemplate, Template: t}
}

// Validate checks the message against the platform limits.
func (m *OutboundMessage) Validate() error {
	if m.To == "" {
		return ErrEmptyRecipient
	}
	switch m.Kind {
	case OutboundText:
		return m.validateText()
	case OutboundButtons:
		return m.validateButtons()
	case OutboundList:
		return m.validateList()
	case OutboundCTA:
		if m.CTA == nil || m.CTA.URL == "" || m.CTA.DisplayText == "" {
			return ErrMissingCTA
		}
		return m.validateInteractiveBody()
	case OutboundMedia:
		if m.Media == nil || m.Media.Type == "" || m.Media.Link == "" {
			return ErrMissingMedia
		}
		return nil
	case OutboundTemplate:
		if m.Template == nil || m.Template.Name == "" || m.Template.Language == "" {
			return ErrMissingTemplate
		}
		if m.Template.Flow != nil && m.Template.Flow.Token == "" {
			return ErrMissingFlowToken
		}
		return nil
	default:
		return fmt.Errorf("%w: %q", ErrInvalidOutboundKind, m.Kind)
	}
}

func (m *OutboundMessage) validateText() error {
	if m.Body == "" {
		return ErrEmptyBody
	}
	if len(m.Body) > MaxTextBodyLength {
		return ErrBodyTooLong
	}
	return nil
}

func (m *OutboundMessage) validateInteractiveBody() error {
	if m.Body == "" {
		return ErrEmptyBody
	}
	if len(m.Body) > MaxInteractiveBody {
		return ErrBodyTooLong
	}
	return nil
}

func (m *OutboundMessage) validateButtons() error {
	if len(m.Buttons) == 0 {
		return ErrMissingButtons
	}
	if len(m.Buttons) > MaxButtons {
		return ErrTooManyButtons
	}
	for _, b := range m.Buttons {
		if b.ID == "" || b.Title == "" || len([]rune(b.Title)) > MaxButtonTitle {
			return fmt.Errorf("%w: %q", ErrInvalidButton, b.ID)
		}
	}
	return m.validateInteractiveBody()
}

func (m *OutboundMessage) validateList() error {
	if m.List == nil {
		return ErrMissingListRows
	}
	if m.List.Button == "" || len([]rune(m.List.Button)) > MaxListButtonLength {
		return ErrMissingListButton
	}
	rows := 0
	for _, s := range m.List.Sections {
		for _, r := range s.Rows {
			if r.ID == "" || r.Title == "" || len([]rune(r.Title)) > MaxListRowTitle {
				return fmt.Errorf("%w: %q", ErrInvalidListRow, r.ID)
			}
			rows++
		}
	}
	if rows == 0 {
		return ErrMissingListRows
	}
	if rows > MaxListRows {
		return ErrTooManyListRows
	}
	return m.validateInteractiveBody()
}
