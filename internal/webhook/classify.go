// Package webhook classifies WhatsApp Cloud API webhook payloads into
// normalized models.Event values.
//
// Classification is pure: it never performs I/O and never panics on
// syntactically valid input. Every envelope yields exactly one Event or one
// error wrapping one of the sentinel errors below.
package webhook

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/BTreeMap/ScriptPipe/internal/models"
)

var (
	// ErrMalformedEnvelope is returned when the payload is not a JSON envelope.
	ErrMalformedEnvelope = errors.New("malformed webhook envelope")
	// ErrEmptyEnvelope is returned when entry, changes, or a required list is empty.
	ErrEmptyEnvelope = errors.New("empty webhook envelope")
	// ErrNoContacts is returned for a message notification without sender contacts.
	ErrNoContacts = errors.New("message notification carries no contacts")
	// ErrNoEvent is returned when the value holds neither messages nor statuses.
	ErrNoEvent = errors.New("webhook value carries neither messages nor statuses")
)

// firstOrFail returns the first element of items. Only the first element of
// each level is ever used; extra elements are logged and ignored.
func firstOrFail[T any](items []T, what string) (T, error) {
	var zero T
	if len(items) == 0 {
		return zero, fmt.Errorf("%w: no %s", ErrEmptyEnvelope, what)
	}
	if len(items) > 1 {
		slog.Warn("webhook.firstOrFail: ignoring extra elements", "list", what, "count", len(items))
	}
	return items[0], nil
}

// Classify parses one raw webhook delivery into an Event.
func Classify(raw []byte) (models.Event, error) {
	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return models.Event{}, fmt.Errorf("%w: %v", ErrMalformedEnvelope, err)
	}
	ent, err := firstOrFail(env.Entry, "entry")
	if err != nil {
		return models.Event{}, err
	}
	ch, err := firstOrFail(ent.Changes, "changes")
	if err != nil {
		return models.Event{}, err
	}
	v := ch.Value

	switch {
	case len(v.Messages) > 0:
		return classifyMessage(v)
	case len(v.Statuses) > 0:
		return classifyStatus(v)
	default:
		return models.Event{}, ErrNoEvent
	}
}

func classifyMessage(v value) (models.Event, error) {
	msg, err := firstOrFail(v.Messages, "messages")
	if err != nil {
		return models.Event{}, err
	}
	contact, err := firstOrFail(v.Contacts, "contacts")
	if err != nil {
		return models.Event{}, fmt.Errorf("%w: %v", ErrNoContacts, err)
	}

	from := msg.From
	if from == "" {
		from = contact.WaID
	}
	ev := models.Event{
		ID:        msg.ID,
		From:      from,
		Contact:   models.Contact{ExternalID: contact.WaID, DisplayName: contact.Profile.Name},
		Timestamp: parseUnix(msg.Timestamp),
		Type:      msg.Type,
	}
	if ev.Contact.ExternalID == "" {
		ev.Contact.ExternalID = from
	}

	switch msg.Type {
	case "text":
		ev.Kind = models.EventText
		if msg.Text != nil {
			ev.Text = msg.Text.Body
		}
		if msg.Referral != nil {
			ev.Referral = &models.Referral{
				SourceURL:  msg.Referral.SourceURL,
				SourceID:   msg.Referral.SourceID,
				SourceType: msg.Referral.SourceType,
				Headline:   msg.Referral.Headline,
			}
		}
	case "interactive":
		classifyInteractive(&ev, msg.Interactive)
	case "button":
		ev.Kind = models.EventQuickReply
		if msg.Button != nil {
			ev.Reply = &models.Reply{ID: msg.Button.Payload, Title: msg.Button.Text}
		}
	case "image", "video", "audio", "sticker", "document":
		ev.Kind = models.EventMedia
		if m := mediaOf(msg); m != nil {
			ev.Media = &models.Media{
				Type:     msg.Type,
				ID:       m.ID,
				MimeType: m.MimeType,
				SHA256:   m.SHA256,
				Caption:  m.Caption,
				Filename: m.Filename,
			}
		}
	case "contacts":
		ev.Kind = models.EventContacts
		for _, c := range msg.Contacts {
			sc := models.SharedContact{FormattedName: c.Name.FormattedName}
			for _, p := range c.Phones {
				sc.Phones = append(sc.Phones, p.Phone)
			}
			ev.Contacts = append(ev.Contacts, sc)
		}
	case "reaction":
		ev.Kind = models.EventReaction
		if msg.Reaction != nil {
			ev.Reaction = &models.Reaction{MessageID: msg.Reaction.MessageID, Emoji: msg.Reaction.Emoji}
		}
	case "location":
		ev.Kind = models.EventLocation
		if msg.Location != nil {
			ev.Location = &models.Location{
				Latitude:  msg.Location.Latitude,
				Longitude: msg.Location.Longitude,
				Name:      msg.Location.Name,
				Address:   msg.Location.Address,
			}
		}
	case "system":
		ev.Kind = models.EventSystem
		if msg.System != nil {
			ev.Text = msg.System.Body
		}
	case "unsupported":
		ev.Kind = models.EventUnsupported
	default:
		ev.Kind = models.EventUnknown
	}
	ev.Errors = convertErrors(msg.Errors)
	return ev, nil
}

func classifyInteractive(ev *models.Event, in *wireInteractive) {
	ev.Kind = models.EventUnknown
	if in == nil {
		return
	}
	switch in.Type {
	case "button_reply":
		if in.ButtonReply != nil {
			ev.Kind = models.EventButtonReply
			ev.Reply = &models.Reply{ID: in.ButtonReply.ID, Title: in.ButtonReply.Title}
		}
	case "list_reply":
		if in.ListReply != nil {
			ev.Kind = models.EventListReply
			ev.Reply = &models.Reply{
				ID:          in.ListReply.ID,
				Title:       in.ListReply.Title,
				Description: in.ListReply.Description,
			}
		}
	case "nfm_reply":
		if in.NfmReply != nil {
			ev.Kind = models.EventFlowReply
			ev.Flow = decodeFlowReply(in.NfmReply)
		}
	}
}

// decodeFlowReply extracts the form fields and flow_token from response_json.
// A response that is not a JSON object yields a reply with an empty token.
func decodeFlowReply(n *wireNfm) *models.FlowReply {
	fr := &models.FlowReply{Name: n.Name, Body: n.Body, Raw: n.ResponseJSON}
	var resp map[string]interface{}
	if err := json.Unmarshal([]byte(n.ResponseJSON), &resp); err != nil {
		slog.Warn("webhook.decodeFlowReply: response_json is not an object", "error", err)
		return fr
	}
	fr.Response = resp
	if tok, ok := resp["flow_token"].(string); ok {
		fr.Token = tok
	}
	return fr
}

func classifyStatus(v value) (models.Event, error) {
	st, err := firstOrFail(v.Statuses, "statuses")
	if err != nil {
		return models.Event{}, err
	}
	errs := convertErrors(st.Errors)
	return models.Event{
		ID:        st.ID,
		From:      st.RecipientID,
		Contact:   models.Contact{ExternalID: st.RecipientID},
		Timestamp: parseUnix(st.Timestamp),
		Kind:      models.EventStatus,
		Type:      "status",
		Status: &models.Status{
			MessageID:   st.ID,
			Status:      models.MessageStatus(st.Status),
			RecipientID: st.RecipientID,
			Errors:      errs,
		},
		Errors: errs,
	}, nil
}

func mediaOf(msg wireMessage) *wireMedia {
	switch msg.Type {
	case "image":
		return msg.Image
	case "video":
		return msg.Video
	case "audio":
		return msg.Audio
	case "sticker":
		return msg.Sticker
	case "document":
		return msg.Document
	}
	return nil
}

func convertErrors(in []wireError) []models.PlatformError {
	if len(in) == 0 {
		return nil
	}
	out := make([]models.PlatformError, 0, len(in))
	for _, e := range in {
		out = append(out, models.PlatformError{
			Code:    e.Code,
			Title:   e.Title,
			Message: e.Message,
			Details: e.ErrorData.Details,
		})
	}
	return out
}

// parseUnix parses the platform's string-encoded unix seconds. Invalid values yield the zero time.
func parseUnix(s string) time.Time {
	if s == "" {
		return time.Time{}
	}
	sec, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return time.Time{}
	}
	return time.Unix(sec, 0).UTC()
}
