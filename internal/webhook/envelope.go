package webhook

import "encoding/json"

// Wire shapes of the WhatsApp Cloud API webhook notification. Only the
// fields the classifier reads are declared.

type envelope struct {
	Object string  `json:"object"`
	Entry  []entry `json:"entry"`
}

type entry struct {
	ID      string   `json:"id"`
	Changes []change `json:"changes"`
}

type change struct {
	Field string `json:"field"`
	Value value  `json:"value"`
}

type value struct {
	MessagingProduct string          `json:"messaging_product"`
	Contacts         []wireContact   `json:"contacts"`
	Messages         []wireMessage   `json:"messages"`
	Statuses         []wireStatus    `json:"statuses"`
	Errors           []wireError     `json:"errors"`
	Metadata         json.RawMessage `json:"metadata"`
}

type wireContact struct {
	WaID    string `json:"wa_id"`
	Profile struct {
		Name string `json:"name"`
	} `json:"profile"`
}

type wireMessage struct {
	ID        string `json:"id"`
	From      string `json:"from"`
	Timestamp string `json:"timestamp"`
	Type      string `json:"type"`

	Text        *wireText        `json:"text"`
	Interactive *wireInteractive `json:"interactive"`
	Button      *wireButton      `json:"button"`
	Image       *wireMedia       `json:"image"`
	Video       *wireMedia       `json:"video"`
	Audio       *wireMedia       `json:"audio"`
	Sticker     *wireMedia       `json:"sticker"`
	Document    *wireMedia       `json:"document"`
	Contacts    []wireCard       `json:"contacts"`
	Reaction    *wireReaction    `json:"reaction"`
	Location    *wireLocation    `json:"location"`
	System      *wireSystem      `json:"system"`
	Referral    *wireReferral    `json:"referral"`
	Errors      []wireError      `json:"errors"`
}

type wireText struct {
	Body string `json:"body"`
}

type wireInteractive struct {
	Type        string     `json:"type"`
	ButtonReply *wireReply `json:"button_reply"`
	ListReply   *wireReply `json:"list_reply"`
	NfmReply    *wireNfm   `json:"nfm_reply"`
}

type wireReply struct {
	ID          string `json:"id"`
	Title       string `json:"title"`
	Description string `json:"description"`
}

type wireNfm struct {
	ResponseJSON string `json:"response_json"`
	Body         string `json:"body"`
	Name         string `json:"name"`
}

type wireButton struct {
	Text    string `json:"text"`
	Payload string `json:"payload"`
}

type wireMedia struct {
	ID       string `json:"id"`
	MimeType string `json:"mime_type"`
	SHA256   string `json:"sha256"`
	Caption  string `json:"caption"`
	Filename string `json:"filename"`
}

type wireCard struct {
	Name struct {
		FormattedName string `json:"formatted_name"`
	} `json:"name"`
	Phones []struct {
		Phone string `json:"phone"`
	} `json:"phones"`
}

type wireReaction struct {
	MessageID string `json:"message_id"`
	Emoji     string `json:"emoji"`
}

type wireLocation struct {
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
	Name      string  `json:"name"`
	Address   string  `json:"address"`
}

type wireSystem struct {
	Body string `json:"body"`
	Type string `json:"type"`
}

type wireReferral struct {
	SourceURL  string `json:"source_url"`
	SourceID   string `json:"source_id"`
	SourceType string `json:"source_type"`
	Headline   string `json:"headline"`
}

type wireStatus struct {
	ID          string      `json:"id"`
	Status      string      `json:"status"`
	Timestamp   string      `json:"timestamp"`
	RecipientID string      `json:"recipient_id"`
	Errors      []wireError `json:"errors"`
}

type wireError struct {
	Code      int    `json:"code"`
	Title     string `json:"title"`
	Message   string `json:"message"`
	ErrorData struct {
		Details string `json:"details"`
	} `json:"error_data"`
}
