package event

import (
	"encoding/json"
	"errors"
	"strings"
	"time"

	"imovelbot/internal/faults"
)

// ErrNoMessage marks gateway callbacks that carry no user message, such as
// delivery-status updates. They are acknowledged and dropped.
var ErrNoMessage = errors.New("payload carries no message")

type evolutionKey struct {
	ID        string `json:"id"`
	RemoteJid string `json:"remoteJid"`
	FromMe    bool   `json:"fromMe"`
}

type evolutionContextInfo struct {
	StanzaID        string `json:"stanzaId"`
	ForwardingScore int    `json:"forwardingScore"`
	IsForwarded     bool   `json:"isForwarded"`
}

type evolutionMedia struct {
	Caption    string      `json:"caption"`
	Mimetype   string      `json:"mimetype"`
	FileLength json.Number `json:"fileLength"`
	FileName   string      `json:"fileName"`
	Title      string      `json:"title"`
	URL        string      `json:"url"`
	PTT        bool        `json:"ptt"`
}

type evolutionLocation struct {
	Latitude  float64 `json:"degreesLatitude"`
	Longitude float64 `json:"degreesLongitude"`
	Name      string  `json:"name"`
}

type evolutionContact struct {
	DisplayName string `json:"displayName"`
	VCard       string `json:"vcard"`
}

type evolutionText struct {
	Text        string                `json:"text"`
	ContextInfo *evolutionContextInfo `json:"contextInfo"`
}

type evolutionMessage struct {
	Conversation        string             `json:"conversation"`
	ExtendedTextMessage *evolutionText     `json:"extendedTextMessage"`
	ImageMessage        *evolutionMedia    `json:"imageMessage"`
	VideoMessage        *evolutionMedia    `json:"videoMessage"`
	AudioMessage        *evolutionMedia    `json:"audioMessage"`
	DocumentMessage     *evolutionMedia    `json:"documentMessage"`
	StickerMessage      *evolutionMedia    `json:"stickerMessage"`
	LocationMessage     *evolutionLocation `json:"locationMessage"`
	ContactMessage      *evolutionContact  `json:"contactMessage"`
	ContextInfo         *evolutionContextInfo `json:"contextInfo"`
}

type evolutionData struct {
	Key              evolutionKey      `json:"key"`
	Message          *evolutionMessage `json:"message"`
	PushName         string            `json:"pushName"`
	MessageTimestamp json.Number       `json:"messageTimestamp"`
	Status           string            `json:"status"`
}

type evolutionPayload struct {
	Instance string        `json:"instance"`
	Data     evolutionData `json:"data"`
}

// ParseEvolution converts a raw Evolution webhook body into the canonical
// inbound event. Unknown message shapes parse as kind=unknown rather than
// failing; structurally broken payloads fail with a validation fault.
func ParseEvolution(body []byte) (*Inbound, error) {
	var payload evolutionPayload
	if err := json.Unmarshal(body, &payload); err != nil {
		return nil, faults.Validation("malformed gateway payload: %v", err)
	}

	data := payload.Data
	if data.Message == nil {
		return nil, ErrNoMessage
	}
	if data.Key.ID == "" {
		return nil, faults.Validation("payload missing key.id")
	}
	if payload.Instance == "" {
		return nil, faults.Validation("payload missing instance")
	}

	phone := data.Key.RemoteJid
	if at := strings.IndexByte(phone, '@'); at >= 0 {
		phone = phone[:at]
	}

	ev := &Inbound{
		GatewayMessageID: data.Key.ID,
		InstanceID:       payload.Instance,
		Phone:            phone,
		Contact:          Contact{PushName: data.PushName},
		Timestamp:        parseTimestamp(data.MessageTimestamp),
		Raw:              json.RawMessage(body),
	}

	fillMessage(ev, data.Message)

	if err := ev.Validate(); err != nil {
		return nil, faults.Validation("invalid inbound event: %v", err)
	}
	return ev, nil
}

func parseTimestamp(n json.Number) time.Time {
	if secs, err := n.Int64(); err == nil && secs > 0 {
		return time.Unix(secs, 0).UTC()
	}
	return time.Now().UTC()
}

func fillMessage(ev *Inbound, msg *evolutionMessage) {
	var ctxInfo *evolutionContextInfo

	switch {
	case msg.Conversation != "":
		ev.Kind = KindText
		ev.Content = msg.Conversation
		ctxInfo = msg.ContextInfo
	case msg.ExtendedTextMessage != nil:
		ev.Kind = KindText
		ev.Content = msg.ExtendedTextMessage.Text
		ctxInfo = msg.ExtendedTextMessage.ContextInfo
	case msg.ImageMessage != nil:
		ev.Kind = KindImage
		ev.Content = msg.ImageMessage.Caption
		ev.Media = toMedia(msg.ImageMessage)
	case msg.VideoMessage != nil:
		ev.Kind = KindVideo
		ev.Content = msg.VideoMessage.Caption
		ev.Media = toMedia(msg.VideoMessage)
	case msg.AudioMessage != nil:
		if msg.AudioMessage.PTT {
			ev.Kind = KindVoice
		} else {
			ev.Kind = KindAudio
		}
		ev.Media = toMedia(msg.AudioMessage)
	case msg.DocumentMessage != nil:
		ev.Kind = KindDocument
		ev.Content = msg.DocumentMessage.Caption
		ev.Media = toMedia(msg.DocumentMessage)
	case msg.StickerMessage != nil:
		ev.Kind = KindSticker
		ev.Media = toMedia(msg.StickerMessage)
	case msg.LocationMessage != nil:
		ev.Kind = KindLocation
		ev.Content = msg.LocationMessage.Name
	case msg.ContactMessage != nil:
		ev.Kind = KindContact
		ev.Content = msg.ContactMessage.DisplayName
	default:
		ev.Kind = KindUnknown
		ev.Content = "[unsupported message]"
	}

	if ctxInfo != nil {
		ev.ReplyTo = ctxInfo.StanzaID
		ev.Forwarded = ctxInfo.IsForwarded || ctxInfo.ForwardingScore > 0
	}
}

func toMedia(m *evolutionMedia) *Media {
	size, _ := m.FileLength.Int64()
	name := m.FileName
	if name == "" {
		name = m.Title
	}
	return &Media{
		Mime:     m.Mimetype,
		Size:     size,
		FileName: name,
		URL:      m.URL,
		Caption:  m.Caption,
	}
}
