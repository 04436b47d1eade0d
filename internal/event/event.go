// Package event defines the canonical inbound message event and the parser
// from the Evolution gateway payload.
package event

import (
	"encoding/json"
	"regexp"
	"time"

	"github.com/go-playground/validator/v10"
)

type Kind string

const (
	KindText     Kind = "text"
	KindImage    Kind = "image"
	KindVideo    Kind = "video"
	KindAudio    Kind = "audio"
	KindVoice    Kind = "voice"
	KindDocument Kind = "document"
	KindSticker  Kind = "sticker"
	KindLocation Kind = "location"
	KindContact  Kind = "contact"
	KindUnknown  Kind = "unknown"
)

type Contact struct {
	Name     string `json:"name,omitempty"`
	PushName string `json:"push_name,omitempty"`
}

type Media struct {
	Mime     string `json:"mime,omitempty"`
	Size     int64  `json:"size,omitempty"`
	FileName string `json:"file_name,omitempty"`
	URL      string `json:"url,omitempty"`
	Caption  string `json:"caption,omitempty"`
}

// Inbound is the canonical event the whole pipeline operates on. It is
// immutable after publish.
type Inbound struct {
	GatewayMessageID string          `json:"gateway_message_id" validate:"required"`
	InstanceID       string          `json:"instance_id" validate:"required"`
	Phone            string          `json:"phone" validate:"required,phone_digits"`
	Contact          Contact         `json:"contact"`
	Kind             Kind            `json:"kind"`
	Content          string          `json:"content"`
	Media            *Media          `json:"media,omitempty"`
	Timestamp        time.Time       `json:"timestamp"`
	ReplyTo          string          `json:"reply_to,omitempty"`
	Forwarded        bool            `json:"forwarded,omitempty"`
	Raw              json.RawMessage `json:"raw,omitempty"`
}

var phoneRe = regexp.MustCompile(`^[0-9]{10,}$`)

var validate = func() *validator.Validate {
	v := validator.New()
	_ = v.RegisterValidation("phone_digits", func(fl validator.FieldLevel) bool {
		return phoneRe.MatchString(fl.Field().String())
	})
	return v
}()

// Validate enforces the canonical invariants: non-empty identifiers and a
// bare-digit phone of at least ten digits.
func (e *Inbound) Validate() error {
	return validate.Struct(e)
}

// ConversationKey is the unit of FIFO ordering.
func (e *Inbound) ConversationKey() string {
	return e.InstanceID + ":" + e.Phone
}

// Priority buckets lighter kinds ahead of heavy media.
func (e *Inbound) Priority() int {
	switch e.Kind {
	case KindText:
		return 1
	case KindAudio, KindVoice, KindImage, KindSticker:
		return 2
	case KindVideo, KindDocument:
		return 3
	default:
		return 2
	}
}

// LockTTL returns the webhook-side conversation lock duration for the kind.
// Locks only guard the enqueue decision, never workflow execution.
func (e *Inbound) LockTTL() time.Duration {
	switch e.Kind {
	case KindText:
		return 10 * time.Second
	case KindImage, KindDocument:
		return 20 * time.Second
	case KindVideo:
		return 25 * time.Second
	case KindAudio, KindVoice:
		return 30 * time.Second
	default:
		return 10 * time.Second
	}
}
