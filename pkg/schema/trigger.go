package schema

import (
	"strings"
	"time"
)

// TriggerSource identifies what started a run.
type TriggerSource string

const (
	TriggerSourceChat     TriggerSource = "chat"
	TriggerSourceSchedule TriggerSource = "schedule"
	TriggerSourceAPI      TriggerSource = "api"
	TriggerSourceFlow     TriggerSource = "flow"
)

// Trigger is the already-decoded event a run answers.
type Trigger struct {
	Source         TriggerSource  `json:"source"`
	Content        string         `json:"content,omitempty"`
	Params         map[string]any `json:"params,omitempty"`
	Attachments    []Attachment   `json:"attachments,omitempty"`
	MessageID      string         `json:"message_id,omitempty"`
	AgentID        string         `json:"agent_id,omitempty"`
	UserID         string         `json:"user_id,omitempty"`
	ConversationID string         `json:"conversation_id,omitempty"`
	TopicID        string         `json:"topic_id,omitempty"`
	TenantID       string         `json:"tenant_id,omitempty"`
	ReceivedAt     time.Time      `json:"received_at"`
}

// Attachment is a file referenced by a trigger.
type Attachment struct {
	URL      string `json:"url"`
	Name     string `json:"name,omitempty"`
	MimeType string `json:"mime_type,omitempty"`
}

var imageExtensions = []string{".png", ".jpg", ".jpeg", ".gif", ".webp", ".bmp"}

// IsImage reports whether the attachment is an image, by MIME type or extension.
func (a Attachment) IsImage() bool {
	if a.MimeType != "" {
		return strings.HasPrefix(strings.ToLower(a.MimeType), "image/")
	}
	name := strings.ToLower(a.Name)
	if name == "" {
		name = strings.ToLower(a.URL)
		if i := strings.IndexAny(name, "?#"); i >= 0 {
			name = name[:i]
		}
	}
	for _, ext := range imageExtensions {
		if strings.HasSuffix(name, ext) {
			return true
		}
	}
	return false
}

// DisplayName returns the attachment name, falling back to its URL.
func (a Attachment) DisplayName() string {
	if a.Name != "" {
		return a.Name
	}
	return a.URL
}

// Clone returns a copy of t whose params map and attachment slice are not
// shared with t. Nested param values are still shared.
func (t *Trigger) Clone() *Trigger {
	if t == nil {
		return &Trigger{}
	}
	c := *t
	if t.Params != nil {
		c.Params = make(map[string]any, len(t.Params))
		for k, v := range t.Params {
			c.Params[k] = v
		}
	}
	if t.Attachments != nil {
		c.Attachments = append([]Attachment(nil), t.Attachments...)
	}
	return &c
}
