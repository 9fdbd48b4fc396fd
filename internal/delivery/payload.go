package delivery

import "github.com/tetherhq/tether/internal/engagement"

// PushType is the type field of every proactive push frame. Clients route
// on it to tell proactive messages apart from chat replies.
const PushType = "proactive_message"

// PushPayload is the exact wire shape written to a user's connection.
type PushPayload struct {
	Type         string       `json:"type"`
	EngagementID string       `json:"engagementId"`
	Content      string       `json:"content"`
	Trigger      string       `json:"trigger"`
	Confidence   float64      `json:"confidence"`
	Metadata     PushMetadata `json:"metadata"`
}

// PushMetadata flags the frame as proactive for client-side rendering.
type PushMetadata struct {
	Proactive bool `json:"proactive"`
}

// NewPushPayload builds the frame for an engagement.
func NewPushPayload(e *engagement.Engagement) PushPayload {
	return PushPayload{
		Type:         PushType,
		EngagementID: e.ID,
		Content:      e.Content,
		Trigger:      e.Trigger,
		Confidence:   e.Confidence,
		Metadata:     PushMetadata{Proactive: true},
	}
}
