package router

import (
	"strings"

	"github.com/chatwire-io/chatwire/internal/gateway"
	"github.com/chatwire-io/chatwire/internal/protocol"
)

// extractText pulls the human-readable body out of whichever envelope slot
// the library populated.
func extractText(c protocol.Content) string {
	switch {
	case c.Conversation != "":
		return c.Conversation
	case c.ExtendedText != "":
		return c.ExtendedText
	case c.ImageCaption != "":
		return c.ImageCaption
	case c.VideoCaption != "":
		return c.VideoCaption
	case c.InteractiveTitle != "":
		return c.InteractiveTitle
	}
	return ""
}

// classify maps content to the canonical type enum. Interactive replies win
// over media flags; media flags win over plain text.
func classify(c protocol.Content) string {
	switch {
	case c.InteractiveID != "":
		return gateway.MessageTypeInteractiveReply
	case c.HasImage:
		return gateway.MessageTypeImage
	case c.HasVideo:
		return gateway.MessageTypeVideo
	case c.HasAudio:
		return gateway.MessageTypeAudio
	case c.HasDocument:
		return gateway.MessageTypeDocument
	case c.HasSticker:
		return gateway.MessageTypeSticker
	case c.HasContact:
		return gateway.MessageTypeContact
	case c.HasLocation:
		return gateway.MessageTypeLocation
	}
	return gateway.MessageTypeText
}

// interactiveReply builds the structured reply object for button and list
// responses. The id prefix distinguishes the two kinds.
func interactiveReply(c protocol.Content) *gateway.InteractiveReply {
	if c.InteractiveID == "" {
		return nil
	}
	replyType := "button_reply"
	if strings.HasPrefix(c.InteractiveID, "row_") {
		replyType = "list_reply"
	}
	return &gateway.InteractiveReply{
		Type:   replyType,
		ID:     c.InteractiveID,
		Title:  c.InteractiveTitle,
		Params: c.InteractiveParams,
	}
}
