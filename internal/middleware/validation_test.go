package middleware

import (
	"strings"
	"testing"

	"github.com/pawpal/chat-relay/internal/model"
)

func TestValidateUserID(t *testing.T) {
	tests := []struct {
		name    string
		id      string
		wantErr bool
	}{
		{"valid", "user-123", false},
		{"empty", "", true},
		{"max length", strings.Repeat("a", 64), false},
		{"too long", strings.Repeat("a", 65), true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateUserID(tt.id)
			if (err != nil) != tt.wantErr {
				t.Errorf("ValidateUserID(%q) = %v, wantErr %v", tt.id, err, tt.wantErr)
			}
		})
	}
}

func TestValidateMessageContent(t *testing.T) {
	tests := []struct {
		name    string
		content string
		wantErr bool
	}{
		{"valid", "see you at the dog park", false},
		{"empty", "", true},
		{"max length", strings.Repeat("a", 100000), false},
		{"too long", strings.Repeat("a", 100001), true},
		{"invalid utf8", string([]byte{0xff, 0xfe}), true},
		{"emoji", "🐕 ready for pickup", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateMessageContent(tt.content)
			if (err != nil) != tt.wantErr {
				t.Errorf("ValidateMessageContent = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestValidateMediaURL(t *testing.T) {
	tests := []struct {
		name    string
		url     string
		wantErr bool
	}{
		{"valid", "https://cdn.example.com/pets/rex.jpg", false},
		{"empty", "", true},
		{"garbage", "not a url", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateMediaURL(tt.url)
			if (err != nil) != tt.wantErr {
				t.Errorf("ValidateMediaURL(%q) = %v, wantErr %v", tt.url, err, tt.wantErr)
			}
		})
	}
}

func TestValidateSendMessage(t *testing.T) {
	valid := func() *model.SendMessageRequest {
		return &model.SendMessageRequest{
			ConversationID: "c1",
			SenderID:       "10",
			ReceiverID:     "20",
			Type:           model.MessageTypeText,
			Content:        "hi",
		}
	}

	tests := []struct {
		name    string
		mutate  func(*model.SendMessageRequest)
		wantErr bool
	}{
		{"valid text", func(*model.SendMessageRequest) {}, false},
		{"missing conversation", func(r *model.SendMessageRequest) { r.ConversationID = "" }, true},
		{"missing sender", func(r *model.SendMessageRequest) { r.SenderID = "" }, true},
		{"self send", func(r *model.SendMessageRequest) { r.ReceiverID = r.SenderID }, true},
		{"empty text", func(r *model.SendMessageRequest) { r.Content = "" }, true},
		{"unknown type", func(r *model.SendMessageRequest) { r.Type = "AUDIO" }, true},
		{"valid image", func(r *model.SendMessageRequest) {
			r.Type = model.MessageTypeImage
			r.Content = ""
			r.MediaURL = "https://cdn.example.com/pets/rex.jpg"
		}, false},
		{"image without url", func(r *model.SendMessageRequest) {
			r.Type = model.MessageTypeImage
			r.MediaURL = ""
		}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := valid()
			tt.mutate(req)
			err := ValidateSendMessage(req)
			if (err != nil) != tt.wantErr {
				t.Errorf("ValidateSendMessage = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}
