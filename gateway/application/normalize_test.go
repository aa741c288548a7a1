package application

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestMediaFileName(t *testing.T) {
	assert.Equal(t, "pic.jpg", mediaFileName("pic.jpg", "https://x/y/other.png", "image/png", "ID"))
	assert.Equal(t, "other.png", mediaFileName("", "https://x/y/other.png?sig=1", "image/png", "ID"))
	assert.Equal(t, "ID.ogg", mediaFileName("", "", "audio/ogg; codecs=opus", "ID"))
	assert.Equal(t, "ID", mediaFileName("", "", "", "ID"))
}

func TestIsVoiceNote(t *testing.T) {
	assert.True(t, isVoiceNote("audio/ogg; codecs=opus"))
	assert.True(t, isVoiceNote("AUDIO/OGG;codecs=opus"))
	assert.False(t, isVoiceNote("audio/ogg"))
	assert.False(t, isVoiceNote("audio/mpeg"))
}

func TestContactText(t *testing.T) {
	body := contactText(contactData{
		DisplayName: "Bob",
		Vcard:       "BEGIN:VCARD\nTEL;waid=111:+1 11\nTEL;waid=222:+2 22\nEND:VCARD",
	})
	assert.Equal(t, "<contact>\nBob:\n111:+1 11, 222:+2 22", body)
	assert.Equal(t, "<contact>\nContact:\n", contactText(contactData{}))
}

func TestNormalizeCall(t *testing.T) {
	p := webhookPayload{TypeWebhook: HookIncomingCall, IDMessage: "C1", From: "120363@g.us", Status: "declined"}
	msg, ok := normalizeCall(p)
	assert.True(t, ok)
	assert.Equal(t, "📞 declined call", msg.Body)
	assert.Equal(t, "120363 (group)", msg.ChatName)

	p.Status = "ringing"
	msg, _ = normalizeCall(p)
	assert.Equal(t, "📞 ringing", msg.Body)

	_, ok = normalizeCall(webhookPayload{IDMessage: "C2"})
	assert.False(t, ok)
}

func TestNormalizeStatus(t *testing.T) {
	upd, ok := normalizeStatus(webhookPayload{IDMessage: "M", Status: "noAccount"})
	assert.True(t, ok)
	assert.Equal(t, "noAccount", upd.Description)

	_, ok = normalizeStatus(webhookPayload{IDMessage: "M", Status: "unknown"})
	assert.False(t, ok)
}
