package app

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"pm_chat/internal/model"
	"pm_chat/internal/service/messenger"
)

func TestRender(t *testing.T) {
	c := NewApp("alice", nil, nil)
	c.peerID = "bob"

	line, status := c.render(messenger.Update{Kind: messenger.UpdateReceived, PeerID: "bob", Plaintext: "hi [there]"})
	assert.Equal(t, "[green]bob:[-] hi [there[]", line)
	assert.Empty(t, status)

	line, _ = c.render(messenger.Update{Kind: messenger.UpdateStatus, Message: &model.Message{MessageID: "m1"}, Status: model.StatusDelivered})
	assert.Equal(t, "[gray]  #1 delivered[-]", line)
	assert.Equal(t, "#1", c.label("m1"))
	assert.Equal(t, "#2", c.label("m2"))

	_, status = c.render(messenger.Update{Kind: messenger.UpdateTyping, PeerID: "bob", Typing: true})
	assert.Contains(t, status, "bob is typing")

	line, status = c.render(messenger.Update{Kind: messenger.UpdateTyping, PeerID: "carol", Typing: true})
	assert.Empty(t, line)
	assert.Empty(t, status)

	line, _ = c.render(messenger.Update{Kind: messenger.UpdateFailed, PeerID: "bob"})
	assert.Contains(t, line, "could not decrypt")
}
