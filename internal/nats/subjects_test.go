package nats

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/coachhub/chat-realtime/internal/model"
	"github.com/coachhub/chat-realtime/internal/realtime"
)

func TestRoomSubject(t *testing.T) {
	assert.Equal(t, "chat.all", RoomSubject(realtime.BroadcastRoom))
	assert.Equal(t, "chat.room.conversation_abc", RoomSubject(realtime.ConversationRoom("abc")))
	assert.Equal(t, "chat.room.notifications_a_b_c", RoomSubject("notifications_a.b*c"))
}

func TestAuditSubjects(t *testing.T) {
	assert.Equal(t, "audit.c1.delete", AuditSubject("c1", model.AuditDelete))
	assert.Equal(t, "audit.c1.>", ConversationAuditFilter("c1"))
	assert.Equal(t, "audit.c_1.edit", AuditSubject("c.1", model.AuditEdit))
}
