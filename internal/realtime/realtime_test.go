package realtime

import (
	"context"
	"testing"
)

func TestChannels(t *testing.T) {
	if got := OrganizationChannel("o1"); got != "org:o1" {
		t.Errorf("OrganizationChannel = %q", got)
	}
	if got := UserChannel("u1"); got != "user:u1" {
		t.Errorf("UserChannel = %q", got)
	}
}

func TestRecorder(t *testing.T) {
	ctx := context.Background()
	r := NewRecorder()
	_ = r.PublishToOrganization(ctx, "o1", EventMemberJoined, map[string]any{"user_id": "u1"})
	_ = r.PublishToOrganization(ctx, "o1", EventMemberRemoved, nil)
	_ = r.PublishToUser(ctx, "u1", EventMemberRoleChanged, nil)

	got := r.Types("org:o1")
	if len(got) != 2 || got[0] != EventMemberJoined || got[1] != EventMemberRemoved {
		t.Errorf("org events = %v", got)
	}
	if got := r.Types("user:u1"); len(got) != 1 {
		t.Errorf("user events = %v", got)
	}
}

func TestNopNeverFails(t *testing.T) {
	var b Broadcaster = Nop{}
	if err := b.PublishToOrganization(context.Background(), "o1", EventOrganizationDeleted, nil); err != nil {
		t.Fatal(err)
	}
}
