package models

import "fmt"

// Target identifies a conversation: a direct peer or a group, never both.
type Target struct {
	ReceiverID  int64
	GroupChatID int64
}

// Direct returns the target for a one-to-one conversation with userID.
func Direct(userID int64) Target {
	return Target{ReceiverID: userID}
}

// Group returns the target for a group conversation.
func Group(groupChatID int64) Target {
	return Target{GroupChatID: groupChatID}
}

// IsGroup reports whether the target is a group conversation.
func (t Target) IsGroup() bool {
	return t.GroupChatID != 0
}

// Validate checks that exactly one of the identifiers is set.
func (t Target) Validate() error {
	switch {
	case t.ReceiverID != 0 && t.GroupChatID != 0:
		return fmt.Errorf("target has both receiver %d and group %d", t.ReceiverID, t.GroupChatID)
	case t.ReceiverID == 0 && t.GroupChatID == 0:
		return fmt.Errorf("target has neither receiver nor group")
	case t.ReceiverID < 0 || t.GroupChatID < 0:
		return fmt.Errorf("target identifiers must be positive")
	}
	return nil
}

func (t Target) String() string {
	if t.IsGroup() {
		return fmt.Sprintf("group:%d", t.GroupChatID)
	}
	return fmt.Sprintf("direct:%d", t.ReceiverID)
}

// GroupMember is one roster entry of a group chat.
type GroupMember struct {
	UserID   int64     `json:"userId"`
	UserName string    `json:"userName"`
	IsAdmin  bool      `json:"isAdmin"`
	JoinedAt Timestamp `json:"joinedAt"`
}

// GroupStats is the aggregate summary returned with group metadata.
type GroupStats struct {
	TotalMessages int `json:"totalMessages"`
	UnreadCount   int `json:"unreadCount"`
	MemberCount   int `json:"memberCount"`
}

// GroupChat is group conversation metadata.
type GroupChat struct {
	ID          int64         `json:"id"`
	Name        string        `json:"name"`
	Description string        `json:"description,omitempty"`
	CreatedAt   Timestamp     `json:"createdAt"`
	Members     []GroupMember `json:"members"`
	Stats       GroupStats    `json:"stats"`
}

// Admins returns the admin subset of the roster.
func (g GroupChat) Admins() []GroupMember {
	admins := make([]GroupMember, 0)
	for _, member := range g.Members {
		if member.IsAdmin {
			admins = append(admins, member)
		}
	}
	return admins
}

// GroupMessagesResponse is the body of GET /api/GroupChat/{id}/messages.
type GroupMessagesResponse struct {
	GroupChat GroupChat `json:"groupChat"`
	Messages  []Message `json:"messages"`
}
