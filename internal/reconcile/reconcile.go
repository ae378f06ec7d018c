// Package reconcile merges server history with local, not yet committed
// messages. Everything here is pure.
package reconcile

import (
	"cmp"
	"slices"

	"github.com/matheus3301/wastechat/internal/chat"
)

// FromServer converts a backend record into a committed local message. The
// server id doubles as client id so the record has a stable store key.
func FromServer(sm chat.ServerMessage) chat.Message {
	return chat.Message{
		ClientID:  sm.ID,
		ServerID:  sm.ID,
		Role:      sm.Role,
		Content:   sm.Content,
		ImageURL:  sm.ImageURL,
		CreatedAt: sm.CreatedAt,
		Status:    chat.StatusCommitted,
	}
}

// FromServerAll converts a page of backend records.
func FromServerAll(sms []chat.ServerMessage) []chat.Message {
	out := make([]chat.Message, 0, len(sms))
	for _, sm := range sms {
		out = append(out, FromServer(sm))
	}
	return out
}

// Merge returns every server message plus the local messages that are still
// in flight, have no server id and were not echoed back by the server. A
// local message is also dropped when a server message supersedes it. The
// result is ordered by CreatedAt, ties broken by display id.
func Merge(server []chat.ServerMessage, local []chat.Message) []chat.Message {
	serverIDs := make(map[string]struct{}, len(server))
	out := make([]chat.Message, 0, len(server)+len(local))
	for _, sm := range server {
		if _, dup := serverIDs[sm.ID]; dup {
			continue
		}
		serverIDs[sm.ID] = struct{}{}
		out = append(out, FromServer(sm))
	}
	committed := len(out)
	Sort(out)
	claimed := make([]bool, committed)
	for _, m := range local {
		if !m.Status.InFlight() || m.ServerID != "" {
			continue
		}
		if _, echoed := serverIDs[m.ClientID]; echoed {
			continue
		}
		if i := supersededBy(out[:committed], claimed, m); i >= 0 {
			claimed[i] = true
			continue
		}
		out = append(out, m)
	}
	Sort(out)
	return out
}

// supersededBy returns the index of the first unclaimed server message that
// stands for local, or -1. A user message is matched on content and image, an
// assistant placeholder by the next assistant reply. Either must not predate
// the local message. Each server message stands for at most one local one.
func supersededBy(server []chat.Message, claimed []bool, local chat.Message) int {
	for i, s := range server {
		if claimed[i] || s.Role != local.Role || s.CreatedAt.Before(local.CreatedAt) {
			continue
		}
		switch local.Role {
		case chat.RoleUser:
			if s.Content == local.Content && s.ImageURL == local.ImageURL {
				return i
			}
		case chat.RoleAssistant:
			return i
		}
	}
	return -1
}

// Sort orders messages by CreatedAt ascending, ties broken by display id.
func Sort(msgs []chat.Message) {
	slices.SortStableFunc(msgs, func(a, b chat.Message) int {
		if c := a.CreatedAt.Compare(b.CreatedAt); c != 0 {
			return c
		}
		return cmp.Compare(a.ID(), b.ID())
	})
}

// Find locates a message by client id, server id or display id.
func Find(msgs []chat.Message, id string) (int, bool) {
	if id == "" {
		return -1, false
	}
	i := slices.IndexFunc(msgs, func(m chat.Message) bool { return m.HasID(id) })
	return i, i >= 0
}

// Prepend puts an older history page in front of current, skipping messages
// current already holds under any of their ids.
func Prepend(older, current []chat.Message) []chat.Message {
	out := make([]chat.Message, 0, len(older)+len(current))
	for _, m := range older {
		if _, ok := Find(current, m.ClientID); ok {
			continue
		}
		if _, ok := Find(current, m.ServerID); ok {
			continue
		}
		if _, ok := Find(out, m.ID()); ok {
			continue
		}
		out = append(out, m)
	}
	return append(out, current...)
}
