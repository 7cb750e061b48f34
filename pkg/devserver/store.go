package devserver

import (
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/aeolun/socialsync/pkg/protocol"
)

type conversation struct {
	id       string
	members  [2]string
	messages []protocol.Message
	unseen   map[string]int
	unread   map[string]bool // marked unread by member
	hidden   map[string]bool // deleted by member
	updated  time.Time
}

func (c *conversation) other(member string) string {
	if c.members[0] == member {
		return c.members[1]
	}
	return c.members[0]
}

func (c *conversation) has(member string) bool {
	return c.members[0] == member || c.members[1] == member
}

// store holds everything in memory. Callers hold Server.mu.
type store struct {
	users         map[string]protocol.Participant
	conversations map[string]*conversation
	unseen        map[string]int // notifications by scope
}

func newStore() *store {
	return &store{
		users:         make(map[string]protocol.Participant),
		conversations: make(map[string]*conversation),
		unseen:        make(map[string]int),
	}
}

func (st *store) participant(id string) protocol.Participant {
	if p, ok := st.users[id]; ok {
		return p
	}
	return protocol.Participant{ID: id, Name: id}
}

func (st *store) findPair(a, b string) *conversation {
	for _, c := range st.conversations {
		if c.has(a) && c.has(b) {
			return c
		}
	}
	return nil
}

func (st *store) conversationFor(a, b string) *conversation {
	if c := st.findPair(a, b); c != nil {
		return c
	}
	c := &conversation{
		id:      uuid.NewString(),
		members: [2]string{a, b},
		unseen:  make(map[string]int),
		unread:  make(map[string]bool),
		hidden:  make(map[string]bool),
		updated: time.Now(),
	}
	st.conversations[c.id] = c
	return c
}

// appendMessage stores a message from sender to receiver and returns it.
func (st *store) appendMessage(c *conversation, sender, receiver, text string, media []protocol.Media) protocol.Message {
	msg := protocol.Message{
		ID:             uuid.NewString(),
		ConversationID: c.id,
		SenderID:       sender,
		ReceiverID:     receiver,
		Text:           text,
		Media:          media,
		SentAt:         time.Now(),
		Status:         protocol.StatusSent,
	}
	c.messages = append(c.messages, msg)
	c.unseen[receiver]++
	c.hidden[sender] = false
	c.hidden[receiver] = false
	c.updated = msg.SentAt
	return msg
}

func (st *store) view(c *conversation, member string) protocol.Conversation {
	conv := protocol.Conversation{
		ID:               c.id,
		OtherParticipant: st.participant(c.other(member)),
		UnseenCount:      c.unseen[member],
		MarkedAsUnread:   c.unread[member],
	}
	if n := len(c.messages); n > 0 {
		last := c.messages[n-1]
		conv.LastMessage = &last
	}
	return conv
}

// list returns member's visible conversations, most recent activity first.
func (st *store) list(member string) []*conversation {
	var out []*conversation
	for _, c := range st.conversations {
		if c.has(member) && !c.hidden[member] {
			out = append(out, c)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].updated.Equal(out[j].updated) {
			return out[i].id < out[j].id
		}
		return out[i].updated.After(out[j].updated)
	})
	return out
}

// advance promotes messages addressed to receiver, optionally within one
// conversation, and returns the affected conversation ids per sender.
func (st *store) advance(receiver, conversationID string, to protocol.MessageStatus) map[string][]string {
	touched := make(map[string][]string)
	for _, c := range st.conversations {
		if !c.has(receiver) || (conversationID != "" && c.id != conversationID) {
			continue
		}
		moved := false
		for i := range c.messages {
			m := &c.messages[i]
			if m.ReceiverID != receiver {
				continue
			}
			if next, ok := m.Status.Advance(to); ok {
				m.Status = next
				moved = true
			}
		}
		if to == protocol.StatusRead {
			c.unseen[receiver] = 0
		}
		if moved {
			sender := c.other(receiver)
			touched[sender] = append(touched[sender], c.id)
		}
	}
	return touched
}

func pageBounds(total, page, limit int) (start, end int) {
	start = (page - 1) * limit
	if start > total {
		start = total
	}
	end = start + limit
	if end > total {
		end = total
	}
	return start, end
}

func pagination(total, page, limit int) protocol.Pagination {
	pages := 0
	if limit > 0 {
		pages = (total + limit - 1) / limit
	}
	return protocol.Pagination{
		CurrentPage:  page,
		TotalPages:   pages,
		TotalItems:   total,
		ItemsPerPage: limit,
	}
}
