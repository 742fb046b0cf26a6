// Package convo holds the ordered conversation transcript shared between the
// aggregation stages and the generator. The context is append-only and
// single-writer: only AggregateUser and AggregateAssistant mutate it, one
// append at a time.
package convo

import (
	"sync"

	"github.com/sergio-bershadsky/pipecat-light/internal/frame"
)

// Context is the conversation transcript: a system message at index 0
// followed by alternating user/assistant turns. A user or assistant turn is
// appended atomically once its deltas have been coalesced into final text.
type Context struct {
	mu       sync.Mutex
	messages []frame.ContextMessage
}

// New creates a context seeded with the lesson prompt as the system message.
func New(systemPrompt string) *Context {
	return &Context{
		messages: []frame.ContextMessage{{Role: frame.RoleSystem, Text: systemPrompt}},
	}
}

// AppendUser records a finalized user utterance.
func (c *Context) AppendUser(text string) {
	c.append(frame.ContextMessage{Role: frame.RoleUser, Text: text})
}

// AppendAssistant records a completed assistant response. Cancelled turns
// must never reach this method; a cancelled turn leaves no trace in history.
func (c *Context) AppendAssistant(text string) {
	c.append(frame.ContextMessage{Role: frame.RoleAssistant, Text: text})
}

func (c *Context) append(m frame.ContextMessage) {
	c.mu.Lock()
	c.messages = append(c.messages, m)
	c.mu.Unlock()
}

// Messages returns a copy of the transcript in order.
func (c *Context) Messages() []frame.ContextMessage {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]frame.ContextMessage, len(c.messages))
	copy(out, c.messages)
	return out
}

// Len reports the number of messages including the system prompt.
func (c *Context) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.messages)
}

// LastRole returns the role of the newest message.
func (c *Context) LastRole() frame.Role {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.messages[len(c.messages)-1].Role
}
