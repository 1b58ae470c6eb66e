// Package router turns inbound events into canned replies and hands them to
// the dispatch governor. Classification is stateless: no turn depends on a
// previous one.
package router

import (
	"github.com/ashureev/replybot/internal/domain"
	"github.com/ashureev/replybot/internal/replies"
)

// Kind is the class of reply selected for an input.
type Kind int

const (
	// KindNone means the input gets no reply.
	KindNone Kind = iota
	// KindMenu means the main menu, either requested or as fallback.
	KindMenu
	// KindOption means a mapped table entry.
	KindOption
)

func (k Kind) String() string {
	switch k {
	case KindMenu:
		return "menu"
	case KindOption:
		return "option"
	default:
		return "none"
	}
}

// Reply is the outcome of classification.
type Reply struct {
	Kind Kind
	// Key is the normalized input that selected the reply.
	Key      string
	Text     string
	Fallback bool
}

// Normalize returns the classification key for ev. A structured selection
// wins over the free-text body.
func Normalize(ev domain.InboundEvent) string {
	if key := replies.NormalizeKey(ev.SelectionID); key != "" {
		return key
	}
	return replies.NormalizeKey(ev.Body)
}

// Classify maps a normalized key to a reply using table only.
func Classify(table *replies.Table, key string) Reply {
	switch {
	case key == "":
		return Reply{Kind: KindNone}
	case table.IsGreeting(key):
		return Reply{Kind: KindMenu, Key: key, Text: table.Menu()}
	}
	if text, ok := table.Lookup(key); ok {
		return Reply{Kind: KindOption, Key: key, Text: text}
	}
	return Reply{Kind: KindMenu, Key: key, Text: table.Menu(), Fallback: true}
}
