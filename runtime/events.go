package runtime

import (
	"github.com/sweetpotato0/ai-relay/llm"
)

// EventType tags an Event.
type EventType string

const (
	EventText   EventType = "text"
	EventFinal  EventType = "final"
	EventError  EventType = "error"
	EventModels EventType = "models"
)

// TextEvent carries the cumulative state of a stream.
type TextEvent struct {
	RequestID       string           `json:"request_id"`
	TextSoFar       string           `json:"text_so_far"`
	ReasoningSoFar  string           `json:"reasoning_so_far,omitempty"`
	PartialToolCall *llm.RawToolCall `json:"partial_tool_call,omitempty"`
}

// FinalEvent is the successful end of a stream.
type FinalEvent struct {
	RequestID     string           `json:"request_id"`
	FullText      string           `json:"full_text"`
	FullReasoning string           `json:"full_reasoning,omitempty"`
	ToolCall      *llm.RawToolCall `json:"tool_call"`
	Usage         *llm.Usage       `json:"usage,omitempty"`
}

// ErrorEvent is the failed end of a request. Partial holds whatever was accumulated.
type ErrorEvent struct {
	RequestID string      `json:"request_id"`
	Message   string      `json:"message"`
	Cause     error       `json:"-"`
	Partial   *llm.Result `json:"partial,omitempty"`
}

// ModelsEvent answers a ListModels request.
type ModelsEvent struct {
	RequestID string      `json:"request_id"`
	Provider  string      `json:"provider"`
	Models    []llm.Model `json:"models"`
}

// Event is a tagged union of the events above, suitable for one multiplexed channel.
type Event struct {
	Type      EventType    `json:"type"`
	RequestID string       `json:"request_id"`
	Text      *TextEvent   `json:"text,omitempty"`
	Final     *FinalEvent  `json:"final,omitempty"`
	Error     *ErrorEvent  `json:"error,omitempty"`
	Models    *ModelsEvent `json:"models,omitempty"`
}

// Terminal reports whether e ends its request.
func (e Event) Terminal() bool {
	return e.Type != EventText
}

// Hooks receive the events of one streaming request.
type Hooks struct {
	OnText         func(TextEvent)
	OnFinalMessage func(FinalEvent)
	OnError        func(ErrorEvent)
}

// ListHooks receive the outcome of one ListModels request.
type ListHooks struct {
	OnSuccess func(ModelsEvent)
	OnError   func(ErrorEvent)
}

// EventHooks routes every event of a request to fn as a tagged Event.
func EventHooks(fn func(Event)) Hooks {
	return Hooks{
		OnText: func(e TextEvent) {
			fn(Event{Type: EventText, RequestID: e.RequestID, Text: &e})
		},
		OnFinalMessage: func(e FinalEvent) {
			fn(Event{Type: EventFinal, RequestID: e.RequestID, Final: &e})
		},
		OnError: func(e ErrorEvent) {
			fn(Event{Type: EventError, RequestID: e.RequestID, Error: &e})
		},
	}
}

// EventListHooks routes a ListModels outcome to fn.
func EventListHooks(fn func(Event)) ListHooks {
	return ListHooks{
		OnSuccess: func(e ModelsEvent) {
			fn(Event{Type: EventModels, RequestID: e.RequestID, Models: &e})
		},
		OnError: func(e ErrorEvent) {
			fn(Event{Type: EventError, RequestID: e.RequestID, Error: &e})
		},
	}
}

// ChannelHooks forwards every event to ch. Sends block, so ch must be drained.
func ChannelHooks(ch chan<- Event) Hooks {
	return EventHooks(func(e Event) { ch <- e })
}

// ChannelListHooks forwards the ListModels outcome to ch.
func ChannelListHooks(ch chan<- Event) ListHooks {
	return EventListHooks(func(e Event) { ch <- e })
}
