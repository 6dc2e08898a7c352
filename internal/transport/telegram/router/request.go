package router

import (
	"context"

	kit "quotebot/internal/transport"
	"quotebot/pkg/logx"
)

type Request struct {
	Update  kit.Update
	Chat    kit.ChatTarget
	From    kit.User
	IsOwner bool

	// Command is the canonical command name, or "scope:action" for callbacks.
	Command string
	Args    []string
	// Payload is the part of callback data after "scope:action:".
	Payload string

	ReqID  string
	Logger logx.Logger

	adapter  kit.Adapter
	answered bool
}

// Reply sends plain text to the request's chat.
func (r *Request) Reply(ctx context.Context, text string) error {
	_, err := r.adapter.SendText(ctx, r.Chat, text, &kit.SendOptions{DisablePreview: true})
	return err
}

// Send sends text with explicit options to the request's chat.
func (r *Request) Send(ctx context.Context, text string, opt *kit.SendOptions) (kit.MessageRef, error) {
	return r.adapter.SendText(ctx, r.Chat, text, opt)
}

// Answer acknowledges a callback, optionally with a toast text.
func (r *Request) Answer(ctx context.Context, text string) error {
	if r.Update.Callback == nil {
		return r.Reply(ctx, text)
	}
	r.answered = true
	return r.adapter.AnswerCallback(ctx, r.Update.Callback.ID, text)
}

// EditOrigin replaces the message that carried the pressed button.
func (r *Request) EditOrigin(ctx context.Context, text string, opt *kit.SendOptions) error {
	cb := r.Update.Callback
	if cb == nil {
		_, err := r.Send(ctx, text, opt)
		return err
	}
	return r.adapter.EditText(ctx, kit.MessageRef{ChatID: cb.ChatID, ThreadID: cb.ThreadID, MessageID: cb.MessageID}, text, opt)
}
