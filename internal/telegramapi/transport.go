package telegramapi

import (
	"context"

	"github.com/htoorannysaurus/claude-telegram-bot/internal/render"
)

// MessageAPI is the subset of Client a ChatTransport renders through.
type MessageAPI interface {
	SendMessage(ctx context.Context, chatID int64, text string, replyTo int64) (int64, error)
	EditMessageText(ctx context.Context, chatID, messageID int64, text string) error
	DeleteMessage(ctx context.Context, chatID, messageID int64) error
}

// ChatTransport binds a MessageAPI to one chat for streaming renders.
type ChatTransport struct {
	API    MessageAPI
	ChatID int64
}

func (t ChatTransport) Create(ctx context.Context, text string) (render.MessageRef, error) {
	id, err := t.API.SendMessage(ctx, t.ChatID, text, 0)
	if err != nil {
		return render.MessageRef{}, err
	}
	return render.MessageRef{ID: id}, nil
}

func (t ChatTransport) Edit(ctx context.Context, ref render.MessageRef, text string) error {
	err := t.API.EditMessageText(ctx, t.ChatID, ref.ID, text)
	if IsNotModified(err) {
		return nil
	}
	return err
}

func (t ChatTransport) Delete(ctx context.Context, ref render.MessageRef) error {
	err := t.API.DeleteMessage(ctx, t.ChatID, ref.ID)
	if IsMessageGone(err) {
		return nil
	}
	return err
}
