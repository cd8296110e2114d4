package chat

import (
	"context"

	"speakez/internal/transport"
)

// History returns a HistoryFunc backed by the authenticated transport.
func History(tc *transport.Client) HistoryFunc {
	return func(ctx context.Context, channelID string) ([]Message, error) {
		var msgs []Message
		if err := tc.Get(ctx, "/messages/?channel_id="+channelID, &msgs); err != nil {
			return nil, err
		}
		return msgs, nil
	}
}
