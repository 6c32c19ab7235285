package settlementd

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"nhooyr.io/websocket"

	"stealthpay/native/announcements"
)

const wsWriteTimeout = 10 * time.Second

func (s *Server) handleAnnouncementStream(w http.ResponseWriter, r *http.Request) {
	cursor, _, err := parseCursor(r)
	if err != nil {
		writeError(w, err)
		return
	}
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{OriginPatterns: []string{"*"}})
	if err != nil {
		return
	}
	defer conn.Close(websocket.StatusNormalClosure, "stream closed")
	ctx := conn.CloseRead(r.Context())
	if err := s.streamAnnouncements(ctx, conn, cursor); err != nil {
		if status := websocket.CloseStatus(err); status == -1 && ctx.Err() == nil {
			s.logger.Warn("announcement stream failed", slog.Any("error", err))
			_ = conn.Close(websocket.StatusInternalError, "stream error")
		}
	}
}

func (s *Server) streamAnnouncements(ctx context.Context, conn *websocket.Conn, cursor uint64) error {
	sub, err := s.log.Subscribe(ctx, cursor)
	if err != nil {
		return err
	}
	defer sub.Close()

	if err := sub.Backlog(ctx, func(entry announcements.Announcement) error {
		return writeAnnouncement(ctx, conn, entry)
	}); err != nil {
		return err
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case entry, ok := <-sub.Updates():
			if !ok {
				return nil
			}
			if err := writeAnnouncement(ctx, conn, entry); err != nil {
				return err
			}
		}
	}
}

func writeAnnouncement(ctx context.Context, conn *websocket.Conn, entry announcements.Announcement) error {
	data, err := json.Marshal(announcementResponse(entry))
	if err != nil {
		return err
	}
	writeCtx, cancel := context.WithTimeout(ctx, wsWriteTimeout)
	defer cancel()
	return conn.Write(writeCtx, websocket.MessageText, data)
}
