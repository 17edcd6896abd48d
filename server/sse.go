package server

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/labstack/echo/v4"
)

type sseWriter struct {
	res *echo.Response
}

func startSSE(c echo.Context) (*sseWriter, error) {
	res := c.Response()
	if _, ok := res.Writer.(http.Flusher); !ok {
		return nil, requestError{
			Status:  http.StatusInternalServerError,
			Message: "server does not support streaming responses",
			Type:    "server_error",
		}
	}
	header := res.Header()
	header.Set(echo.HeaderContentType, "text/event-stream")
	header.Set("Cache-Control", "no-cache")
	header.Set("Connection", "keep-alive")
	header.Set("X-Accel-Buffering", "no")
	res.WriteHeader(http.StatusOK)
	res.Flush()
	return &sseWriter{res: res}, nil
}

func (w *sseWriter) event(name string, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal SSE payload: %w", err)
	}
	if _, err := fmt.Fprintf(w.res, "event: %s\ndata: %s\n\n", name, data); err != nil {
		return fmt.Errorf("write SSE event: %w", err)
	}
	w.res.Flush()
	return nil
}

func (w *sseWriter) comment(text string) error {
	if _, err := fmt.Fprintf(w.res, ": %s\n\n", text); err != nil {
		return err
	}
	w.res.Flush()
	return nil
}
