package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"

	relayerrors "github.com/sweetpotato0/ai-relay/errors"
	"github.com/sweetpotato0/ai-relay/llm"
	"github.com/sweetpotato0/ai-relay/middleware"
	"github.com/sweetpotato0/ai-relay/runtime"
	"github.com/sweetpotato0/ai-relay/tool"
	"github.com/sweetpotato0/ai-relay/transcript"
)

const (
	streamBuffer      = 64
	heartbeatInterval = 15 * time.Second
)

// sendRequest is a relay request plus tools picked from the catalog by name.
type sendRequest struct {
	llm.Request
	ToolNames []string `json:"tool_names,omitempty"`
}

type listModelsRequest struct {
	Provider string `json:"provider"`
}

func (s *Server) handleHealth(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]any{
		"status":      "ok",
		"pending":     s.opts.Manager.Pending(),
		"providers":   s.opts.Providers,
		"subscribers": s.hub.len(),
	})
}

// handleSend starts a request. With ?stream=true the response is the request's own event
// stream and closing the connection aborts it; otherwise the id is returned and events go to
// /v1/events.
func (s *Server) handleSend(c echo.Context) error {
	var body sendRequest
	if err := decodeBody(c, &body); err != nil {
		return err
	}
	req := &body.Request
	if len(body.ToolNames) > 0 {
		if s.opts.Tools == nil {
			return invalidRequest("tool_names given but no tool catalog is configured")
		}
		specs, err := s.opts.Tools.Select(body.ToolNames...)
		if err != nil {
			return invalidRequest(err.Error())
		}
		req.Tools = append(req.Tools, specs...)
	}
	settings := s.opts.Settings(req.ProviderName)

	if !wantsStream(c) {
		id, err := s.opts.Manager.Send(req, settings, runtime.EventHooks(s.hub.publish))
		if err != nil {
			return toHTTPError(err)
		}
		return c.JSON(http.StatusAccepted, map[string]string{"request_id": id})
	}

	done := make(chan struct{})
	defer close(done)
	events := make(chan runtime.Event, streamBuffer)
	forward := func(ev runtime.Event) {
		s.hub.publish(ev)
		if ev.Terminal() {
			select {
			case events <- ev:
			case <-done:
			}
			return
		}
		// progress is cumulative, a dropped one is superseded by the next
		select {
		case events <- ev:
		default:
		}
	}

	id, err := s.opts.Manager.Send(req, settings, runtime.EventHooks(forward))
	if err != nil {
		return toHTTPError(err)
	}

	w, err := startSSE(c)
	if err != nil {
		s.opts.Manager.Abort(id)
		return err
	}
	if err := w.event("request", map[string]string{"request_id": id}); err != nil {
		s.opts.Manager.Abort(id)
		return nil
	}

	ctx := c.Request().Context()
	for {
		select {
		case ev := <-events:
			if err := w.event(string(ev.Type), ev); err != nil {
				s.opts.Manager.Abort(id)
				return nil
			}
			if ev.Terminal() {
				return nil
			}
		case <-ctx.Done():
			s.log.Debug("client went away, aborting", "request_id", id)
			s.opts.Manager.Abort(id)
			return nil
		}
	}
}

func (s *Server) handleAbort(c echo.Context) error {
	s.opts.Manager.Abort(c.Param("id"))
	return c.NoContent(http.StatusNoContent)
}

// handleEvents streams every published event, or those of ?request_id= only.
func (s *Server) handleEvents(c echo.Context) error {
	sub := s.hub.subscribe(c.QueryParam("request_id"))
	defer s.hub.unsubscribe(sub)

	w, err := startSSE(c)
	if err != nil {
		return err
	}

	heartbeat := time.NewTicker(heartbeatInterval)
	defer heartbeat.Stop()
	ctx := c.Request().Context()
	for {
		select {
		case ev, ok := <-sub.ch:
			if !ok {
				return nil
			}
			if err := w.event(string(ev.Type), ev); err != nil {
				return nil
			}
		case <-heartbeat.C:
			if err := w.comment("ping"); err != nil {
				return nil
			}
		case <-ctx.Done():
			return nil
		}
	}
}

func (s *Server) handleListModelsAsync(c echo.Context) error {
	var body listModelsRequest
	if err := decodeBody(c, &body); err != nil {
		return err
	}
	id, err := s.opts.Manager.ListModels(body.Provider, s.opts.Settings(body.Provider), runtime.EventListHooks(s.hub.publish))
	if err != nil {
		return toHTTPError(err)
	}
	return c.JSON(http.StatusAccepted, map[string]string{"request_id": id})
}

func (s *Server) handleListModels(c echo.Context) error {
	name := c.Param("provider")
	result := make(chan runtime.Event, 1)
	id, err := s.opts.Manager.ListModels(name, s.opts.Settings(name), runtime.ChannelListHooks(result))
	if err != nil {
		return toHTTPError(err)
	}

	select {
	case ev := <-result:
		if ev.Type == runtime.EventError {
			return toHTTPError(ev.Error.Cause)
		}
		return c.JSON(http.StatusOK, ev.Models)
	case <-c.Request().Context().Done():
		s.opts.Manager.Abort(id)
		return nil
	}
}

func (s *Server) handleTools(c echo.Context) error {
	specs := []*tool.Spec{}
	if s.opts.Tools != nil {
		specs = s.opts.Tools.Registry().List()
	}
	return c.JSON(http.StatusOK, map[string]any{"tools": specs})
}

func (s *Server) handleTranscript(c echo.Context) error {
	if s.opts.Transcripts == nil {
		return requestError{Status: http.StatusNotFound, Message: "transcripts are disabled", Type: "not_found_error"}
	}
	entry, err := s.opts.Transcripts.Lookup(c.Request().Context(), c.Param("id"))
	if err != nil {
		if errors.Is(err, transcript.ErrNotFound) {
			return requestError{Status: http.StatusNotFound, Message: err.Error(), Type: "not_found_error"}
		}
		return err
	}
	return c.JSON(http.StatusOK, entry)
}

func wantsStream(c echo.Context) bool {
	switch c.QueryParam("stream") {
	case "1", "true", "yes":
		return true
	}
	return false
}

func decodeBody[T any](c echo.Context, target *T) error {
	req := c.Request()
	defer req.Body.Close()

	decoder := json.NewDecoder(req.Body)
	if err := decoder.Decode(target); err != nil {
		if errors.Is(err, io.EOF) {
			return invalidRequest("request body is required")
		}
		return invalidRequest(fmt.Sprintf("invalid JSON payload: %v", err))
	}
	if err := decoder.Decode(&struct{}{}); err != io.EOF {
		return invalidRequest("request body must contain a single JSON object")
	}
	return nil
}

type requestError struct {
	Status  int
	Message string
	Type    string
}

func (e requestError) Error() string {
	return e.Message
}

func invalidRequest(msg string) requestError {
	return requestError{Status: http.StatusBadRequest, Message: msg, Type: "invalid_request_error"}
}

type errorBody struct {
	Error struct {
		Message string `json:"message"`
		Type    string `json:"type"`
	} `json:"error"`
}

func errorHandler(err error, c echo.Context) {
	if c.Response().Committed {
		return
	}
	var payload errorBody

	var reqErr requestError
	var he *echo.HTTPError
	switch {
	case errors.As(err, &reqErr):
		payload.Error.Message, payload.Error.Type = reqErr.Message, reqErr.Type
		_ = c.JSON(reqErr.Status, payload)
	case errors.As(err, &he):
		payload.Error.Message, payload.Error.Type = fmt.Sprint(he.Message), "invalid_request_error"
		_ = c.JSON(he.Code, payload)
	default:
		payload.Error.Message, payload.Error.Type = "internal server error", "server_error"
		_ = c.JSON(http.StatusInternalServerError, payload)
	}
}

func toHTTPError(err error) error {
	var reqErr requestError
	if errors.As(err, &reqErr) {
		return reqErr
	}
	msg := relayerrors.UserMessage(err)
	switch {
	case errors.Is(err, relayerrors.ErrMalformedRequest),
		errors.Is(err, relayerrors.ErrUnsupportedOperation),
		errors.Is(err, relayerrors.ErrUnknownModel):
		return invalidRequest(msg)
	case errors.Is(err, relayerrors.ErrUnknownProvider):
		return requestError{Status: http.StatusNotFound, Message: msg, Type: "not_found_error"}
	case errors.Is(err, relayerrors.ErrInvalidCredentials):
		return requestError{Status: http.StatusBadGateway, Message: msg, Type: "authentication_error"}
	case errors.Is(err, middleware.ErrRateLimitExceeded):
		return requestError{Status: http.StatusTooManyRequests, Message: msg, Type: "rate_limit_error"}
	case errors.Is(err, context.DeadlineExceeded):
		return requestError{Status: http.StatusGatewayTimeout, Message: msg, Type: "timeout_error"}
	default:
		return requestError{Status: http.StatusBadGateway, Message: msg, Type: "upstream_error"}
	}
}
