package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/nugget/todogate/internal/command"
	"github.com/nugget/todogate/internal/gateway"
	"github.com/nugget/todogate/internal/llm"
)

type chatBody struct {
	Message     string          `json:"message"`
	SessionID   string          `json:"session_id"`
	TodoContext string          `json:"todo_context"`
	Timezone    string          `json:"timezone"`
	UserID      json.RawMessage `json:"user_id"`
	Model       string          `json:"model"`
	APIKey      string          `json:"api_key"`
	Temperature *float64        `json:"temperature"`
	MaxTokens   *int            `json:"max_tokens"`
}

type chatResponse struct {
	Success   bool            `json:"success"`
	Message   string          `json:"message"`
	SessionID string          `json:"session_id"`
	Timestamp time.Time       `json:"timestamp"`
	Model     string          `json:"model"`
	Commands  []command.Token `json:"commands"`
}

type errorResponse struct {
	Success bool   `json:"success"`
	Error   string `json:"error"`
}

type sessionBody struct {
	SessionID string `json:"session_id"`
}

type initBody struct {
	APIKey string `json:"api_key"`
	Model  string `json:"model"`
}

type messageResponse struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
	Model   string `json:"model,omitempty"`
}

func (s *Server) handleHealth(c echo.Context) error {
	return c.JSON(http.StatusOK, s.gateway.Health())
}

func (s *Server) handleChat(provider string) echo.HandlerFunc {
	return func(c echo.Context) error {
		var body chatBody
		if err := c.Bind(&body); err != nil {
			return s.fail(c, llm.InvalidInput(provider, "invalid request body"))
		}
		s.logger.Debug("chat request body", "provider", provider, "body", body)

		userID, ok := parseUserID(body.UserID)
		if !ok {
			s.logger.Warn("ignoring unparseable user_id", "provider", provider, "user_id", string(body.UserID))
		}

		res, err := s.gateway.Chat(c.Request().Context(), provider, gateway.ChatRequest{
			Message:     body.Message,
			SessionID:   body.SessionID,
			TodoContext: body.TodoContext,
			Timezone:    body.Timezone,
			UserID:      userID,
			APIKey:      body.APIKey,
			Model:       body.Model,
			Temperature: body.Temperature,
			MaxTokens:   body.MaxTokens,
		})
		if err != nil {
			return s.fail(c, err)
		}

		commands := res.Commands
		if commands == nil {
			commands = []command.Token{}
		}
		return c.JSON(http.StatusOK, chatResponse{
			Success:   true,
			Message:   res.Reply,
			SessionID: res.SessionID,
			Timestamp: res.Timestamp,
			Model:     res.Model,
			Commands:  commands,
		})
	}
}

func (s *Server) handleClearSession(c echo.Context) error {
	var body sessionBody
	if err := c.Bind(&body); err != nil {
		return s.fail(c, llm.InvalidInput("", "invalid request body"))
	}
	if !s.gateway.ClearSession(body.SessionID) {
		return c.JSON(http.StatusNotFound, errorResponse{Error: "session not found"})
	}
	return c.JSON(http.StatusOK, messageResponse{Success: true, Message: "session cleared"})
}

func (s *Server) handleStatus(provider string) echo.HandlerFunc {
	return func(c echo.Context) error {
		st, err := s.gateway.Status(provider)
		if err != nil {
			return s.fail(c, err)
		}
		return c.JSON(http.StatusOK, st)
	}
}

func (s *Server) handleInit(provider string) echo.HandlerFunc {
	return func(c echo.Context) error {
		var body initBody
		if err := c.Bind(&body); err != nil {
			return s.fail(c, llm.InvalidInput(provider, "invalid request body"))
		}
		res, err := s.gateway.Init(c.Request().Context(), provider, body.APIKey, body.Model)
		if err != nil {
			return s.fail(c, err)
		}
		return c.JSON(http.StatusOK, messageResponse{
			Success: true,
			Message: "API key verified",
			Model:   res.Model,
		})
	}
}

// fail writes err in the failure envelope with the status for its kind.
// Upstream detail never reaches the client.
func (s *Server) fail(c echo.Context, err error) error {
	var e *llm.Error
	if !errors.As(err, &e) {
		e = &llm.Error{Kind: llm.KindOf(err), Err: err}
	}
	return c.JSON(e.Kind.HTTPStatus(), errorResponse{Error: e.ClientMessage()})
}
