package peerserver

import (
	"context"
	"encoding/json"
	"errors"
	"slices"

	"giro/internal/protocol"
)

type handlerFunc func(ctx context.Context, c *conn, sess *Session, raw json.RawMessage) (any, *protocol.Error)


var errNotAuthenticated = errors.New("authentication required")

// register binds action to a handler taking a decoded payload of type T.
// Handlers check roles themselves; dispatch only authenticates.
func register[T any](s *Server, action string, fn func(context.Context, *conn, *Session, T) (any, *protocol.Error)) {
	s.routes[action] = func(ctx context.Context, c *conn, sess *Session, raw json.RawMessage) (any, *protocol.Error) {
		var payload T
		if len(raw) > 0 && string(raw) != "null" {
			if err := json.Unmarshal(raw, &payload); err != nil {
				return nil, protocol.Errorf(protocol.CodeValidationError, "invalid %s payload: %v", action, err)
			}
		}
		return fn(ctx, c, sess, payload)
	}
}

// requireRole rejects a session whose role is not in roles.
func requireRole(sess *Session, action string, roles []string) *protocol.Error {
	if sess == nil {
		return protocol.Errorf(protocol.CodeAuthRequired, "%v", errNotAuthenticated)
	}
	if !slices.Contains(roles, sess.Role) {
		return protocol.Errorf(protocol.CodeAuthRequired, "role %q may not call %s", sess.Role, action)
	}
	return nil
}

// handleFrame processes one inbound frame. It returns false when the socket
// must be closed.
func (s *Server) handleFrame(c *conn, frame []byte) bool {
	switch protocol.Classify(frame) {
	case protocol.KindLegacy:
		return s.handleLegacy(c, frame)
	case protocol.KindModern:
	default:
		c.reply(protocol.Fail(0, protocol.Errorf(protocol.CodeInvalidFormat, "unrecognized frame")))
		return true
	}

	var req protocol.Request
	if err := json.Unmarshal(frame, &req); err != nil {
		c.reply(protocol.Fail(0, protocol.Errorf(protocol.CodeInvalidFormat, "malformed request: %v", err)))
		return true
	}
	resp, keep := s.dispatch(c.ctx, c, req)
	c.reply(resp)
	return keep
}

func (s *Server) dispatch(ctx context.Context, c *conn, req protocol.Request) (protocol.Response, bool) {
	fn, ok := s.routes[req.Action]
	if !ok {
		return protocol.Fail(req.ID, protocol.Errorf(protocol.CodeInvalidAction, "unknown action %q", req.Action)), true
	}

	var sess *Session
	if !protocol.Public(req.Action) {
		var (
			err   error
			token string
		)
		sess, token, err = s.authorize(c, req.Token)
		if err != nil {
			// Only an explicit revocation of this socket's own session
			// ends the connection.
			keep := !(errors.Is(err, ErrSessionRevoked) && token == c.boundToken())
			return protocol.Fail(req.ID, protocol.Errorf(protocol.CodeAuthRequired, "%v", err)), keep
		}
	}

	data, perr := fn(ctx, c, sess, req.Payload)
	if perr != nil {
		s.logger.Debug("request failed", "conn", c.info.ID, "action", req.Action, "code", perr.Code, "error", perr.Message)
		return protocol.Fail(req.ID, perr), true
	}
	resp, err := protocol.OK(req.ID, data)
	if err != nil {
		return protocol.Fail(req.ID, protocol.Errorf(protocol.CodeValidationError, "%v", err)), true
	}
	return resp, true
}

// authorize resolves the request token, falling back to the socket's own
// session. A valid token on an unbound socket binds it.
func (s *Server) authorize(c *conn, token string) (*Session, string, error) {
	if token == "" {
		token = c.boundToken()
	}
	if token == "" {
		return nil, "", errNotAuthenticated
	}
	sess, err := s.sessions.Validate(token)
	if err != nil {
		return nil, token, err
	}
	if c.boundToken() == "" {
		c.bind(sess, token)
	}
	return sess, token, nil
}
