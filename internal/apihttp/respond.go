// Package apihttp is the gin-based JSON plumbing shared by the mega
// and node HTTP surfaces: the error-response envelope of spec §6 and
// a request-scoped handler timeout matching spec §5.
package apihttp

import (
	"context"
	"time"

	"github.com/gin-gonic/gin"

	merrors "meganode/internal/errors"
)

// errorBody is the wire shape of spec §6's "Error response JSON":
// {code, msg, data, sensitive}, with data/sensitive defaulting to
// null/false.
type errorBody struct {
	Code      uint16 `json:"code"`
	Msg       string `json:"msg"`
	Data      any    `json:"data,omitempty"`
	Sensitive bool   `json:"sensitive,omitempty"`
}

// WriteError renders err as the taxonomy's JSON envelope and the
// Kind's documented HTTP status. Errors not already tagged with a Kind
// are folded into the given domain's generic Server kind rather than
// leaking an internal message, per spec §7's "never leaking internal
// state beyond the short msg string".
func WriteError(c *gin.Context, domain merrors.Domain, err error) {
	e, ok := err.(*merrors.Error)
	if !ok {
		e = merrors.Wrap(merrors.Server(domain), err)
	}
	body := errorBody{
		Code:      e.Kind.ToCode(),
		Msg:       e.Kind.Message(),
		Data:      e.Data,
		Sensitive: e.Sensitive,
	}
	c.AbortWithStatusJSON(e.Kind.HTTPStatus(), body)
}

// HandlerTimeout wraps the request context with the server-wide
// handler deadline spec §5 fixes at 25s by default, so a stuck
// downstream call surfaces as a timeout to the caller instead of
// hanging the connection indefinitely.
func HandlerTimeout(d time.Duration) gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx, cancel := context.WithTimeout(c.Request.Context(), d)
		defer cancel()
		c.Request = c.Request.WithContext(ctx)
		c.Next()
	}
}

// NewEngine builds a gin.Engine with gin.Recovery() only: gin's default
// text access logger is not installed, and no other access-logging
// middleware is added.
func NewEngine() *gin.Engine {
	engine := gin.New()
	engine.Use(gin.Recovery())
	return engine
}
