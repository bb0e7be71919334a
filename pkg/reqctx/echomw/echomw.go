// Package echomw adapts reqctx to labstack/echo/v4, mirroring ginmw's
// request-id continuity pattern for Echo's middleware chain.
package echomw

import (
	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/aivorynet/agent-go/pkg/reqctx"
)

const (
	requestIDHeader       = "X-Request-Id"
	defaultMultipartMemory = 32 << 20
)

// Middleware stashes a *reqctx.Context on every request's context.Context
// so that pkg/capture can attach request metadata to a capture taken
// from within an Echo handler.
func Middleware() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			req := c.Request()

			reqID := req.Header.Get(requestIDHeader)
			if reqID == "" {
				reqID = uuid.New().String()
			}
			c.Response().Header().Set(requestIDHeader, reqID)

			rc := &reqctx.Context{
				Method:     req.Method,
				Path:       req.URL.Path,
				Host:       req.Host,
				UserAgent:  req.UserAgent(),
				RemoteAddr: c.RealIP(),
				RequestID:  reqID,
				Query:      queryValues(c),
				Form:       formValues(c),
				Session:    sessionValues(c),
			}

			ctx := reqctx.WithContext(req.Context(), rc)
			c.SetRequest(req.WithContext(ctx))
			return next(c)
		}
	}
}

func queryValues(c echo.Context) map[string]interface{} {
	values := c.QueryParams()
	out := make(map[string]interface{}, len(values))
	for k, v := range values {
		if len(v) == 1 {
			out[k] = v[0]
		} else {
			out[k] = v
		}
	}
	return out
}

// formValues parses the request body as a form (urlencoded or
// multipart) and returns the posted fields. Parsing consumes the
// request body, same tradeoff Echo's own c.FormParams makes.
func formValues(c echo.Context) map[string]interface{} {
	req := c.Request()
	_ = req.ParseMultipartForm(defaultMultipartMemory)
	if err := req.ParseForm(); err != nil {
		return nil
	}
	if len(req.PostForm) == 0 {
		return nil
	}
	out := make(map[string]interface{}, len(req.PostForm))
	for k, v := range req.PostForm {
		if len(v) == 1 {
			out[k] = v[0]
		} else {
			out[k] = v
		}
	}
	return out
}

// sessionValues reports whatever session data an app-level session
// middleware stashed under the "session" Echo context key, falling
// back to the bare session cookie value when no such middleware is
// present.
func sessionValues(c echo.Context) map[string]interface{} {
	if v := c.Get("session"); v != nil {
		if m, ok := v.(map[string]interface{}); ok {
			return m
		}
	}
	if cookie, err := c.Cookie("session"); err == nil && cookie.Value != "" {
		return map[string]interface{}{"id": cookie.Value}
	}
	return nil
}
