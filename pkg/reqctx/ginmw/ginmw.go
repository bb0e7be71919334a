// Package ginmw adapts reqctx to gin-gonic/gin, the same request-id
// continuity pattern xg2g's logging middleware uses: honor an inbound
// X-Request-Id, otherwise mint one, and echo it back on the response.
package ginmw

import (
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/aivorynet/agent-go/pkg/reqctx"
)

const (
	requestIDHeader       = "X-Request-Id"
	defaultMultipartMemory = 32 << 20
)

// Middleware stashes a *reqctx.Context on every request's context.Context
// so that pkg/capture can attach request metadata to a capture taken
// from within a gin handler.
func Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		reqID := c.GetHeader(requestIDHeader)
		if reqID == "" {
			reqID = uuid.New().String()
		}
		c.Header(requestIDHeader, reqID)

		rc := &reqctx.Context{
			Method:     c.Request.Method,
			Path:       c.Request.URL.Path,
			Host:       c.Request.Host,
			UserAgent:  c.Request.UserAgent(),
			RemoteAddr: c.ClientIP(),
			RequestID:  reqID,
			Query:      queryValues(c),
			Form:       formValues(c),
			Session:    sessionValues(c),
		}

		ctx := reqctx.WithContext(c.Request.Context(), rc)
		c.Request = c.Request.WithContext(ctx)
		c.Next()
	}
}

func queryValues(c *gin.Context) map[string]interface{} {
	values := c.Request.URL.Query()
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
// request body, same tradeoff gin's own c.PostForm makes.
func formValues(c *gin.Context) map[string]interface{} {
	_ = c.Request.ParseMultipartForm(defaultMultipartMemory)
	if err := c.Request.ParseForm(); err != nil {
		return nil
	}
	if len(c.Request.PostForm) == 0 {
		return nil
	}
	out := make(map[string]interface{}, len(c.Request.PostForm))
	for k, v := range c.Request.PostForm {
		if len(v) == 1 {
			out[k] = v[0]
		} else {
			out[k] = v
		}
	}
	return out
}

// sessionValues reports whatever session data an app-level session
// middleware stashed under the "session" gin key, falling back to the
// bare session cookie value when no such middleware is present.
func sessionValues(c *gin.Context) map[string]interface{} {
	if v, ok := c.Get("session"); ok {
		if m, ok := v.(map[string]interface{}); ok {
			return m
		}
	}
	if cookie, err := c.Cookie("session"); err == nil && cookie != "" {
		return map[string]interface{}{"id": cookie}
	}
	return nil
}
