package gateway

import (
	"context"
	"net/http"
	"time"

	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"agentgate/internal/domain"
	"agentgate/internal/infra/middleware"
)

// wsFrame is one outbound websocket message. Type is "delta", "final", or
// "error"; the metadata blocks are present only on "final".
type wsFrame struct {
	Type    string        `json:"type"`
	Delta   string        `json:"delta,omitempty"`
	Error   string        `json:"error,omitempty"`
	Code    string        `json:"code,omitempty"`
	Agent   *agentBlock   `json:"agent,omitempty"`
	AI      *aiBlock      `json:"ai,omitempty"`
	Metrics *metricsBlock `json:"metrics,omitempty"`
}

// HandleWS serves GET /ws. The client sends a single dispatch request frame
// and receives delta frames followed by one final (or error) frame, then the
// connection is closed. Browsers cannot set an Authorization header on a
// websocket upgrade, so the token travels as a query parameter.
func (h *Handler) HandleWS(w http.ResponseWriter, r *http.Request) {
	var caller string
	if h.auth.Enabled() {
		name, err := h.auth.Authenticate(r.URL.Query().Get("token"))
		if err != nil {
			h.writeError(w, err, nil)
			return
		}
		caller = name
	} else {
		caller = middleware.ClientIP(r, h.trusted)
	}

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: h.wsOrigins,
	})
	if err != nil {
		h.logger.Warn("websocket accept failed", "error", err)
		return
	}
	defer conn.Close(websocket.StatusInternalError, "internal error")

	ctx := r.Context()

	var req dispatchRequest
	readCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	err = wsjson.Read(readCtx, conn, &req)
	cancel()
	if err != nil {
		conn.Close(websocket.StatusPolicyViolation, "expected a dispatch request frame")
		return
	}

	decision := h.admitter.Admit(caller, classAgentChat)
	if !decision.Allowed {
		h.admissionRejects.Add(1)
		wsjson.Write(ctx, conn, wsFrame{
			Type:  "error",
			Error: "rate limit exceeded",
			Code:  string(domain.CodeRateLimit),
		})
		conn.Close(websocket.StatusPolicyViolation, "rate limited")
		return
	}

	opts := domain.DispatchOptions{
		Temperature:   req.Options.Temperature,
		MaxTokens:     req.Options.MaxTokens,
		ForceProvider: req.Options.ForceProvider,
	}

	handle, err := h.dispatcher.DispatchStream(ctx, req.AgentID, req.Message, opts)
	if err != nil {
		wsjson.Write(ctx, conn, wsFrame{
			Type:  "error",
			Error: err.Error(),
			Code:  string(domain.ErrorCodeOf(err)),
		})
		conn.Close(websocket.StatusNormalClosure, "")
		return
	}
	defer handle.Close()

	for delta := range handle.Deltas() {
		if !delta.IsFinal {
			if err := wsjson.Write(ctx, conn, wsFrame{Type: "delta", Delta: delta.Delta}); err != nil {
				return
			}
			continue
		}

		if delta.Err != nil {
			wsjson.Write(ctx, conn, wsFrame{
				Type:  "error",
				Error: delta.Err.Error(),
				Code:  string(domain.ErrorCodeOf(delta.Err)),
			})
			break
		}

		resp := h.buildResponse(handle.Finish())
		wsjson.Write(ctx, conn, wsFrame{
			Type:    "final",
			Agent:   &resp.Agent,
			AI:      &resp.AI,
			Metrics: &resp.Metrics,
		})
	}

	conn.Close(websocket.StatusNormalClosure, "")
}
