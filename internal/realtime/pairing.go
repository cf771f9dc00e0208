package realtime

import (
	"context"
	"encoding/json"
	"net/http"
	"net/url"
	"time"

	apperrors "walink/internal/errors"
	"walink/internal/middleware"
	"walink/internal/service"
	"walink/internal/tracing"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"
)

// NewConnectionID in the pair URL starts an attempt that creates a
// connection from the name and phone query parameters
const NewConnectionID = "new"

const (
	defaultWriteTimeout = 5 * time.Second
	frameBuffer         = 64
)

// PairingHandler runs one Attempt per websocket and streams its progress
type PairingHandler struct {
	orch         *service.Orchestrator
	origins      []string
	logger       *logrus.Logger
	writeTimeout time.Duration
}

// NewPairingHandler creates the handler. origins are host patterns accepted
// for cross-origin upgrades; empty or "*" accepts any origin.
func NewPairingHandler(orch *service.Orchestrator, origins []string, logger *logrus.Logger) *PairingHandler {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &PairingHandler{
		orch:         orch,
		origins:      originPatterns(origins),
		logger:       logger,
		writeTimeout: defaultWriteTimeout,
	}
}

func (h *PairingHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	userID := middleware.UserIDFromContext(r.Context())
	if userID == "" {
		writeError(w, r, apperrors.NewUnauthorizedError("missing user"))
		return
	}

	req := service.AttemptRequest{ConnectionID: mux.Vars(r)["id"]}
	if req.ConnectionID == NewConnectionID {
		req = service.AttemptRequest{
			Name:  r.URL.Query().Get("name"),
			Phone: r.URL.Query().Get("phone"),
		}
	} else if _, err := h.orch.GetConnection(r.Context(), userID, req.ConnectionID); err != nil {
		// unknown ids are refused before the upgrade so the client sees a 404
		writeError(w, r, err)
		return
	}

	// the socket outlives the server's per-request deadlines
	rc := http.NewResponseController(w)
	_ = rc.SetReadDeadline(time.Time{})
	_ = rc.SetWriteDeadline(time.Time{})

	c, err := websocket.Accept(w, r, h.acceptOptions())
	if err != nil {
		h.logger.WithError(err).Warn("Failed to upgrade pairing socket")
		return
	}
	defer c.CloseNow()

	logger := service.LogWithContext(r.Context(), h.logger).WithField(service.LogFieldConnectionID, req.ConnectionID)
	h.serve(r.Context(), c, userID, req, logger)
}

func (h *PairingHandler) serve(parent context.Context, c *websocket.Conn, userID string, req service.AttemptRequest, logger *logrus.Entry) {
	ctx, cancel := context.WithCancel(parent)
	defer cancel()

	frames := make(chan Frame, frameBuffer)
	attempt := h.orch.NewAttempt(userID, func(u service.Update) {
		for _, f := range FramesFor(u) {
			select {
			case frames <- f:
			default:
				logger.WithField("type", f.Type).Debug("Dropping pairing frame for slow client")
			}
		}
	})

	go h.readClient(ctx, c, cancel, logger)
	attempt.Start(ctx, req)

	for {
		select {
		case f := <-frames:
			if err := h.write(c, f); err != nil {
				logger.WithError(err).Debug("Pairing socket write failed")
				attempt.Cancel()
				<-attempt.Done()
				return
			}

		case <-attempt.Done():
		drain:
			for {
				select {
				case f := <-frames:
					if err := h.write(c, f); err != nil {
						return
					}
				default:
					break drain
				}
			}
			c.Close(websocket.StatusNormalClosure, string(attempt.Phase()))
			return

		case <-ctx.Done():
			attempt.Cancel()
			<-attempt.Done()
			logger.Info("Pairing attempt cancelled by client")
			c.Close(websocket.StatusNormalClosure, "cancelled")
			return
		}
	}
}

// readClient consumes client frames until the socket closes or a cancel arrives
func (h *PairingHandler) readClient(ctx context.Context, c *websocket.Conn, cancel context.CancelFunc, logger *logrus.Entry) {
	defer cancel()
	for {
		var msg Frame
		if err := wsjson.Read(ctx, c, &msg); err != nil {
			if websocket.CloseStatus(err) == -1 && ctx.Err() == nil {
				logger.WithError(err).Debug("Pairing socket read ended")
			}
			return
		}
		if msg.Type == FrameCancel {
			return
		}
	}
}

func (h *PairingHandler) write(c *websocket.Conn, f Frame) error {
	ctx, cancel := context.WithTimeout(context.Background(), h.writeTimeout)
	defer cancel()
	return wsjson.Write(ctx, c, f)
}

func (h *PairingHandler) acceptOptions() *websocket.AcceptOptions {
	opts := &websocket.AcceptOptions{}
	if len(h.origins) == 0 {
		opts.InsecureSkipVerify = true
		return opts
	}
	for _, o := range h.origins {
		if o == "*" {
			opts.InsecureSkipVerify = true
			return opts
		}
	}
	opts.OriginPatterns = h.origins
	return opts
}

// originPatterns reduces configured origins such as "https://app.example.com"
// to the host patterns the websocket origin check matches against
func originPatterns(origins []string) []string {
	out := make([]string, 0, len(origins))
	for _, o := range origins {
		if u, err := url.Parse(o); err == nil && u.Host != "" {
			out = append(out, u.Host)
			continue
		}
		out = append(out, o)
	}
	return out
}

func writeError(w http.ResponseWriter, r *http.Request, err error) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(apperrors.HTTPStatusCode(err))
	_ = json.NewEncoder(w).Encode(apperrors.ToHTTPResponse(err, tracing.GetRequestID(r.Context())))
}
