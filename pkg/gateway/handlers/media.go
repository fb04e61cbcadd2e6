package handlers

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/gorilla/websocket"
	"github.com/voxline/callbridge/pkg/booking"
	"github.com/voxline/callbridge/pkg/gateway/config"
	"github.com/voxline/callbridge/pkg/gateway/live/realtime"
	"github.com/voxline/callbridge/pkg/gateway/live/session"
	"github.com/voxline/callbridge/pkg/gateway/mw"
	"github.com/voxline/callbridge/pkg/store"
)

// MediaHandler upgrades the carrier's media stream socket and runs the
// call bridge until the call ends.
type MediaHandler struct {
	Config    config.Config
	Store     store.Store
	Knowledge session.KnowledgeLookup
	Text      session.TextOps
	Calendar  booking.Calendar
	Logger    *slog.Logger

	// DialModel overrides the realtime connection for tests.
	DialModel session.ModelDialer
}

func (h MediaHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	upgrader := websocket.Upgrader{
		HandshakeTimeout: h.Config.HandshakeTimeout,
		CheckOrigin:      func(*http.Request) bool { return true },
	}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	reqID, _ := mw.RequestIDFrom(r.Context())
	logger := h.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("request_id", reqID)

	dial := h.DialModel
	if dial == nil {
		dial = func(ctx context.Context) (*realtime.Conn, error) {
			return realtime.Dial(ctx, h.Config.RealtimeURL, h.Config.RealtimeAPIKey)
		}
	}

	router := session.NewRouter(session.RouterDeps{
		Store:     h.Store,
		Machine:   booking.NewMachine(h.Store, h.Calendar, logger),
		Knowledge: h.Knowledge,
		Logger:    logger,
		ModelConfig: realtime.SessionConfig{
			Voice:                h.Config.Voice,
			Instructions:         h.Config.Instructions,
			Temperature:          h.Config.Temperature,
			VADThreshold:         h.Config.VADThreshold,
			VADPrefixPaddingMS:   h.Config.VADPrefixPaddingMS,
			VADSilenceDurationMS: h.Config.VADSilenceDurationMS,
			TranscriptionModel:   h.Config.TranscriptionModel,
		},
		SettleDelay: h.Config.SessionSettleDelay,
	})

	bridge, err := session.New(session.Dependencies{
		Conn:      conn,
		DialModel: dial,
		Router:    router,
		Finalizer: session.NewFinalizer(h.Store, h.Text, logger),
		Logger:    logger,
		Config: session.Config{
			PingInterval:       h.Config.WSPingInterval,
			WriteTimeout:       h.Config.WSWriteTimeout,
			ReadTimeout:        h.Config.WSReadTimeout,
			MaxMessageBytes:    h.Config.WSMaxMessageBytes,
			MaxSessionDuration: h.Config.MaxCallDuration,
			OutboundQueueSize:  h.Config.OutboundQueueSize,
		},
	})
	if err != nil {
		logger.Error("bridge init failed", "error", err)
		return
	}

	if err := bridge.Run(); err != nil {
		logger.Warn("call ended with error", "call_sid", router.State().CallSID, "error", err)
		return
	}
	logger.Info("call ended", "call_sid", router.State().CallSID)
}
