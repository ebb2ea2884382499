package handler

import (
	"net/http"

	"github.com/boddenberg/credit-ledger-go/internal/infra/notify"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

func newUpgrader(allowedOrigins []string) websocket.Upgrader {
	allowed := make(map[string]struct{}, len(allowedOrigins))
	for _, o := range allowedOrigins {
		allowed[o] = struct{}{}
	}
	return websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin: func(r *http.Request) bool {
			origin := r.Header.Get("Origin")
			if origin == "" || len(allowed) == 0 {
				return true
			}
			_, ok := allowed[origin]
			return ok
		},
	}
}

// balanceStreamHandler upgrades GET /v1/ws and streams creditUpdate events
// for the authenticated account until the client disconnects.
func balanceStreamHandler(hub *notify.Hub, allowedOrigins []string, logger *zap.Logger) http.HandlerFunc {
	upgrader := newUpgrader(allowedOrigins)
	return func(w http.ResponseWriter, r *http.Request) {
		accountID := AccountIDFromContext(r.Context())

		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			logger.Warn("websocket upgrade failed", zap.String("account_id", accountID), zap.Error(err))
			return
		}
		hub.Serve(accountID, conn)
	}
}
