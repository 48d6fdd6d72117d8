package api

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"

	"github.com/xraph/lister/id"
)

// progressPollInterval is how often the stream samples batch progress.
const progressPollInterval = 500 * time.Millisecond

// streamBatchProgress upgrades to a WebSocket and pushes progress frames
// until the batch finishes or the client goes away. The final frame has
// done set; the server then closes the connection.
func (a *API) streamBatchProgress(w http.ResponseWriter, r *http.Request) {
	batchID, err := id.ParseBatchID(chi.URLParam(r, "batchID"))
	if err != nil {
		respondError(w, http.StatusBadRequest, "BAD_REQUEST", "invalid batch ID: "+err.Error())
		return
	}
	if _, ok := a.eng.BatchProgress(batchID); !ok {
		respondError(w, http.StatusNotFound, "NOT_FOUND", "unknown batch")
		return
	}

	conn, _, _, err := ws.UpgradeHTTP(r, w)
	if err != nil {
		a.logger.Warn("websocket upgrade failed",
			slog.String("batch_id", batchID.String()),
			slog.String("error", err.Error()),
		)
		return
	}
	defer conn.Close()

	ticker := time.NewTicker(progressPollInterval)
	defer ticker.Stop()

	for {
		p, ok := a.eng.BatchProgress(batchID)
		if !ok {
			return
		}

		frame, err := json.Marshal(p)
		if err != nil {
			return
		}
		if err := wsutil.WriteServerText(conn, frame); err != nil {
			// Client disconnected.
			return
		}
		if p.Done {
			return
		}

		select {
		case <-r.Context().Done():
			return
		case <-ticker.C:
		}
	}
}
