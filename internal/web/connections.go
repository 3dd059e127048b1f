package web

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/ehsanking/cipher-relay/internal/logger"
	"github.com/ehsanking/cipher-relay/internal/stats"
	"github.com/google/uuid"
	"github.com/jpillora/sizestr"
	"go.uber.org/zap"
)

type ConnectionJSON struct {
	stats.ConnectionInfo
	Duration string `json:"duration"`
	Sent     string `json:"sent"`
	Received string `json:"received"`
}

type StatJSON struct {
	stats.TargetStat
	Sent     string `json:"sent"`
	Received string `json:"received"`
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Debug("Writing JSON response failed", zap.Error(err))
	}
}

func ConnectionsHandler(m *stats.Manager) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		conns := m.List()
		out := make([]ConnectionJSON, 0, len(conns))
		for _, c := range conns {
			info := c.Info()
			out = append(out, ConnectionJSON{
				ConnectionInfo: info,
				Duration:       time.Since(info.StartTime).Round(time.Second).String(),
				Sent:           sizestr.ToString(int64(info.Upload)),
				Received:       sizestr.ToString(int64(info.Download)),
			})
		}
		writeJSON(w, out)
	}
}

func StatsHandler(m *stats.Manager) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		targets := m.Stats()
		out := make([]StatJSON, 0, len(targets))
		for _, st := range targets {
			out = append(out, StatJSON{
				TargetStat: st,
				Sent:       sizestr.ToString(int64(st.Upload)),
				Received:   sizestr.ToString(int64(st.Download)),
			})
		}
		writeJSON(w, out)
	}
}

func KillHandler(m *stats.Manager) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, http.StatusText(http.StatusMethodNotAllowed), http.StatusMethodNotAllowed)
			return
		}
		id, err := uuid.Parse(r.URL.Query().Get("id"))
		if err != nil {
			http.Error(w, "Missing or invalid connection ID", http.StatusBadRequest)
			return
		}

		conn, ok := m.Get(id)
		if !ok {
			http.Error(w, "Connection not found", http.StatusNotFound)
			return
		}

		// Closing the client socket ends the relay, which disconnects the channel.
		conn.Close()

		w.WriteHeader(http.StatusOK)
		w.Write([]byte("Connection terminated"))
		logger.Info("Admin terminated connection", zap.Stringer("id", id), zap.String("target", conn.Target))
	}
}
