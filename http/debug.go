package http

import (
	"net/http"

	"github.com/aukilabs/go-tooling/pkg/errors"
	"github.com/aukilabs/go-tooling/pkg/logs"
	"github.com/aukilabs/hagall-bvh/bvh"
	"github.com/aukilabs/hagall-bvh/models"
	"github.com/aukilabs/hagall-bvh/modules/dagaz"
	"github.com/segmentio/encoding/json"
)

// SpatialDebug is the dump of the trees of a session.
type SpatialDebug struct {
	SessionID string `json:"session_id"`

	Entities TreeDebug `json:"entities"`

	// Only set when a participant of the session uses the dagaz module.
	Dagaz *TreeDebug `json:"dagaz,omitempty"`
}

type TreeDebug struct {
	Stats bvh.Stats      `json:"stats"`
	Nodes []bvh.NodeView `json:"nodes"`
}

// SessionSummary describes a session in the session listing.
type SessionSummary struct {
	SessionID    string    `json:"session_id"`
	Participants int       `json:"participants"`
	Entities     bvh.Stats `json:"entities"`
}

// HandleSpatialDebug serves the trees of the session identified by the
// session query parameter, for debug drawing. Without the parameter it lists
// the sessions.
func HandleSpatialDebug(sessions *models.SessionStore) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		sessionID := r.URL.Query().Get("session")
		if sessionID == "" {
			list := sessions.List()
			res := make([]SessionSummary, 0, len(list))
			for _, s := range list {
				res = append(res, SessionSummary{
					SessionID:    sessions.GlobalSessionID(s.ID),
					Participants: s.ParticipantCount(),
					Entities:     s.SpatialStats(),
				})
			}
			writeJSON(w, res)
			return
		}

		session, ok := sessions.GetByGlobalID(sessionID)
		if !ok {
			http.Error(w, "session not found", http.StatusNotFound)
			return
		}

		res := SpatialDebug{
			SessionID: sessionID,
			Entities: TreeDebug{
				Stats: session.SpatialStats(),
				Nodes: session.SpatialNodes(),
			},
		}

		if nodes, ok := dagaz.SessionNodes(session); ok {
			res.Dagaz = &TreeDebug{
				Stats: dagaz.SessionStats(session),
				Nodes: nodes,
			}
		}

		writeJSON(w, res)
	}
}

func writeJSON(w http.ResponseWriter, v any) {
	b, err := json.Marshal(v)
	if err != nil {
		logs.Warn(errors.New("encoding spatial debug failed").Wrap(err))
		w.WriteHeader(http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	w.Write(b)
}
