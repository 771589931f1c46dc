package server

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/evergreen-ai/evergreen/internal/archive"
	"github.com/evergreen-ai/evergreen/internal/logging"
	"github.com/evergreen-ai/evergreen/internal/session"
	"github.com/evergreen-ai/evergreen/pkg/types"
)

// sessionInfo is the session resource representation.
type sessionInfo struct {
	ID    string `json:"id"`
	State string `json:"state"`
	Nodes int    `json:"nodes"`
	Error any    `json:"error,omitempty"`
}

func info(s *session.Session) sessionInfo {
	out := sessionInfo{
		ID:    s.ID,
		State: s.State().String(),
		Nodes: s.Registry().Len(),
	}
	if perr := s.Err(); perr != nil {
		out.Error = perr
	}
	return out
}

// createSession handles POST /session.
func (s *Server) createSession(w http.ResponseWriter, r *http.Request) {
	id := session.NewSessionID()
	b := newBroker(id)

	sess := s.engine.Create(s.baseCtx, id, func(ctx context.Context, env *types.Envelope) error {
		b.publish(streamItem{Envelope: env})
		return nil
	})

	s.mu.Lock()
	s.brokers[id] = b
	if s.config.IdleTimeout > 0 {
		s.timers[id] = time.AfterFunc(s.config.IdleTimeout, func() { s.expire(id) })
	}
	s.mu.Unlock()

	writeJSON(w, http.StatusCreated, info(sess))
}

// getSession handles GET /session/{sessionID}.
func (s *Server) getSession(w http.ResponseWriter, r *http.Request) {
	sess, _, ok := s.lookup(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, info(sess))
}

// postEnvelope handles POST /session/{sessionID}/envelope. A protocol
// violation terminates the session; the violation is returned with 409 and
// also pushed onto the session's stream.
func (s *Server) postEnvelope(w http.ResponseWriter, r *http.Request) {
	sess, b, ok := s.lookup(w, r)
	if !ok {
		return
	}

	var env types.Envelope
	if err := json.NewDecoder(r.Body).Decode(&env); err != nil {
		writeError(w, http.StatusBadRequest, ErrCodeInvalidRequest, "malformed envelope: "+err.Error())
		return
	}

	if sess.State() != session.StateActive {
		s.respondTerminated(w, sess)
		return
	}

	if err := sess.HandleEnvelope(&env); err != nil {
		perr, isProto := types.AsProtocolError(err)
		if !isProto {
			writeError(w, http.StatusInternalServerError, ErrCodeInternalError, err.Error())
			return
		}
		b.terminate(streamItem{Err: perr})
		writeProtocolError(w, http.StatusConflict, perr)
		return
	}

	s.touch(sess.ID)
	writeJSON(w, http.StatusAccepted, map[string]bool{"accepted": true})
}

// deleteSession handles DELETE /session/{sessionID}: orderly completion.
func (s *Server) deleteSession(w http.ResponseWriter, r *http.Request) {
	sess, b, ok := s.lookup(w, r)
	if !ok {
		return
	}
	s.closeOut(r.Context(), sess, b)
	writeJSON(w, http.StatusOK, info(sess))
}

// closeOut completes a session, archives the transcript when completion was
// orderly, and forgets the session.
func (s *Server) closeOut(ctx context.Context, sess *session.Session, b *broker) {
	sess.Complete()
	b.terminate(streamItem{Done: true})

	if s.store != nil && sess.State() == session.StateCompleted {
		if err := s.store.Save(ctx, archive.Snapshot(sess.ID, sess.Registry())); err != nil {
			logging.Warn().Err(err).Str("session", sess.ID).Msg("failed to archive session")
		}
	}

	s.mu.Lock()
	delete(s.brokers, sess.ID)
	if t := s.timers[sess.ID]; t != nil {
		t.Stop()
		delete(s.timers, sess.ID)
	}
	s.mu.Unlock()
	s.engine.Remove(sess.ID)
}

// lookup fetches the session and its broker from the URL, writing 404 when
// either is gone.
func (s *Server) lookup(w http.ResponseWriter, r *http.Request) (*session.Session, *broker, bool) {
	id := chi.URLParam(r, "sessionID")
	sess, ok := s.engine.Get(id)
	if !ok {
		writeError(w, http.StatusNotFound, ErrCodeNotFound, "unknown session")
		return nil, nil, false
	}
	s.mu.Lock()
	b := s.brokers[id]
	s.mu.Unlock()
	if b == nil {
		writeError(w, http.StatusNotFound, ErrCodeNotFound, "unknown session")
		return nil, nil, false
	}
	return sess, b, true
}

func (s *Server) respondTerminated(w http.ResponseWriter, sess *session.Session) {
	if perr := sess.Err(); perr != nil {
		writeProtocolError(w, http.StatusConflict, perr)
		return
	}
	writeError(w, http.StatusConflict, ErrCodeSessionTerminated, "session is "+sess.State().String())
}
