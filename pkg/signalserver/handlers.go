package signalserver

import (
	"encoding/json"
	"io"
	"log/slog"
	"net/http"

	"github.com/gorilla/websocket"
	"github.com/pkg/errors"

	"github.com/arzzra/soft_receiver/pkg/signaling"
)

const maxRequestBody = 64 << 10

// Handler возвращает HTTP обработчик всех маршрутов протокола
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /{$}", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	handlePost(mux, signaling.PathRegister, func(reg signaling.Registration) (interface{}, error) {
		return nil, s.Register(reg)
	})

	mux.HandleFunc("GET "+signaling.PathInvitations, func(w http.ResponseWriter, r *http.Request) {
		inv, err := s.Poll(r.URL.Query().Get("device_id"))
		if err != nil {
			writeError(w, err)
			return
		}
		// nil сериализуется как null
		writeJSON(w, http.StatusOK, inv)
	})

	handlePost(mux, signaling.PathCallStatus, func(update signaling.CallStatusUpdate) (interface{}, error) {
		return nil, s.UpdateStatus(update)
	})

	mux.HandleFunc("GET "+signaling.PathCallStatus, func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		active, err := s.CheckCall(q.Get("receiver_id"), q.Get("caller_id"))
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, signaling.CheckResult{Active: active})
	})

	mux.HandleFunc("POST "+signaling.PathInvite, func(w http.ResponseWriter, r *http.Request) {
		var req signaling.CallRequest
		if err := decodeBody(r, &req); err != nil {
			writeError(w, err)
			return
		}
		if err := s.Invite(req.CallerID, req.ReceiverID); err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusAccepted, map[string]string{"status": "queued"})
	})

	handlePost(mux, signaling.PathHangup, func(req signaling.CallRequest) (interface{}, error) {
		return nil, s.Hangup(req.CallerID, req.ReceiverID)
	})

	mux.HandleFunc("GET "+signaling.PathWS, s.handleWS)

	return mux
}

// handlePost регистрирует POST маршрут с JSON телом типа T
func handlePost[T any](mux *http.ServeMux, path string, fn func(T) (interface{}, error)) {
	mux.HandleFunc("POST "+path, func(w http.ResponseWriter, r *http.Request) {
		var req T
		if err := decodeBody(r, &req); err != nil {
			writeError(w, err)
			return
		}
		resp, err := fn(req)
		if err != nil {
			writeError(w, err)
			return
		}
		if resp == nil {
			resp = map[string]string{"status": "ok"}
		}
		writeJSON(w, http.StatusOK, resp)
	})
}

func decodeBody(r *http.Request, out interface{}) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxRequestBody))
	if err := dec.Decode(out); err != nil {
		return errors.Wrap(ErrBadRequest, err.Error())
	}
	return nil
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, ErrBadRequest):
		return http.StatusBadRequest
	case errors.Is(err, ErrUnknownDevice), errors.Is(err, ErrUnknownCall):
		return http.StatusNotFound
	case errors.Is(err, ErrCallActive):
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

func writeError(w http.ResponseWriter, err error) {
	writeJSON(w, statusFor(err), map[string]string{"error": err.Error()})
}

func writeJSON(w http.ResponseWriter, code int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

// handleWS обслуживает WebSocket вариант протокола: кадры запрос/ответ по одному соединению
func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Debug("ws upgrade failed", slog.String("error", err.Error()))
		return
	}
	s.track(conn)
	defer func() {
		s.untrack(conn)
		_ = conn.Close()
	}()

	for {
		var req signaling.Request
		if err := conn.ReadJSON(&req); err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				s.logger.Debug("ws read failed", slog.String("error", err.Error()))
			}
			return
		}

		resp := s.dispatch(req)
		if err := conn.WriteJSON(resp); err != nil {
			s.logger.Debug("ws write failed", slog.String("error", err.Error()))
			return
		}
	}
}

func (s *Server) dispatch(req signaling.Request) signaling.Response {
	result, err := s.apply(req)
	if err != nil {
		return signaling.Response{ID: req.ID, Error: err.Error()}
	}

	resp := signaling.Response{ID: req.ID, OK: true}
	if result != nil {
		data, err := json.Marshal(result)
		if err != nil {
			return signaling.Response{ID: req.ID, Error: err.Error()}
		}
		resp.Payload = data
	}
	return resp
}

func (s *Server) apply(req signaling.Request) (interface{}, error) {
	switch req.Op {
	case signaling.OpProbe:
		return nil, nil

	case signaling.OpRegister:
		var reg signaling.Registration
		if err := unmarshalPayload(req.Payload, &reg); err != nil {
			return nil, err
		}
		return nil, s.Register(reg)

	case signaling.OpPoll:
		var poll signaling.PollRequest
		if err := unmarshalPayload(req.Payload, &poll); err != nil {
			return nil, err
		}
		inv, err := s.Poll(poll.DeviceID)
		if err != nil || inv == nil {
			return nil, err
		}
		return inv, nil

	case signaling.OpStatus:
		var update signaling.CallStatusUpdate
		if err := unmarshalPayload(req.Payload, &update); err != nil {
			return nil, err
		}
		return nil, s.UpdateStatus(update)

	case signaling.OpCheck:
		var check signaling.CheckRequest
		if err := unmarshalPayload(req.Payload, &check); err != nil {
			return nil, err
		}
		active, err := s.CheckCall(check.ReceiverID, check.CallerID)
		if err != nil {
			return nil, err
		}
		return signaling.CheckResult{Active: active}, nil

	default:
		return nil, errors.Wrapf(ErrBadRequest, "unknown op %q", req.Op)
	}
}

func unmarshalPayload(data json.RawMessage, out interface{}) error {
	if len(data) == 0 {
		return errors.Wrap(ErrBadRequest, "empty payload")
	}
	if err := json.Unmarshal(data, out); err != nil {
		return errors.Wrap(ErrBadRequest, err.Error())
	}
	return nil
}
