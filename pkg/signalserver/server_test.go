package signalserver

import (
	"bytes"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/arzzra/soft_receiver/pkg/signaling"
)

const (
	receiverID = "receiver_device_001"
	callerID   = "caller_device_001"
)

func newTestServer() *Server {
	return New(WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))))
}

func registered(t *testing.T) *Server {
	t.Helper()
	s := newTestServer()
	require.NoError(t, s.Register(signaling.Registration{
		DeviceID:  receiverID,
		Role:      signaling.RoleReceiver,
		AllowFrom: []string{callerID},
	}))
	return s
}

func TestRegister(t *testing.T) {
	s := newTestServer()
	err := s.Register(signaling.Registration{})
	assert.True(t, errors.Is(err, ErrBadRequest))

	require.NoError(t, s.Register(signaling.Registration{DeviceID: receiverID, Role: signaling.RoleReceiver}))
	reg, ok := s.Registration(receiverID)
	require.True(t, ok)
	assert.Equal(t, signaling.RoleReceiver, reg.Role)

	_, ok = s.Registration("unknown")
	assert.False(t, ok)
}

func TestInviteAndPoll(t *testing.T) {
	s := registered(t)

	err := s.Invite(callerID, "unknown")
	assert.True(t, errors.Is(err, ErrUnknownDevice))
	assert.True(t, errors.Is(s.Invite("", receiverID), ErrBadRequest))

	_, err = s.Poll("unknown")
	assert.True(t, errors.Is(err, ErrUnknownDevice))

	require.NoError(t, s.Invite(callerID, receiverID))
	require.NoError(t, s.Invite("intruder_007", receiverID))

	// повторная регистрация не теряет очередь
	require.NoError(t, s.Register(signaling.Registration{DeviceID: receiverID, Role: signaling.RoleReceiver}))

	inv, err := s.Poll(receiverID)
	require.NoError(t, err)
	require.NotNil(t, inv)
	assert.Equal(t, callerID, inv.CallerID)

	inv, err = s.Poll(receiverID)
	require.NoError(t, err)
	require.NotNil(t, inv)
	assert.Equal(t, "intruder_007", inv.CallerID)

	inv, err = s.Poll(receiverID)
	require.NoError(t, err)
	assert.Nil(t, inv)
}

func TestCallLifecycle(t *testing.T) {
	s := registered(t)

	err := s.UpdateStatus(signaling.CallStatusUpdate{ReceiverID: receiverID, CallerID: callerID, Status: signaling.StatusAccepted})
	assert.True(t, errors.Is(err, ErrUnknownCall))

	require.NoError(t, s.Invite(callerID, receiverID))
	active, err := s.CheckCall(receiverID, callerID)
	require.NoError(t, err)
	assert.False(t, active)

	require.NoError(t, s.UpdateStatus(signaling.CallStatusUpdate{ReceiverID: receiverID, CallerID: callerID, Status: signaling.StatusAccepted}))
	active, err = s.CheckCall(receiverID, callerID)
	require.NoError(t, err)
	assert.True(t, active)

	require.NoError(t, s.UpdateStatus(signaling.CallStatusUpdate{ReceiverID: receiverID, CallerID: callerID, Status: signaling.StatusEnded}))
	active, err = s.CheckCall(receiverID, callerID)
	require.NoError(t, err)
	assert.False(t, active)

	err = s.UpdateStatus(signaling.CallStatusUpdate{ReceiverID: receiverID, CallerID: callerID, Status: "ringing"})
	assert.True(t, errors.Is(err, ErrBadRequest))

	_, err = s.CheckCall("unknown", callerID)
	assert.True(t, errors.Is(err, ErrUnknownDevice))
}

func TestHangupDropsPendingInvitations(t *testing.T) {
	s := registered(t)

	assert.True(t, errors.Is(s.Hangup(callerID, receiverID), ErrUnknownCall))

	require.NoError(t, s.Invite(callerID, receiverID))
	require.NoError(t, s.Invite("door_unit", receiverID))
	require.NoError(t, s.Hangup(callerID, receiverID))

	inv, err := s.Poll(receiverID)
	require.NoError(t, err)
	require.NotNil(t, inv)
	assert.Equal(t, "door_unit", inv.CallerID)
}

func accept(t *testing.T, s *Server) {
	t.Helper()
	require.NoError(t, s.UpdateStatus(signaling.CallStatusUpdate{ReceiverID: receiverID, CallerID: callerID, Status: signaling.StatusAccepted}))
}

func TestInviteWhileCallActive(t *testing.T) {
	s := registered(t)

	require.NoError(t, s.Invite(callerID, receiverID))
	inv, err := s.Poll(receiverID)
	require.NoError(t, err)
	require.NotNil(t, inv)
	accept(t, s)

	err = s.Invite(callerID, receiverID)
	assert.True(t, errors.Is(err, ErrCallActive))

	// активный вызов не сбрасывается, повторное приглашение не ставится в очередь
	active, err := s.CheckCall(receiverID, callerID)
	require.NoError(t, err)
	assert.True(t, active)

	inv, err = s.Poll(receiverID)
	require.NoError(t, err)
	assert.Nil(t, inv)

	// после завершения абонент может позвонить снова
	require.NoError(t, s.UpdateStatus(signaling.CallStatusUpdate{ReceiverID: receiverID, CallerID: callerID, Status: signaling.StatusEnded}))
	require.NoError(t, s.Invite(callerID, receiverID))
	inv, err = s.Poll(receiverID)
	require.NoError(t, err)
	require.NotNil(t, inv)
	assert.Equal(t, callerID, inv.CallerID)
}

func TestRepeatedInviteIsNotDuplicated(t *testing.T) {
	s := registered(t)

	require.NoError(t, s.Invite(callerID, receiverID))
	require.NoError(t, s.Invite(callerID, receiverID))

	inv, err := s.Poll(receiverID)
	require.NoError(t, err)
	require.NotNil(t, inv)
	inv, err = s.Poll(receiverID)
	require.NoError(t, err)
	assert.Nil(t, inv)

	// приглашение выдано, но ещё не принято: повтор ставится в очередь
	// и снимается, когда получатель принимает вызов
	require.NoError(t, s.Invite(callerID, receiverID))
	accept(t, s)
	inv, err = s.Poll(receiverID)
	require.NoError(t, err)
	assert.Nil(t, inv)
}

func TestUnansweredInvitationExpires(t *testing.T) {
	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	s := New(
		WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))),
		WithRingTimeout(30*time.Second))
	s.now = func() time.Time { return now }
	require.NoError(t, s.Register(signaling.Registration{DeviceID: receiverID, Role: signaling.RoleReceiver}))

	// выдано, но не принято (например, абонент не в списке разрешённых)
	require.NoError(t, s.Invite("intruder_007", receiverID))
	inv, err := s.Poll(receiverID)
	require.NoError(t, err)
	require.NotNil(t, inv)

	// не выдано вовсе
	require.NoError(t, s.Invite("door_unit", receiverID))

	now = now.Add(29 * time.Second)
	require.NoError(t, s.Invite(callerID, receiverID))
	inv, err = s.Poll(receiverID)
	require.NoError(t, err)
	require.NotNil(t, inv)
	assert.Equal(t, "door_unit", inv.CallerID)
	require.NoError(t, s.Invite("door_unit", receiverID))
	accept(t, s)

	now = now.Add(31 * time.Second)
	_, err = s.CheckCall(receiverID, callerID)
	require.NoError(t, err)

	s.mu.Lock()
	calls := make([]string, 0, len(s.devices[receiverID].calls))
	for id := range s.devices[receiverID].calls {
		calls = append(calls, id)
	}
	queue := len(s.devices[receiverID].queue)
	s.mu.Unlock()

	// принятый вызов не истекает
	assert.Equal(t, []string{callerID}, calls)
	assert.Zero(t, queue)

	err = s.UpdateStatus(signaling.CallStatusUpdate{ReceiverID: receiverID, CallerID: "door_unit", Status: signaling.StatusAccepted})
	assert.True(t, errors.Is(err, ErrUnknownCall))
}

func TestHTTPHandler(t *testing.T) {
	s := newTestServer()
	ts := httptest.NewServer(s.Handler())
	defer ts.Close()

	post := func(path string, body interface{}) *http.Response {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		resp, err := http.Post(ts.URL+path, "application/json", bytes.NewReader(data))
		require.NoError(t, err)
		return resp
	}
	get := func(path string) *http.Response {
		resp, err := http.Get(ts.URL + path)
		require.NoError(t, err)
		return resp
	}
	decode := func(resp *http.Response, out interface{}) {
		defer resp.Body.Close()
		require.NoError(t, json.NewDecoder(resp.Body).Decode(out))
	}

	resp := get("/")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	var probe map[string]string
	decode(resp, &probe)
	assert.Equal(t, "ok", probe["status"])

	resp = get("/nope")
	resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp = post(signaling.PathInvite, signaling.CallRequest{CallerID: callerID, ReceiverID: receiverID})
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	var apiErr map[string]string
	decode(resp, &apiErr)
	assert.Contains(t, apiErr["error"], "device not registered")

	resp = post(signaling.PathRegister, signaling.Registration{DeviceID: receiverID, Role: signaling.RoleReceiver})
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp = get(signaling.PathInvitations + "?device_id=" + receiverID)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Equal(t, "null", strings.TrimSpace(string(body)))

	resp = post(signaling.PathInvite, signaling.CallRequest{CallerID: callerID, ReceiverID: receiverID})
	resp.Body.Close()
	assert.Equal(t, http.StatusAccepted, resp.StatusCode)

	var inv signaling.Invitation
	decode(get(signaling.PathInvitations+"?device_id="+receiverID), &inv)
	assert.Equal(t, callerID, inv.CallerID)

	resp = post(signaling.PathCallStatus, signaling.CallStatusUpdate{ReceiverID: receiverID, CallerID: callerID, Status: signaling.StatusAccepted})
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	var check signaling.CheckResult
	decode(get(signaling.PathCallStatus+"?receiver_id="+receiverID+"&caller_id="+callerID), &check)
	assert.True(t, check.Active)

	resp = post(signaling.PathInvite, signaling.CallRequest{CallerID: callerID, ReceiverID: receiverID})
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
	decode(resp, &apiErr)
	assert.Contains(t, apiErr["error"], "call already active")

	resp = post(signaling.PathHangup, signaling.CallRequest{CallerID: callerID, ReceiverID: receiverID})
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	decode(get(signaling.PathCallStatus+"?receiver_id="+receiverID+"&caller_id="+callerID), &check)
	assert.False(t, check.Active)

	bad, err := http.Post(ts.URL+signaling.PathRegister, "application/json", strings.NewReader("{"))
	require.NoError(t, err)
	bad.Body.Close()
	assert.Equal(t, http.StatusBadRequest, bad.StatusCode)
}

func TestWebSocketHandler(t *testing.T) {
	s := registered(t)
	ts := httptest.NewServer(s.Handler())
	defer ts.Close()

	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(ts.URL, "http")+signaling.PathWS, nil)
	require.NoError(t, err)
	defer conn.Close()

	roundTrip := func(id string, op signaling.Op, payload interface{}) signaling.Response {
		req := signaling.Request{ID: id, Op: op}
		if payload != nil {
			data, err := json.Marshal(payload)
			require.NoError(t, err)
			req.Payload = data
		}
		require.NoError(t, conn.WriteJSON(req))
		var resp signaling.Response
		require.NoError(t, conn.ReadJSON(&resp))
		assert.Equal(t, id, resp.ID)
		return resp
	}

	assert.True(t, roundTrip("1", signaling.OpProbe, nil).OK)

	resp := roundTrip("2", signaling.OpPoll, signaling.PollRequest{DeviceID: receiverID})
	assert.True(t, resp.OK)
	assert.Empty(t, resp.Payload)

	require.NoError(t, s.Invite(callerID, receiverID))
	resp = roundTrip("3", signaling.OpPoll, signaling.PollRequest{DeviceID: receiverID})
	require.True(t, resp.OK)
	var inv signaling.Invitation
	require.NoError(t, json.Unmarshal(resp.Payload, &inv))
	assert.Equal(t, callerID, inv.CallerID)

	resp = roundTrip("4", signaling.OpStatus, signaling.CallStatusUpdate{ReceiverID: receiverID, CallerID: callerID, Status: signaling.StatusAccepted})
	assert.True(t, resp.OK)

	resp = roundTrip("5", signaling.OpCheck, signaling.CheckRequest{ReceiverID: receiverID, CallerID: callerID})
	require.True(t, resp.OK)
	var check signaling.CheckResult
	require.NoError(t, json.Unmarshal(resp.Payload, &check))
	assert.True(t, check.Active)

	resp = roundTrip("6", "dance", nil)
	assert.False(t, resp.OK)
	assert.Contains(t, resp.Error, "unknown op")

	resp = roundTrip("7", signaling.OpRegister, nil)
	assert.False(t, resp.OK)
	assert.Contains(t, resp.Error, "empty payload")
}

func TestStatusFor(t *testing.T) {
	assert.Equal(t, http.StatusBadRequest, statusFor(errors.Wrap(ErrBadRequest, "x")))
	assert.Equal(t, http.StatusNotFound, statusFor(errors.Wrap(ErrUnknownDevice, "x")))
	assert.Equal(t, http.StatusNotFound, statusFor(ErrUnknownCall))
	assert.Equal(t, http.StatusConflict, statusFor(errors.Wrap(ErrCallActive, "x")))
	assert.Equal(t, http.StatusInternalServerError, statusFor(errors.New("boom")))
}
