package signaling

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/url"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/pkg/errors"
)

// ErrTransportClosed возвращается после вызова Close
var ErrTransportClosed = errors.New("signaling transport closed")

// WSTransport реализует Transport поверх одного WebSocket соединения.
//
// Запросы и ответы сопоставляются по ID. Соединение устанавливается лениво
// и пересоздаётся при следующем запросе после обрыва.
type WSTransport struct {
	url    string
	opts   Options
	dialer *websocket.Dialer

	mu      sync.Mutex
	conn    *websocket.Conn
	pending map[string]chan Response
	closed  bool

	// запись в websocket.Conn не потокобезопасна
	writeMu sync.Mutex
}

var _ Transport = (*WSTransport)(nil)

// NewWSTransport создаёт WebSocket транспорт, например для ws://host:8080/ws
func NewWSTransport(serverURL string, opts Options) (*WSTransport, error) {
	u, err := url.Parse(serverURL)
	if err != nil {
		return nil, errors.Wrap(err, "failed to parse signaling url")
	}
	if u.Scheme != "ws" && u.Scheme != "wss" {
		return nil, errors.Errorf("unsupported scheme %q for websocket transport", u.Scheme)
	}
	if u.Path == "" {
		u.Path = PathWS
	}

	dialer := *websocket.DefaultDialer
	return &WSTransport{
		url:     u.String(),
		opts:    opts.withDefaults(),
		dialer:  &dialer,
		pending: make(map[string]chan Response),
	}, nil
}

// Probe устанавливает соединение (если нужно) и выполняет операцию probe
func (t *WSTransport) Probe(ctx context.Context) error {
	return t.call(ctx, OpProbe, t.opts.ProbeTimeout, nil, nil)
}

// Register выполняет операцию register
func (t *WSTransport) Register(ctx context.Context, reg Registration) error {
	return t.call(ctx, OpRegister, t.opts.RequestTimeout, reg, nil)
}

// PollInvitations выполняет операцию poll
func (t *WSTransport) PollInvitations(ctx context.Context, deviceID string) (*Invitation, error) {
	var inv *Invitation
	if err := t.call(ctx, OpPoll, t.opts.RequestTimeout, PollRequest{DeviceID: deviceID}, &inv); err != nil {
		// пустой payload означает отсутствие приглашений
		if errors.Is(err, errEmptyResponse) {
			return nil, nil
		}
		return nil, err
	}
	if inv == nil || inv.CallerID == "" {
		return nil, nil
	}
	if inv.ReceivedAt.IsZero() {
		inv.ReceivedAt = time.Now()
	}
	return inv, nil
}

// SendCallStatus выполняет операцию status
func (t *WSTransport) SendCallStatus(ctx context.Context, update CallStatusUpdate) error {
	return t.call(ctx, OpStatus, t.opts.RequestTimeout, update, nil)
}

// CheckCall выполняет операцию check
func (t *WSTransport) CheckCall(ctx context.Context, receiverID, callerID string) (bool, error) {
	var res CheckResult
	req := CheckRequest{ReceiverID: receiverID, CallerID: callerID}
	if err := t.call(ctx, OpCheck, t.opts.RequestTimeout, req, &res); err != nil {
		return false, err
	}
	return res.Active, nil
}

// Close закрывает соединение; последующие вызовы завершаются ошибкой
func (t *WSTransport) Close() error {
	t.mu.Lock()
	t.closed = true
	conn := t.conn
	t.mu.Unlock()

	if conn != nil {
		t.drop(conn)
	}
	return nil
}

func (t *WSTransport) call(ctx context.Context, op Op, timeout time.Duration, in, out interface{}) error {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	req := Request{ID: uuid.NewString(), Op: op}
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return &TransportError{Kind: KindServerError, Op: string(op), Detail: "encode request", Err: err}
		}
		req.Payload = data
	}

	conn, ch, err := t.begin(ctx, req.ID)
	if err != nil {
		return classify(string(op), err)
	}
	defer t.forget(req.ID)

	t.writeMu.Lock()
	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetWriteDeadline(deadline)
	}
	err = conn.WriteJSON(req)
	t.writeMu.Unlock()
	if err != nil {
		t.drop(conn)
		return classify(string(op), errors.Wrap(err, "write request"))
	}

	var resp Response
	var ok bool
	select {
	case resp, ok = <-ch:
		if !ok {
			return &TransportError{Kind: KindUnreachable, Op: string(op), Detail: "connection closed"}
		}
	case <-ctx.Done():
		return classify(string(op), ctx.Err())
	}

	if !resp.OK {
		return serverError(string(op), resp.Error)
	}
	if out == nil {
		return nil
	}
	if len(resp.Payload) == 0 {
		return emptyResponse(string(op))
	}
	if err := json.Unmarshal(resp.Payload, out); err != nil {
		return &TransportError{Kind: KindServerError, Op: string(op), Detail: "decode response: " + err.Error(), Err: err}
	}
	return nil
}

// begin возвращает активное соединение и регистрирует ожидание ответа с id
func (t *WSTransport) begin(ctx context.Context, id string) (*websocket.Conn, chan Response, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed {
		return nil, nil, ErrTransportClosed
	}

	if t.conn == nil {
		conn, _, err := t.dialer.DialContext(ctx, t.url, nil)
		if err != nil {
			return nil, nil, errors.Wrap(err, "failed to connect to WS server")
		}
		t.conn = conn
		go t.readLoop(conn)
	}

	ch := make(chan Response, 1)
	t.pending[id] = ch
	return t.conn, ch, nil
}

func (t *WSTransport) forget(id string) {
	t.mu.Lock()
	delete(t.pending, id)
	t.mu.Unlock()
}

// readLoop раздаёт ответы ожидающим запросам до обрыва соединения
func (t *WSTransport) readLoop(conn *websocket.Conn) {
	for {
		var resp Response
		if err := conn.ReadJSON(&resp); err != nil {
			slog.Debug("signaling ws read loop stopped", slog.String("error", err.Error()))
			t.drop(conn)
			return
		}

		t.mu.Lock()
		ch, ok := t.pending[resp.ID]
		delete(t.pending, resp.ID)
		t.mu.Unlock()

		if ok {
			ch <- resp
		}
	}
}

// drop закрывает соединение и завершает все ожидающие запросы
func (t *WSTransport) drop(conn *websocket.Conn) {
	t.mu.Lock()
	if t.conn == conn {
		t.conn = nil
		for id, ch := range t.pending {
			close(ch)
			delete(t.pending, id)
		}
	}
	t.mu.Unlock()

	_ = conn.Close()
}
