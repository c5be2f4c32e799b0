package signaling

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/pkg/errors"
)

const maxErrorBody = 512

// HTTPTransport реализует Transport поверх JSON/HTTP
type HTTPTransport struct {
	baseURL *url.URL
	client  *http.Client
	opts    Options
}

var _ Transport = (*HTTPTransport)(nil)

// NewHTTPTransport создаёт HTTP транспорт для базового URL сервера
func NewHTTPTransport(serverURL string, opts Options) (*HTTPTransport, error) {
	u, err := url.Parse(strings.TrimRight(serverURL, "/"))
	if err != nil {
		return nil, errors.Wrap(err, "failed to parse signaling url")
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, errors.Errorf("unsupported scheme %q for http transport", u.Scheme)
	}
	if u.Host == "" {
		return nil, errors.Errorf("signaling url %q has no host", serverURL)
	}

	return &HTTPTransport{
		baseURL: u,
		// Таймауты задаются через контекст каждого запроса
		client: &http.Client{},
		opts:   opts.withDefaults(),
	}, nil
}

// Probe выполняет GET / и ожидает 2xx
func (t *HTTPTransport) Probe(ctx context.Context) error {
	return t.do(ctx, "probe", t.opts.ProbeTimeout, http.MethodGet, PathProbe, nil, nil, nil)
}

// Register выполняет POST /register
func (t *HTTPTransport) Register(ctx context.Context, reg Registration) error {
	return t.do(ctx, "register", t.opts.RequestTimeout, http.MethodPost, PathRegister, nil, reg, nil)
}

// PollInvitations выполняет GET /invitations?device_id=
func (t *HTTPTransport) PollInvitations(ctx context.Context, deviceID string) (*Invitation, error) {
	var inv *Invitation
	query := url.Values{"device_id": {deviceID}}
	if err := t.do(ctx, "poll", t.opts.RequestTimeout, http.MethodGet, PathInvitations, query, nil, &inv); err != nil {
		// пустое тело означает отсутствие приглашений
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

// SendCallStatus выполняет POST /call-status
func (t *HTTPTransport) SendCallStatus(ctx context.Context, update CallStatusUpdate) error {
	return t.do(ctx, "status", t.opts.RequestTimeout, http.MethodPost, PathCallStatus, nil, update, nil)
}

// CheckCall выполняет GET /call-status?receiver_id=&caller_id=
func (t *HTTPTransport) CheckCall(ctx context.Context, receiverID, callerID string) (bool, error) {
	var resp CheckResult
	query := url.Values{"receiver_id": {receiverID}, "caller_id": {callerID}}
	if err := t.do(ctx, "check", t.opts.RequestTimeout, http.MethodGet, PathCallStatus, query, nil, &resp); err != nil {
		return false, err
	}
	return resp.Active, nil
}

// Invite выполняет POST /invite от имени звонящего
func (t *HTTPTransport) Invite(ctx context.Context, callerID, receiverID string) error {
	req := CallRequest{CallerID: callerID, ReceiverID: receiverID}
	return t.do(ctx, "invite", t.opts.RequestTimeout, http.MethodPost, PathInvite, nil, req, nil)
}

// Hangup выполняет POST /hangup от имени звонящего
func (t *HTTPTransport) Hangup(ctx context.Context, callerID, receiverID string) error {
	req := CallRequest{CallerID: callerID, ReceiverID: receiverID}
	return t.do(ctx, "hangup", t.opts.RequestTimeout, http.MethodPost, PathHangup, nil, req, nil)
}

// Close закрывает простаивающие соединения клиента
func (t *HTTPTransport) Close() error {
	t.client.CloseIdleConnections()
	return nil
}

func (t *HTTPTransport) endpoint(path string, query url.Values) string {
	u := *t.baseURL
	u.Path = strings.TrimRight(u.Path, "/") + path
	if query != nil {
		u.RawQuery = query.Encode()
	}
	return u.String()
}

// do выполняет запрос с таймаутом и декодирует JSON ответ в out (если out != nil)
func (t *HTTPTransport) do(ctx context.Context, op string, timeout time.Duration, method, path string, query url.Values, in, out interface{}) error {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return &TransportError{Kind: KindServerError, Op: op, Detail: "encode request", Err: err}
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, t.endpoint(path, query), body)
	if err != nil {
		return classify(op, errors.Wrap(err, "build request"))
	}
	req.Header.Set("Accept", "application/json")
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := t.client.Do(req)
	if err != nil {
		return classify(op, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return serverError(op, fmt.Sprintf("HTTP %d: %s", resp.StatusCode, readErrorBody(resp.Body)))
	}

	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		if err == io.EOF {
			return emptyResponse(op)
		}
		if ctx.Err() != nil {
			return classify(op, ctx.Err())
		}
		return &TransportError{Kind: KindServerError, Op: op, Detail: "decode response: " + err.Error(), Err: err}
	}
	return nil
}

func readErrorBody(r io.Reader) string {
	data, _ := io.ReadAll(io.LimitReader(r, maxErrorBody))
	var payload struct {
		Error string `json:"error"`
	}
	if json.Unmarshal(data, &payload) == nil && payload.Error != "" {
		return payload.Error
	}
	return strings.TrimSpace(string(data))
}
