package xui

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"strings"
	"time"
)

// API - операции панели 3x-ui, используемые пулом серверов и движком подписок.
// Отдельный интерфейс нужен для подмены панели в тестах.
type API interface {
	Login(ctx context.Context) error
	ListInbounds(ctx context.Context) ([]Inbound, error)
	GetClientByEmail(ctx context.Context, email string) (*ClientTraffic, error)
	AddClient(ctx context.Context, inboundID int, client Client) error
	UpdateClient(ctx context.Context, inboundID int, clientID string, client Client) error
	DeleteClient(ctx context.Context, inboundID int, clientID string) error
}

type Config struct {
	Host     string
	Username string
	Password string
	Token    string
	Timeout  time.Duration
}

// HTTPClient - HTTP-клиент панели 3x-ui с cookie-сессией.
// Сессия живет до протухания, после чего требуется повторный Login.
type HTTPClient struct {
	baseURL  string
	username string
	password string
	token    string
	http     *http.Client
}

func NewClient(cfg Config) (*HTTPClient, error) {
	if cfg.Host == "" {
		return nil, fmt.Errorf("xui: host is empty")
	}

	jar, err := cookiejar.New(nil)
	if err != nil {
		return nil, fmt.Errorf("xui: create cookie jar: %w", err)
	}

	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = 10 * time.Second
	}

	return &HTTPClient{
		baseURL:  strings.TrimRight(cfg.Host, "/"),
		username: cfg.Username,
		password: cfg.Password,
		token:    cfg.Token,
		http: &http.Client{
			Timeout: timeout,
			Jar:     jar,
		},
	}, nil
}

func (c *HTTPClient) Login(ctx context.Context) error {
	form := url.Values{}
	form.Set("username", c.username)
	form.Set("password", c.password)
	if c.token != "" {
		form.Set("loginSecret", c.token)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/login",
		strings.NewReader(form.Encode()))
	if err != nil {
		return fmt.Errorf("xui: build login request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	_, err = c.do(req)
	if err != nil {
		return fmt.Errorf("xui: login: %w", err)
	}
	return nil
}

func (c *HTTPClient) ListInbounds(ctx context.Context) ([]Inbound, error) {
	obj, err := c.get(ctx, "/panel/api/inbounds/list")
	if err != nil {
		return nil, fmt.Errorf("xui: list inbounds: %w", err)
	}

	var raw []rawInbound
	if err := json.Unmarshal(obj, &raw); err != nil {
		return nil, fmt.Errorf("xui: decode inbounds: %w", err)
	}

	inbounds := make([]Inbound, 0, len(raw))
	for _, ri := range raw {
		inbound, err := ri.decode()
		if err != nil {
			return nil, fmt.Errorf("xui: decode inbound %d settings: %w", ri.ID, err)
		}
		inbounds = append(inbounds, inbound)
	}
	return inbounds, nil
}

// GetClientByEmail возвращает nil без ошибки, если клиент не найден.
func (c *HTTPClient) GetClientByEmail(ctx context.Context, email string) (*ClientTraffic, error) {
	obj, err := c.get(ctx, "/panel/api/inbounds/getClientTraffics/"+url.PathEscape(email))
	if err != nil {
		return nil, fmt.Errorf("xui: get client %s: %w", email, err)
	}

	if len(obj) == 0 || string(obj) == "null" {
		return nil, nil
	}

	var traffic ClientTraffic
	if err := json.Unmarshal(obj, &traffic); err != nil {
		return nil, fmt.Errorf("xui: decode client traffic: %w", err)
	}
	if traffic.Email == "" {
		return nil, nil
	}
	return &traffic, nil
}

func (c *HTTPClient) AddClient(ctx context.Context, inboundID int, client Client) error {
	if err := c.postClientPayload(ctx, "/panel/api/inbounds/addClient", inboundID, client); err != nil {
		return fmt.Errorf("xui: add client %s: %w", client.Email, err)
	}
	return nil
}

func (c *HTTPClient) UpdateClient(ctx context.Context, inboundID int, clientID string, client Client) error {
	path := "/panel/api/inbounds/updateClient/" + url.PathEscape(clientID)
	if err := c.postClientPayload(ctx, path, inboundID, client); err != nil {
		return fmt.Errorf("xui: update client %s: %w", clientID, err)
	}
	return nil
}

func (c *HTTPClient) DeleteClient(ctx context.Context, inboundID int, clientID string) error {
	path := fmt.Sprintf("/panel/api/inbounds/%d/delClient/%s", inboundID, url.PathEscape(clientID))
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, nil)
	if err != nil {
		return fmt.Errorf("xui: build delete request: %w", err)
	}

	if _, err := c.do(req); err != nil {
		return fmt.Errorf("xui: delete client %s: %w", clientID, err)
	}
	return nil
}

// postClientPayload отправляет клиента в формате панели: settings -
// JSON-строка со списком клиентов внутри JSON-тела запроса.
func (c *HTTPClient) postClientPayload(ctx context.Context, path string, inboundID int, client Client) error {
	settings, err := json.Marshal(InboundSettings{Clients: []Client{client}})
	if err != nil {
		return fmt.Errorf("marshal settings: %w", err)
	}

	payload, err := json.Marshal(map[string]interface{}{
		"id":       inboundID,
		"settings": string(settings),
	})
	if err != nil {
		return fmt.Errorf("marshal payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	_, err = c.do(req)
	return err
}

func (c *HTTPClient) get(ctx context.Context, path string) (json.RawMessage, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	return c.do(req)
}

func (c *HTTPClient) do(req *http.Request) (json.RawMessage, error) {
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode >= 400 {
		return nil, fmt.Errorf("panel returned %s: %s", resp.Status, truncate(body, 200))
	}

	var envelope apiResponse
	if err := json.Unmarshal(body, &envelope); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}
	if !envelope.Success {
		return nil, fmt.Errorf("panel rejected request: %s", envelope.Msg)
	}
	return envelope.Obj, nil
}

func truncate(b []byte, n int) string {
	if len(b) <= n {
		return string(b)
	}
	return string(b[:n]) + "..."
}
