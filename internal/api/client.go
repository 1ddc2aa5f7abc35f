package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/victornm/trivia/internal/domain"
	"github.com/victornm/trivia/internal/errors"
	"github.com/victornm/trivia/internal/eventlog"
)

// Client calls the session API over HTTP. Error responses are turned back into *errors.Error
// with the code the server reported, so callers can branch on errors.Is the same way they
// would against the in-process registry.
type Client struct {
	base string
	hc   *http.Client
}

// NewClient returns a client for the server at baseURL. A nil hc uses http.DefaultClient.
func NewClient(baseURL string, hc *http.Client) *Client {
	if hc == nil {
		hc = http.DefaultClient
	}
	return &Client{base: strings.TrimRight(baseURL, "/"), hc: hc}
}

func (c *Client) CreatePlayer(ctx context.Context, username string) (domain.Player, error) {
	return call[domain.Player](ctx, c, http.MethodPost, "/api/players", CreatePlayerRequest{Username: username})
}

func (c *Client) CreateSession(ctx context.Context, req CreateSessionRequest) (domain.Session, error) {
	return call[domain.Session](ctx, c, http.MethodPost, "/api/sessions", req)
}

func (c *Client) JoinAvailable(ctx context.Context, playerID string) (domain.Session, error) {
	return call[domain.Session](ctx, c, http.MethodGet, "/api/sessions/join?player_id="+url.QueryEscape(playerID), nil)
}

func (c *Client) GetSession(ctx context.Context, id string) (domain.Session, error) {
	return call[domain.Session](ctx, c, http.MethodGet, sessionPath(id, ""), nil)
}

func (c *Client) Start(ctx context.Context, id string) (domain.Session, error) {
	return call[domain.Session](ctx, c, http.MethodPut, sessionPath(id, "/start"), nil)
}

func (c *Client) Resume(ctx context.Context, id string) (domain.Session, error) {
	return call[domain.Session](ctx, c, http.MethodPut, sessionPath(id, "/resume"), nil)
}

func (c *Client) UpdateStatus(ctx context.Context, id string, to domain.Status) (domain.Session, error) {
	return call[domain.Session](ctx, c, http.MethodPut, sessionPath(id, "/status"), UpdateStatusRequest{Status: string(to)})
}

func (c *Client) MarkReady(ctx context.Context, id string) (int, error) {
	r, err := call[ReadyResponse](ctx, c, http.MethodPut, sessionPath(id, "/ready"), nil)
	return r.PlayersReady, err
}

func (c *Client) MarkNotReady(ctx context.Context, id string) (int, error) {
	r, err := call[ReadyResponse](ctx, c, http.MethodPut, sessionPath(id, "/notready"), nil)
	return r.PlayersReady, err
}

func (c *Client) RemovePlayer(ctx context.Context, id, playerID string) (domain.Session, error) {
	return call[domain.Session](ctx, c, http.MethodDelete, sessionPath(id, "/players/"+url.PathEscape(playerID)), nil)
}

func (c *Client) Disconnects(ctx context.Context, id string, cursor int) ([]eventlog.Entry[domain.Player], error) {
	return call[[]eventlog.Entry[domain.Player]](ctx, c, http.MethodGet, sessionPath(id, "/disconnects?cursor="+strconv.Itoa(cursor)), nil)
}

func (c *Client) Jokers(ctx context.Context, id string, cursor int) ([]eventlog.Entry[domain.Joker], error) {
	return call[[]eventlog.Entry[domain.Joker]](ctx, c, http.MethodGet, sessionPath(id, "/jokers?cursor="+strconv.Itoa(cursor)), nil)
}

func (c *Client) UseJoker(ctx context.Context, id string, req UseJokerRequest) (domain.Joker, error) {
	return call[domain.Joker](ctx, c, http.MethodPost, sessionPath(id, "/jokers"), req)
}

func (c *Client) GetQuestion(ctx context.Context, id string) (CurrentQuestion, error) {
	return call[CurrentQuestion](ctx, c, http.MethodGet, "/api/questions/"+url.PathEscape(id), nil)
}

func (c *Client) SubmitAnswer(ctx context.Context, id string, req SubmitAnswerRequest) (domain.Evaluation, error) {
	return call[domain.Evaluation](ctx, c, http.MethodPost, "/api/questions/"+url.PathEscape(id), req)
}

func (c *Client) GetLeaderboard(ctx context.Context, id string) (Leaderboard, error) {
	return call[Leaderboard](ctx, c, http.MethodGet, "/api/leaderboard/"+url.PathEscape(id), nil)
}

func sessionPath(id, suffix string) string {
	return "/api/sessions/" + url.PathEscape(id) + suffix
}

func call[T any](ctx context.Context, c *Client, method, path string, body any) (T, error) {
	var out T

	var r io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return out, fmt.Errorf("client: marshal request: %w", err)
		}
		r = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.base+path, r)
	if err != nil {
		return out, fmt.Errorf("client: new request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.hc.Do(req)
	if err != nil {
		return out, errors.Unavailable(err, "%s %s", method, path)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusBadRequest {
		return out, decodeError(resp, method, path)
	}
	if resp.StatusCode == http.StatusNoContent {
		return out, nil
	}

	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return out, errors.Unavailable(err, "%s %s: decode response", method, path)
	}
	return out, nil
}

func decodeError(resp *http.Response, method, path string) error {
	var e errors.Error
	if err := json.NewDecoder(resp.Body).Decode(&e); err != nil || e.Code == 0 {
		cause := fmt.Errorf("status %d", resp.StatusCode)
		if resp.StatusCode >= http.StatusInternalServerError {
			return errors.Unavailable(cause, "%s %s", method, path)
		}
		return errors.Internal(cause)
	}
	return errors.New(e.Code, errors.WithMessagef("%s", e.Message))
}
