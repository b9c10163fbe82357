package agent

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"studioSync/backend/internal/protocol"
)

// Collaborator is the entity store as seen from the client.
type Collaborator interface {
	CommitField(ctx context.Context, entityID, field string, value json.RawMessage) error
	FetchCollection(ctx context.Context, topic string) ([]protocol.Entity, error)
}

// RESTCollaborator talks to the server's /booking endpoints.
type RESTCollaborator struct {
	baseURL string
	token   string
	client  *http.Client
}

// NewRESTCollaborator takes the server base URL without a path, e.g. http://localhost:8090.
func NewRESTCollaborator(baseURL, token string, client *http.Client) *RESTCollaborator {
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	return &RESTCollaborator{baseURL: strings.TrimRight(baseURL, "/"), token: token, client: client}
}

// StatusError is a non-2xx answer from the server.
type StatusError struct {
	Status  int
	Code    string
	Message string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("server answered %d %s: %s", e.Status, e.Code, e.Message)
}

func (r *RESTCollaborator) CommitField(ctx context.Context, entityID, field string, value json.RawMessage) error {
	body, err := json.Marshal(struct {
		Field string          `json:"field"`
		Value json.RawMessage `json:"value"`
	}{Field: field, Value: value})
	if err != nil {
		return err
	}
	return r.do(ctx, http.MethodPatch, "/booking/assignments/"+url.PathEscape(entityID), body, nil)
}

func (r *RESTCollaborator) FetchCollection(ctx context.Context, topic string) ([]protocol.Entity, error) {
	var resp struct {
		Assignments []protocol.Entity `json:"assignments"`
	}
	if err := r.do(ctx, http.MethodGet, "/booking/record-days/"+url.PathEscape(topic)+"/assignments", nil, &resp); err != nil {
		return nil, err
	}
	return resp.Assignments, nil
}

func (r *RESTCollaborator) do(ctx context.Context, method, path string, body []byte, out any) error {
	req, err := http.NewRequestWithContext(ctx, method, r.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if r.token != "" {
		req.Header.Set("Authorization", "Bearer "+r.token)
	}

	resp, err := r.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		var e struct {
			Code    string `json:"code"`
			Message string `json:"message"`
		}
		_ = json.NewDecoder(resp.Body).Decode(&e)
		return &StatusError{Status: resp.StatusCode, Code: e.Code, Message: e.Message}
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}
