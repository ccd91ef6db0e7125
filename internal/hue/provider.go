package hue

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"regexp"

	apperr "github.com/sirdoy/pannello-stufa-sub009/internal/errors"
	"github.com/sirdoy/pannello-stufa-sub009/internal/models"
	"github.com/tidwall/gjson"
)

// Provider is the capability surface shared by the local and remote paths.
// Results are the "data" array of the CLIP v2 response, passed through
// untouched.
type Provider interface {
	Mode() models.ConnectionMode
	ListResources(ctx context.Context, resourceType string) (json.RawMessage, error)
	GetResource(ctx context.Context, resourceType, id string) (json.RawMessage, error)
	UpdateResource(ctx context.Context, resourceType, id string, body any) (json.RawMessage, error)
	CreateResource(ctx context.Context, resourceType string, body any) (json.RawMessage, error)
	DeleteResource(ctx context.Context, resourceType, id string) (json.RawMessage, error)
	ActivateScene(ctx context.Context, sceneID string) (json.RawMessage, error)
	Bridge(ctx context.Context) (json.RawMessage, error)
}

var (
	resourceTypeRe = regexp.MustCompile(`^[a-z][a-z_]*$`)
	resourceIDRe   = regexp.MustCompile(`^[0-9A-Za-z-]+$`)
)

func resourcePath(resourceType, id string) (string, error) {
	if !resourceTypeRe.MatchString(resourceType) {
		return "", apperr.Newf(apperr.CodeInvalidArgument, "invalid resource type %q", resourceType)
	}

	if id == "" {
		return "/resource/" + resourceType, nil
	}

	if !resourceIDRe.MatchString(id) {
		return "", apperr.Newf(apperr.CodeInvalidArgument, "invalid resource id %q", id)
	}

	return "/resource/" + resourceType + "/" + id, nil
}

// clipClient issues CLIP v2 requests against a base URL ending in /clip/v2.
type clipClient struct {
	httpClient *http.Client
	baseURL    string
}

// clipResponse is one raw exchange with the API.
type clipResponse struct {
	status int
	body   []byte
}

func (c *clipClient) send(ctx context.Context, method, path string, payload []byte, header http.Header) (clipResponse, error) {
	var body io.Reader
	if payload != nil {
		body = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return clipResponse{}, fmt.Errorf("creating request: %w", err)
	}

	for k, vs := range header {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}

	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return clipResponse{}, apperr.Wrap(apperr.CodeNetworkError, fmt.Errorf("sending request to %s: %w", path, err))
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return clipResponse{}, apperr.Wrap(apperr.CodeNetworkError, fmt.Errorf("reading response from %s: %w", path, err))
	}

	return clipResponse{status: resp.StatusCode, body: respBody}, nil
}

// decode extracts "data" from a successful response or turns the CLIP
// "errors" array into a BRIDGE_ERROR.
func (r clipResponse) decode(path string) (json.RawMessage, error) {
	if r.status < 200 || r.status >= 300 {
		desc := gjson.GetBytes(r.body, "errors.0.description").String()
		if desc == "" {
			desc = http.StatusText(r.status)
		}
		e := apperr.Newf(apperr.CodeBridgeError, "%s returned status %d: %s", path, r.status, desc)
		e.Status = r.status
		return nil, e
	}

	data := gjson.GetBytes(r.body, "data")
	if !data.Exists() {
		return json.RawMessage("[]"), nil
	}

	return json.RawMessage(data.Raw), nil
}

func marshalBody(body any) ([]byte, error) {
	if body == nil {
		return nil, nil
	}

	if raw, ok := body.(json.RawMessage); ok {
		return raw, nil
	}

	payload, err := json.Marshal(body)
	if err != nil {
		return nil, apperr.Wrap(apperr.CodeInvalidArgument, fmt.Errorf("marshalling request body: %w", err))
	}

	return payload, nil
}

// requester is the one primitive each provider implements; the resource
// methods are built on top of it.
type requester func(ctx context.Context, method, path string, payload []byte) (json.RawMessage, error)

// resourceOps implements the resource methods of Provider over a requester.
type resourceOps struct {
	request requester
}

func (o resourceOps) ListResources(ctx context.Context, resourceType string) (json.RawMessage, error) {
	path, err := resourcePath(resourceType, "")
	if err != nil {
		return nil, err
	}
	return o.request(ctx, http.MethodGet, path, nil)
}

func (o resourceOps) GetResource(ctx context.Context, resourceType, id string) (json.RawMessage, error) {
	if id == "" {
		return nil, apperr.New(apperr.CodeInvalidArgument, "resource id is required")
	}
	path, err := resourcePath(resourceType, id)
	if err != nil {
		return nil, err
	}
	return o.request(ctx, http.MethodGet, path, nil)
}

func (o resourceOps) UpdateResource(ctx context.Context, resourceType, id string, body any) (json.RawMessage, error) {
	if id == "" {
		return nil, apperr.New(apperr.CodeInvalidArgument, "resource id is required")
	}
	path, err := resourcePath(resourceType, id)
	if err != nil {
		return nil, err
	}
	payload, err := marshalBody(body)
	if err != nil {
		return nil, err
	}
	return o.request(ctx, http.MethodPut, path, payload)
}

func (o resourceOps) CreateResource(ctx context.Context, resourceType string, body any) (json.RawMessage, error) {
	path, err := resourcePath(resourceType, "")
	if err != nil {
		return nil, err
	}
	payload, err := marshalBody(body)
	if err != nil {
		return nil, err
	}
	return o.request(ctx, http.MethodPost, path, payload)
}

func (o resourceOps) DeleteResource(ctx context.Context, resourceType, id string) (json.RawMessage, error) {
	if id == "" {
		return nil, apperr.New(apperr.CodeInvalidArgument, "resource id is required")
	}
	path, err := resourcePath(resourceType, id)
	if err != nil {
		return nil, err
	}
	return o.request(ctx, http.MethodDelete, path, nil)
}

func (o resourceOps) ActivateScene(ctx context.Context, sceneID string) (json.RawMessage, error) {
	return o.UpdateResource(ctx, "scene", sceneID, map[string]any{
		"recall": map[string]string{"action": "active"},
	})
}

func (o resourceOps) Bridge(ctx context.Context) (json.RawMessage, error) {
	return o.ListResources(ctx, "bridge")
}
