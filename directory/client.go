// Copyright 2026 The Concierge Authors
// SPDX-License-Identifier: Apache-2.0

package directory

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"slices"
	"strconv"
	"strings"

	"github.com/conciergebot/concierge/lib/attrpath"
)

// ClientConfig holds configuration for creating a Client.
type ClientConfig struct {
	// BaseURL is the root of the directory deployment
	// (e.g., "https://auth.example.org"). The API version prefix is
	// appended internally.
	BaseURL string
	// Token is the API token, sent as the Authorization header. A
	// "Bearer " prefix is added when missing.
	Token string
	// HTTPClient is used for all requests. If nil, http.DefaultClient
	// is used.
	HTTPClient *http.Client
	// Logger is used for structured logging. If nil, slog.Default()
	// is used.
	Logger *slog.Logger
}

// Client talks to the directory's v3 REST API.
type Client struct {
	baseURL    string
	token      string
	httpClient *http.Client
	logger     *slog.Logger
}

// NewClient creates a directory client.
func NewClient(config ClientConfig) (*Client, error) {
	if config.BaseURL == "" {
		return nil, fmt.Errorf("directory: BaseURL is required")
	}
	if _, err := url.Parse(config.BaseURL); err != nil {
		return nil, fmt.Errorf("directory: invalid BaseURL %q: %w", config.BaseURL, err)
	}
	if config.Token == "" {
		return nil, fmt.Errorf("directory: Token is required")
	}

	token := config.Token
	if !strings.HasPrefix(token, "Bearer ") {
		token = "Bearer " + token
	}

	httpClient := config.HTTPClient
	if httpClient == nil {
		httpClient = http.DefaultClient
	}

	logger := config.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &Client{
		baseURL:    strings.TrimRight(config.BaseURL, "/") + "/api/v3",
		token:      token,
		httpClient: httpClient,
		logger:     logger,
	}, nil
}

// UserFilter narrows a ListUsers call. The zero value matches all
// active users.
type UserFilter struct {
	// Path filters users by their directory path.
	Path string
	// Attributes filters users whose attribute bag contains the given
	// key/value pairs. Evaluated server-side.
	Attributes map[string]any
	// GroupPKs filters users that are members of any of the given
	// groups.
	GroupPKs []string
	// IncludeInactive includes deactivated users. By default only
	// active users are returned.
	IncludeInactive bool
}

// GroupFilter narrows a ListGroups call. The zero value matches all
// groups.
type GroupFilter struct {
	// Attributes filters groups whose attribute bag contains the given
	// key/value pairs. Evaluated server-side.
	Attributes map[string]any
	// NamePrefix keeps only groups whose name starts with the prefix.
	NamePrefix string
	// ParentIDs keeps only groups whose parent is one of the given
	// group PKs.
	ParentIDs []string
	// HasAttribute keeps only groups whose attribute bag resolves
	// every listed dotted path, to any value.
	HasAttribute []string
	// HasNonEmptyAttribute keeps only groups whose attribute bag
	// resolves every listed dotted path to a non-empty value.
	HasNonEmptyAttribute []string
	// IncludeInactiveMembers keeps deactivated users in each group's
	// UsersObj. By default they are dropped, so membership
	// reconciliation only ever sees active users.
	IncludeInactiveMembers bool
}

// ListUsers lists directory users matching the filter, following
// pagination.
func (c *Client) ListUsers(ctx context.Context, filter UserFilter) ([]User, error) {
	query := url.Values{}
	if filter.Path != "" {
		query.Set("path", filter.Path)
	}
	if len(filter.Attributes) > 0 {
		encoded, err := json.Marshal(filter.Attributes)
		if err != nil {
			return nil, fmt.Errorf("directory: failed to encode attribute filter: %w", err)
		}
		query.Set("attributes", string(encoded))
	}
	for _, pk := range filter.GroupPKs {
		query.Add("groups_by_pk", pk)
	}
	if !filter.IncludeInactive {
		query.Set("is_active", "true")
	}

	var users []User
	if err := c.listPaginated(ctx, "/core/users/", query, &users); err != nil {
		return nil, err
	}
	return users, nil
}

// ListGroups lists directory groups matching the filter, following
// pagination. Server-side filters run first; the prefix, parent, and
// attribute-presence filters are applied to the result because the
// directory API cannot express them.
func (c *Client) ListGroups(ctx context.Context, filter GroupFilter) ([]Group, error) {
	query := url.Values{}
	if len(filter.Attributes) > 0 {
		encoded, err := json.Marshal(filter.Attributes)
		if err != nil {
			return nil, fmt.Errorf("directory: failed to encode attribute filter: %w", err)
		}
		query.Set("attributes", string(encoded))
	}
	query.Set("include_users", "true")

	var groups []Group
	if err := c.listPaginated(ctx, "/core/groups/", query, &groups); err != nil {
		return nil, err
	}

	kept := groups[:0]
	for _, group := range groups {
		if !matchesGroupFilter(group, filter) {
			continue
		}
		if !filter.IncludeInactiveMembers {
			group.UsersObj = activeOnly(group.UsersObj)
		}
		kept = append(kept, group)
	}
	return kept, nil
}

func matchesGroupFilter(group Group, filter GroupFilter) bool {
	if filter.NamePrefix != "" && !strings.HasPrefix(group.Name, filter.NamePrefix) {
		return false
	}
	if len(filter.ParentIDs) > 0 && !slices.Contains(filter.ParentIDs, group.Parent) {
		return false
	}
	for _, path := range filter.HasAttribute {
		if !attrpath.Has(group.Attributes, path) {
			return false
		}
	}
	for _, path := range filter.HasNonEmptyAttribute {
		if !attrpath.HasNonEmpty(group.Attributes, path) {
			return false
		}
	}
	return true
}

func activeOnly(members []User) []User {
	active := make([]User, 0, len(members))
	for _, member := range members {
		if member.IsActive {
			active = append(active, member)
		}
	}
	return active
}

// listResponse is the directory's paginated list envelope.
type listResponse struct {
	Pagination struct {
		Next       int `json:"next"`
		Current    int `json:"current"`
		TotalPages int `json:"total_pages"`
	} `json:"pagination"`
	Results json.RawMessage `json:"results"`
}

// listPaginated fetches every page of a list endpoint, appending each
// page's results into out (a pointer to a slice).
func (c *Client) listPaginated(ctx context.Context, path string, query url.Values, out any) error {
	page := 1
	for {
		pageQuery := url.Values{}
		for key, values := range query {
			pageQuery[key] = values
		}
		if page > 1 {
			pageQuery.Set("page", strconv.Itoa(page))
		}

		body, err := c.get(ctx, path, pageQuery)
		if err != nil {
			return err
		}

		var envelope listResponse
		if err := json.Unmarshal(body, &envelope); err != nil {
			return fmt.Errorf("directory: failed to parse %s response: %w", path, err)
		}
		if err := appendResults(out, envelope.Results); err != nil {
			return fmt.Errorf("directory: failed to parse %s results: %w", path, err)
		}

		if envelope.Pagination.Next <= page {
			return nil
		}
		page = envelope.Pagination.Next
	}
}

// appendResults decodes a page of results and appends it to the
// accumulating slice. out must be *[]User or *[]Group.
func appendResults(out any, results json.RawMessage) error {
	switch target := out.(type) {
	case *[]User:
		var page []User
		if err := json.Unmarshal(results, &page); err != nil {
			return err
		}
		*target = append(*target, page...)
	case *[]Group:
		var page []Group
		if err := json.Unmarshal(results, &page); err != nil {
			return err
		}
		*target = append(*target, page...)
	default:
		return fmt.Errorf("unsupported result type %T", out)
	}
	return nil
}

func (c *Client) get(ctx context.Context, path string, query url.Values) ([]byte, error) {
	requestURL := c.baseURL + path
	if len(query) > 0 {
		requestURL += "?" + query.Encode()
	}

	request, err := http.NewRequestWithContext(ctx, http.MethodGet, requestURL, nil)
	if err != nil {
		return nil, fmt.Errorf("directory: failed to create request: %w", err)
	}
	request.Header.Set("Authorization", c.token)
	request.Header.Set("Accept", "application/json")

	response, err := c.httpClient.Do(request)
	if err != nil {
		return nil, fmt.Errorf("directory: request to %s failed: %w", path, err)
	}
	defer response.Body.Close()

	body, err := io.ReadAll(response.Body)
	if err != nil {
		return nil, fmt.Errorf("directory: failed to read response body: %w", err)
	}

	if response.StatusCode < 200 || response.StatusCode >= 300 {
		apiErr := &APIError{StatusCode: response.StatusCode, Body: strings.TrimSpace(string(body))}
		c.logger.Error("directory api error",
			"path", path,
			"status", response.StatusCode,
			"body", apiErr.Body,
		)
		return nil, apiErr
	}
	return body, nil
}
