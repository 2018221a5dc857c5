// Package transmit ships captured change records to the remote authority in
// size-capped batches, and retrieves approved deployment scripts from it.
package transmit

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/tidwall/gjson"
	"resty.dev/v3"
)

// Config identifies the remote authority endpoint.
type Config struct {
	// BaseURL is the authority's API root.
	BaseURL string `json:"base_url"`
	// SiteKey authenticates this site with the authority.
	SiteKey string `json:"site_key"`
	// Timeout bounds each request round-trip.
	Timeout time.Duration `json:"timeout"`
}

func (c *Config) Validate() error {
	if c.BaseURL == "" {
		return fmt.Errorf("missing 'base_url'")
	}
	if c.SiteKey == "" {
		return fmt.Errorf("missing 'site_key'")
	}
	return nil
}

func (c *Config) SetDefaults() {
	if c.Timeout == 0 {
		c.Timeout = 30 * time.Second
	}
}

// Client speaks to the remote authority.
type Client struct {
	http *resty.Client
}

func NewClient(config Config) (*Client, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}
	config.SetDefaults()
	var http = resty.New().
		SetBaseURL(config.BaseURL).
		SetTimeout(config.Timeout).
		SetHeader("Accept", "application/json").
		SetHeader("X-Site-Key", config.SiteKey)
	return &Client{http: http}, nil
}

// SnapshotPayload is one pre-image row attached to a transmitted record.
type SnapshotPayload struct {
	Table string          `json:"table"`
	Data  json.RawMessage `json:"data"`
}

// RecordPayload is the wire form of one change record.
type RecordPayload struct {
	ID            int64             `json:"id"`
	RecordingID   string            `json:"recording_id"`
	Type          string            `json:"type"` // lowercase statement kind
	SQL           string            `json:"sql_statement"`
	RecordedAt    string            `json:"recorded_at"`
	TenantID      int64             `json:"blog_id"`
	PreUpdateData []SnapshotPayload `json:"pre_update_data,omitempty"`
	InsertID      int64             `json:"insert_id,omitempty"`
}

// BatchResult is the authority's verdict on one transmitted batch.
type BatchResult struct {
	// Errors maps record ids the authority rejected to its reason.
	Errors map[int64]string
	// LimitReached means the authority wants no more batches for now.
	LimitReached bool
}

// PostChangeRecords transmits one batch of change records in order.
func (c *Client) PostChangeRecords(ctx context.Context, records []RecordPayload) (*BatchResult, error) {
	var res, err = c.http.NewRequest().
		WithContext(ctx).
		SetBody(map[string]interface{}{"queries": records}).
		Post("/queries")
	if err != nil {
		return nil, fmt.Errorf("transmitting change records: %w", err)
	}
	if !res.IsSuccess() {
		return nil, fmt.Errorf("transmitting change records: %s", res.Status())
	}

	var body = res.String()
	var result = &BatchResult{
		Errors:       make(map[int64]string),
		LimitReached: gjson.Get(body, "limit_reached").Bool(),
	}
	gjson.Get(body, "errors").ForEach(func(key, value gjson.Result) bool {
		if id, err := strconv.ParseInt(key.String(), 10, 64); err == nil {
			result.Errors[id] = value.String()
		}
		return true
	})
	return result, nil
}

// InsertPayload is the wire form of one replayed-id mapping.
type InsertPayload struct {
	QueryID    int64 `json:"query_id"`
	DeployedID int64 `json:"deployed_id"`
}

// PostDeploymentInserts reports the ids a committed deployment generated.
func (c *Client) PostDeploymentInserts(ctx context.Context, changesetID int64, inserts []InsertPayload) error {
	var res, err = c.http.NewRequest().
		WithContext(ctx).
		SetBody(map[string]interface{}{"deployment_id": changesetID, "inserts": inserts}).
		Post("/deployments/inserts")
	if err != nil {
		return fmt.Errorf("reporting deployment inserts: %w", err)
	}
	if !res.IsSuccess() {
		return fmt.Errorf("reporting deployment inserts: %s", res.Status())
	}
	return nil
}

// ScriptInfo locates an approved deployment script.
type ScriptInfo struct {
	ChangesetID int64
	URL         string
	Checksum    string // SHA-1 of the decompressed script
}

// GetDeploymentScript asks the authority for the approved script of a
// changeset.
func (c *Client) GetDeploymentScript(ctx context.Context, changesetID int64) (*ScriptInfo, error) {
	var res, err = c.http.NewRequest().
		WithContext(ctx).
		Get(fmt.Sprintf("/deployments/%d/script", changesetID))
	if err != nil {
		return nil, fmt.Errorf("fetching deployment script info: %w", err)
	}
	if !res.IsSuccess() {
		return nil, fmt.Errorf("fetching deployment script info: %s", res.Status())
	}

	var body = res.String()
	var info = &ScriptInfo{
		ChangesetID: changesetID,
		URL:         gjson.Get(body, "url").String(),
		Checksum:    gjson.Get(body, "checksum").String(),
	}
	if info.URL == "" || info.Checksum == "" {
		return nil, fmt.Errorf("authority returned incomplete script info: %s", body)
	}
	return info, nil
}
