package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/urbanforestry/treesync/internal/config"
	"github.com/urbanforestry/treesync/internal/models"
)

// statusToDynamics maps local statuses onto the CRM's option-set values.
var statusToDynamics = map[models.Status]int{
	models.StatusPending:    1,
	models.StatusInProgress: 2,
	models.StatusCompleted:  3,
}

// statusFromDynamics is the exact inverse of statusToDynamics.
var statusFromDynamics = map[int]models.Status{
	1: models.StatusPending,
	2: models.StatusInProgress,
	3: models.StatusCompleted,
}

// DynamicsClient performs authenticated calls against the CRM entity
// endpoint. It holds no persistent state beyond the token cache.
type DynamicsClient struct {
	apiURL     string
	entityName string
	tokens     *TokenSource
	httpClient *http.Client
}

// NewDynamicsClient creates a client for the configured entity endpoint.
func NewDynamicsClient(cfg config.DynamicsConfig, tokens *TokenSource, timeout time.Duration) *DynamicsClient {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &DynamicsClient{
		apiURL:     strings.TrimRight(cfg.APIURL, "/"),
		entityName: cfg.EntityName,
		tokens:     tokens,
		httpClient: &http.Client{Timeout: timeout},
	}
}

// dynamicsRecord is the CRM's field shape for an inspection.
type dynamicsRecord struct {
	Name             string  `json:"new_name,omitempty"`
	OfflineID        string  `json:"new_offlineid,omitempty"`
	Latitude         float64 `json:"new_latitude,omitempty"`
	Longitude        float64 `json:"new_longitude,omitempty"`
	Address          string  `json:"new_address,omitempty"`
	Status           int     `json:"new_status,omitempty"`
	InspectorID      string  `json:"new_inspectorid,omitempty"`
	InspectorName    string  `json:"new_inspectorname,omitempty"`
	Description      string  `json:"new_description,omitempty"`
	CommunityBoard   string  `json:"new_communityboard,omitempty"`
	PrimaryImageURL  string  `json:"new_primaryimageurl,omitempty"`
	AdditionalImages string  `json:"new_additionalimages,omitempty"`
	SyncStatus       bool    `json:"new_syncstatus,omitempty"`
	LastSyncedOn     string  `json:"new_lastsyncedon,omitempty"`
	CreatedOn        string  `json:"new_createdon,omitempty"`
	ModifiedOn       string  `json:"new_modifiedon,omitempty"`
	TreeInspectionID string  `json:"new_treeinspectionid,omitempty"`
}

// toDynamics translates a local record into the remote schema. Images must
// already be uploaded URLs; the first becomes the primary image, the rest
// are joined into the additional-images field.
func toDynamics(rec *models.InspectionRecord) dynamicsRecord {
	d := dynamicsRecord{
		Name:           rec.Title,
		OfflineID:      rec.ID,
		Latitude:       rec.Location.Latitude,
		Longitude:      rec.Location.Longitude,
		Address:        rec.Location.Address,
		Status:         statusToDynamics[rec.Status],
		InspectorID:    rec.Inspector.ID,
		InspectorName:  rec.Inspector.Name,
		Description:    rec.Details,
		CommunityBoard: rec.CommunityBoard,
		SyncStatus:     true,
		LastSyncedOn:   time.Now().UTC().Format(time.RFC3339),
	}
	if len(rec.Images) > 0 {
		d.PrimaryImageURL = rec.Images[0]
		if len(rec.Images) > 1 {
			d.AdditionalImages = strings.Join(rec.Images[1:], ",")
		}
	}
	return d
}

// fromDynamics translates a remote row back to the local shape.
func fromDynamics(d dynamicsRecord) *models.InspectionRecord {
	images := []string{}
	if d.PrimaryImageURL != "" {
		images = append(images, d.PrimaryImageURL)
	}
	if d.AdditionalImages != "" {
		for _, u := range strings.Split(d.AdditionalImages, ",") {
			if u != "" {
				images = append(images, u)
			}
		}
	}

	rec := &models.InspectionRecord{
		ID:             d.OfflineID,
		Title:          d.Name,
		Details:        d.Description,
		CommunityBoard: d.CommunityBoard,
		Status:         statusFromDynamics[d.Status],
		Location: models.Location{
			Address:   d.Address,
			Latitude:  d.Latitude,
			Longitude: d.Longitude,
		},
		Inspector: models.Inspector{
			ID:   d.InspectorID,
			Name: d.InspectorName,
		},
		Images:   images,
		Synced:   d.SyncStatus,
		RemoteID: d.TreeInspectionID,
	}
	rec.Normalize()
	return rec
}

// do issues one authenticated request and returns the response body.
func (c *DynamicsClient) do(ctx context.Context, method, path string, payload interface{}) ([]byte, error) {
	token, err := c.tokens.Token(ctx)
	if err != nil {
		return nil, err
	}

	var body io.Reader
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return nil, err
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.apiURL+path, body)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	req.Header.Set("OData-MaxVersion", "4.0")
	req.Header.Set("OData-Version", "4.0")
	req.Header.Set("Authorization", "Bearer "+token)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, (&RemoteError{Entity: c.entityName, Op: method, Err: err}).AsAppError()
	}
	defer resp.Body.Close()

	data, _ := io.ReadAll(resp.Body)
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, (&RemoteError{
			Entity:     c.entityName,
			Op:         method,
			StatusCode: resp.StatusCode,
			Body:       string(data),
		}).AsAppError()
	}
	return data, nil
}

// CreateInspection submits a mapped record to the entity endpoint and
// returns the remote identifier the CRM assigned.
func (c *DynamicsClient) CreateInspection(ctx context.Context, rec *models.InspectionRecord) (string, error) {
	data, err := c.do(ctx, http.MethodPost, "/"+c.entityName, toDynamics(rec))
	if err != nil {
		return "", err
	}

	var created dynamicsRecord
	if err := json.Unmarshal(data, &created); err != nil {
		return "", (&RemoteError{Entity: c.entityName, Op: "decode", Err: err}).AsAppError()
	}
	if created.TreeInspectionID == "" {
		return "", (&RemoteError{
			Entity: c.entityName,
			Op:     "decode",
			Err:    fmt.Errorf("response missing remote identifier"),
		}).AsAppError()
	}
	return created.TreeInspectionID, nil
}

// UpdateFields holds the partial payload of an update. Only non-nil fields
// are translated and sent, so remote fields absent locally are never
// clobbered.
type UpdateFields struct {
	Status   *models.Status
	Images   []string
	Location *models.Location
	Details  *string
}

// UpdateInspection PATCHes a partial update onto an existing remote record.
func (c *DynamicsClient) UpdateInspection(ctx context.Context, remoteID string, fields UpdateFields) error {
	patch := map[string]interface{}{
		"new_lastsyncedon": time.Now().UTC().Format(time.RFC3339),
	}

	if fields.Status != nil {
		patch["new_status"] = statusToDynamics[*fields.Status]
	}
	if fields.Images != nil {
		patch["new_primaryimageurl"] = ""
		patch["new_additionalimages"] = ""
		if len(fields.Images) > 0 {
			patch["new_primaryimageurl"] = fields.Images[0]
			patch["new_additionalimages"] = strings.Join(fields.Images[1:], ",")
		}
	}
	if fields.Location != nil {
		patch["new_latitude"] = fields.Location.Latitude
		patch["new_longitude"] = fields.Location.Longitude
		patch["new_address"] = fields.Location.Address
	}
	if fields.Details != nil {
		patch["new_description"] = *fields.Details
	}

	_, err := c.do(ctx, http.MethodPatch, fmt.Sprintf("/%s(%s)", c.entityName, remoteID), patch)
	return err
}

// GetInspections fetches every remote row, mapped back to the local shape
// through the exact inverse status table.
func (c *DynamicsClient) GetInspections(ctx context.Context) ([]*models.InspectionRecord, error) {
	data, err := c.do(ctx, http.MethodGet, "/"+c.entityName, nil)
	if err != nil {
		return nil, err
	}

	var listing struct {
		Value []dynamicsRecord `json:"value"`
	}
	if err := json.Unmarshal(data, &listing); err != nil {
		return nil, (&RemoteError{Entity: c.entityName, Op: "decode", Err: err}).AsAppError()
	}

	records := make([]*models.InspectionRecord, 0, len(listing.Value))
	for _, d := range listing.Value {
		records = append(records, fromDynamics(d))
	}
	return records, nil
}
