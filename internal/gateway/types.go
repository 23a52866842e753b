package gateway

import (
	"encoding/json"
	"strings"
	"time"
)

// StatusDoc is the status document returned by both status endpoints. The
// two providers disagree on layout: some responses wrap the payload in a
// "data" envelope, and progress is reported either as "progress" or
// "percent". UnmarshalJSON accepts all of them.
type StatusDoc struct {
	Status   string          `json:"status"`
	Progress *int            `json:"progress,omitempty"`
	Message  string          `json:"message,omitempty"`
	Result   json.RawMessage `json:"result,omitempty"`
	Metadata map[string]any  `json:"metadata,omitempty"`
}

type statusDocWire struct {
	Status   string          `json:"status"`
	State    string          `json:"state"`
	Progress *float64        `json:"progress"`
	Percent  *float64        `json:"percent"`
	Message  string          `json:"message"`
	Error    string          `json:"error"`
	Result   json.RawMessage `json:"result"`
	Metadata map[string]any  `json:"metadata"`
	Data     json.RawMessage `json:"data"`
}

func (d *StatusDoc) UnmarshalJSON(b []byte) error {
	var w statusDocWire
	if err := json.Unmarshal(b, &w); err != nil {
		return err
	}
	if w.Status == "" && w.State == "" && len(w.Data) > 0 && string(w.Data) != "null" {
		if err := json.Unmarshal(w.Data, &w); err != nil {
			return err
		}
	}

	d.Status = strings.TrimSpace(w.Status)
	if d.Status == "" {
		d.Status = strings.TrimSpace(w.State)
	}
	switch {
	case w.Progress != nil:
		p := int(*w.Progress)
		d.Progress = &p
	case w.Percent != nil:
		p := int(*w.Percent)
		d.Progress = &p
	}
	d.Message = w.Message
	if d.Message == "" {
		d.Message = w.Error
	}
	if len(w.Result) > 0 && string(w.Result) != "null" {
		d.Result = w.Result
	}
	d.Metadata = w.Metadata
	return nil
}

// DownloadLink describes a fulfilled stock order.
type DownloadLink struct {
	URL       string    `json:"url"`
	Filename  string    `json:"filename"`
	Size      int64     `json:"size"`
	ExpiresAt time.Time `json:"expiresAt"`
}

// StockInfo is the catalog entry for one stock item on one site.
type StockInfo struct {
	SiteID     string         `json:"siteId"`
	StockID    string         `json:"stockId"`
	Title      string         `json:"title"`
	PreviewURL string         `json:"previewUrl"`
	Price      float64        `json:"price"`
	Extra      map[string]any `json:"extra,omitempty"`
}

// AIJobOptions are passed through to the generation backend.
type AIJobOptions struct {
	Model          string `json:"model,omitempty"`
	Width          int    `json:"width,omitempty"`
	Height         int    `json:"height,omitempty"`
	Count          int    `json:"count,omitempty"`
	NegativePrompt string `json:"negativePrompt,omitempty"`
	Style          string `json:"style,omitempty"`
}

type createOrderReq struct {
	SiteID  string `json:"siteId"`
	StockID string `json:"stockId"`
}

type createOrderResp struct {
	TaskID string `json:"taskId"`
}

type createAIJobReq struct {
	Prompt string `json:"prompt"`
	AIJobOptions
}

type createAIJobResp struct {
	JobID string `json:"jobId"`
}
