package batch

import (
	"errors"
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"
)

// Keyed is implemented by batch request descriptors. Requests with the same
// key share one underlying fetch.
type Keyed interface {
	Key() string
}

// StockRequest asks for catalog info of one stock item.
type StockRequest struct {
	SiteID  string `json:"site_id" validate:"required,max=64,excludesall=:/"`
	StockID string `json:"stock_id" validate:"required,max=128,excludesall=/"`
}

func (r StockRequest) Key() string { return "stock:" + r.SiteID + ":" + r.StockID }

// JobRequest asks for the status of one job.
type JobRequest struct {
	Kind  string `json:"kind" validate:"required,oneof=order ai"`
	JobID string `json:"job_id" validate:"required,max=128,excludesall=/"`
}

func (r JobRequest) Key() string { return r.Kind + ":" + r.JobID }

// ValidationError is a request rejected locally; it never reaches the
// network.
type ValidationError struct {
	Fields []string
	Err    error
}

func (e *ValidationError) Error() string {
	if len(e.Fields) == 0 {
		return fmt.Sprintf("invalid request: %v", e.Err)
	}
	return "invalid request: " + strings.Join(e.Fields, ", ")
}

func (e *ValidationError) Unwrap() error { return e.Err }

var validate = validator.New(validator.WithRequiredStructEnabled())

// Validate checks req against its struct tags.
func Validate(req any) error {
	err := validate.Struct(req)
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if errors.As(err, &verrs) {
		fields := make([]string, 0, len(verrs))
		for _, fe := range verrs {
			fields = append(fields, fmt.Sprintf("%s %s", fe.Field(), fe.Tag()))
		}
		return &ValidationError{Fields: fields, Err: err}
	}
	return &ValidationError{Err: err}
}
