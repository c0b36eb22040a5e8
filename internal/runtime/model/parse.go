package model

import (
	"fmt"
	"reflect"
	"strings"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"

	errspkg "github.com/drblury/predictflow/internal/runtime/errors"
	"github.com/drblury/predictflow/internal/runtime/jsoncodec"
)

// Wire shapes used while parsing. Pointers distinguish a missing field from a
// zero value.
type payloadInput struct {
	DeviceID  *string     `json:"device_id" validate:"required"`
	ClientID  *string     `json:"client_id" validate:"required"`
	CreatedAt *string     `json:"created_at" validate:"required,created_at"`
	Data      *batchInput `json:"data" validate:"required"`
}

type batchInput struct {
	LicenseID *string           `json:"license_id" validate:"required"`
	Preds     []predictionInput `json:"preds" validate:"required,dive"`
}

type predictionInput struct {
	ImageFrame *string  `json:"image_frame" validate:"required"`
	Prob       *float64 `json:"prob" validate:"required,gte=0,lte=1"`
	Tags       []string `json:"tags" validate:"required"`
}

var (
	validateOnce sync.Once
	validate     *validator.Validate
)

func validatorInstance() *validator.Validate {
	validateOnce.Do(func() {
		v := validator.New()
		v.RegisterTagNameFunc(func(fld reflect.StructField) string {
			name, _, _ := strings.Cut(fld.Tag.Get("json"), ",")
			if name == "-" {
				return ""
			}
			return name
		})
		if err := v.RegisterValidation("created_at", func(fl validator.FieldLevel) bool {
			return ValidCreatedAt(fl.Field().String())
		}); err != nil {
			panic(err)
		}
		validate = v
	})
	return validate
}

// Parse decodes a JSON request body into a Payload, rejecting missing fields,
// malformed timestamps and out-of-range probabilities.
func Parse(raw []byte) (*Payload, error) {
	if len(strings.TrimSpace(string(raw))) == 0 {
		return nil, errspkg.NewValidationError("body", "request body is empty")
	}

	var in payloadInput
	if err := jsoncodec.Unmarshal(raw, &in); err != nil {
		return nil, errspkg.NewValidationError("body", fmt.Sprintf("malformed JSON: %v", err))
	}
	if err := validatorInstance().Struct(&in); err != nil {
		return nil, toValidationError(err)
	}

	p := &Payload{
		DeviceID:  *in.DeviceID,
		ClientID:  *in.ClientID,
		CreatedAt: *in.CreatedAt,
		Data: PredictionBatch{
			LicenseID: *in.Data.LicenseID,
			Preds:     make([]Prediction, 0, len(in.Data.Preds)),
		},
	}
	for _, pred := range in.Data.Preds {
		p.Data.Preds = append(p.Data.Preds, Prediction{
			ImageFrame: *pred.ImageFrame,
			Prob:       *pred.Prob,
			Tags:       append([]string{}, pred.Tags...),
		})
	}
	return p, nil
}

// Validate checks an already-built payload: the created_at layout and the
// probability range of every prediction.
func (p *Payload) Validate() error {
	if p == nil {
		return errspkg.ErrPayloadRequired
	}
	if err := validatorInstance().Struct(p); err != nil {
		return toValidationError(err)
	}
	return nil
}

// ValidCreatedAt reports whether s matches CreatedAtLayout exactly. time.Parse
// alone accepts a one-digit hour, so the parsed value must format back to s.
func ValidCreatedAt(s string) bool {
	if len(s) != len(CreatedAtLayout) {
		return false
	}
	t, err := time.Parse(CreatedAtLayout, s)
	return err == nil && t.Format(CreatedAtLayout) == s
}

func toValidationError(err error) error {
	verrs, ok := err.(validator.ValidationErrors)
	if !ok {
		return errspkg.NewValidationError("body", err.Error())
	}
	out := &errspkg.ValidationError{Fields: make([]errspkg.FieldError, 0, len(verrs))}
	for _, fe := range verrs {
		out.Fields = append(out.Fields, errspkg.FieldError{
			Field:   stripPrefix(fe.Namespace()),
			Message: describe(fe),
		})
	}
	return out
}

func describe(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required":
		return "field required"
	case "created_at":
		return "must match format YYYY-MM-DD HH:MM:SS.ffffff"
	case "gte", "lte":
		return "must be between 0 and 1"
	default:
		return fmt.Sprintf("failed %q check", fe.Tag())
	}
}

func stripPrefix(s string) string {
	if idx := strings.Index(s, "."); idx != -1 {
		return s[idx+1:]
	}
	return s
}
