// Package model defines the prediction payload accepted by the producer, the
// flattened record persisted by the consumer and the validation rules shared
// by both.
package model

import (
	"iter"
	"slices"
)

// CreatedAtLayout is the only accepted created_at format: six fractional
// digits, no zone.
const CreatedAtLayout = "2006-01-02 15:04:05.000000"

// Low-probability tagging applied by the producer before publication.
const (
	LowProbThreshold = 0.25
	LowProbTag       = "low_prob"
)

// SchemaName identifies the payload type in message metadata.
const SchemaName = "predictflow.Payload"

// Payload is a batch of predictions reported by one device.
type Payload struct {
	DeviceID  string          `json:"device_id"`
	ClientID  string          `json:"client_id"`
	CreatedAt string          `json:"created_at" validate:"created_at"`
	Data      PredictionBatch `json:"data"`
}

// PredictionBatch groups the predictions made under one license.
type PredictionBatch struct {
	LicenseID string       `json:"license_id"`
	Preds     []Prediction `json:"preds" validate:"dive"`
}

// Prediction is a single scored frame.
type Prediction struct {
	ImageFrame string   `json:"image_frame"`
	Prob       float64  `json:"prob" validate:"gte=0,lte=1"`
	Tags       []string `json:"tags"`
}

// Record is one flattened output row.
type Record struct {
	DeviceID   string
	ClientID   string
	CreatedAt  string
	LicenseID  string
	ImageFrame string
	Prob       float64
	Tags       []string
}

// Columns lists the output columns in row order.
var Columns = []string{"device_id", "client_id", "created_at", "license_id", "image_frame", "prob", "tags"}

// Transform tags every prediction below LowProbThreshold with LowProbTag. A
// prediction that already carries the tag is left as is, so repeated calls do
// not change the payload.
func (p *Payload) Transform() {
	for i := range p.Data.Preds {
		pred := &p.Data.Preds[i]
		if pred.Prob < LowProbThreshold && !slices.Contains(pred.Tags, LowProbTag) {
			pred.Tags = append(pred.Tags, LowProbTag)
		}
	}
}

// Records yields one Record per prediction, in prediction order, alongside
// the prediction index. Records are built on demand and share the tag slice
// with the payload.
func (p *Payload) Records() iter.Seq2[int, Record] {
	return func(yield func(int, Record) bool) {
		for i, pred := range p.Data.Preds {
			rec := Record{
				DeviceID:   p.DeviceID,
				ClientID:   p.ClientID,
				CreatedAt:  p.CreatedAt,
				LicenseID:  p.Data.LicenseID,
				ImageFrame: pred.ImageFrame,
				Prob:       pred.Prob,
				Tags:       pred.Tags,
			}
			if !yield(i, rec) {
				return
			}
		}
	}
}

// Normalize replaces nil slices with empty ones so decoded payloads compare
// equal regardless of how an empty list was encoded.
func (p *Payload) Normalize() {
	if p.Data.Preds == nil {
		p.Data.Preds = []Prediction{}
	}
	for i := range p.Data.Preds {
		if p.Data.Preds[i].Tags == nil {
			p.Data.Preds[i].Tags = []string{}
		}
	}
}
