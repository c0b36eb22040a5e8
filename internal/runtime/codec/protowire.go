package codec

import (
	"errors"
	"fmt"
	"math"

	"google.golang.org/protobuf/encoding/protowire"

	"github.com/drblury/predictflow/internal/runtime/model"
)

// Protowire identifiers.
const (
	ProtowireName        = "protowire"
	ProtowireContentType = "application/x-protobuf"
)

// Field numbers of the binary layout:
//
//	message Payload    { string device_id = 1; string client_id = 2; string created_at = 3; PredictionBatch data = 4; }
//	message PredictionBatch { string license_id = 1; repeated Prediction preds = 2; }
//	message Prediction { string image_frame = 1; double prob = 2; repeated string tags = 3; }
const (
	fieldDeviceID  protowire.Number = 1
	fieldClientID  protowire.Number = 2
	fieldCreatedAt protowire.Number = 3
	fieldData      protowire.Number = 4

	fieldLicenseID protowire.Number = 1
	fieldPreds     protowire.Number = 2

	fieldImageFrame protowire.Number = 1
	fieldProb       protowire.Number = 2
	fieldTags       protowire.Number = 3
)

// Protowire encodes payloads in protobuf wire format without generated code.
// Doubles are carried as fixed64 so probabilities survive bit for bit.
type Protowire struct{}

func (Protowire) Name() string        { return ProtowireName }
func (Protowire) ContentType() string { return ProtowireContentType }

func (Protowire) Encode(p *model.Payload) ([]byte, error) {
	if p == nil {
		return nil, fmt.Errorf("codec: protowire: nil payload")
	}
	var b []byte
	b = appendString(b, fieldDeviceID, p.DeviceID)
	b = appendString(b, fieldClientID, p.ClientID)
	b = appendString(b, fieldCreatedAt, p.CreatedAt)
	b = protowire.AppendTag(b, fieldData, protowire.BytesType)
	b = protowire.AppendBytes(b, encodeBatch(p.Data))
	return b, nil
}

func encodeBatch(batch model.PredictionBatch) []byte {
	var b []byte
	b = appendString(b, fieldLicenseID, batch.LicenseID)
	for _, pred := range batch.Preds {
		b = protowire.AppendTag(b, fieldPreds, protowire.BytesType)
		b = protowire.AppendBytes(b, encodePrediction(pred))
	}
	return b
}

func encodePrediction(pred model.Prediction) []byte {
	var b []byte
	b = appendString(b, fieldImageFrame, pred.ImageFrame)
	b = protowire.AppendTag(b, fieldProb, protowire.Fixed64Type)
	b = protowire.AppendFixed64(b, math.Float64bits(pred.Prob))
	for _, tag := range pred.Tags {
		b = appendString(b, fieldTags, tag)
	}
	return b
}

func appendString(b []byte, num protowire.Number, s string) []byte {
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendString(b, s)
}

// Decode parses the binary layout, skipping unknown fields, then validates
// the result.
func (Protowire) Decode(body []byte) (*model.Payload, error) {
	p := &model.Payload{}
	seenData := false
	err := walk(body, func(num protowire.Number, typ protowire.Type, v []byte) error {
		if num <= fieldData && typ != protowire.BytesType {
			return wireTypeError(num, typ)
		}
		switch num {
		case fieldDeviceID:
			p.DeviceID = string(v)
		case fieldClientID:
			p.ClientID = string(v)
		case fieldCreatedAt:
			p.CreatedAt = string(v)
		case fieldData:
			seenData = true
			batch, err := decodeBatch(v)
			if err != nil {
				return fmt.Errorf("data: %w", err)
			}
			p.Data = batch
		}
		return nil
	})
	if err != nil {
		return nil, decodeError(ProtowireName, err)
	}
	if !seenData {
		return nil, decodeError(ProtowireName, errors.New("data: field missing"))
	}
	p.Normalize()
	if err := p.Validate(); err != nil {
		return nil, decodeError(ProtowireName, err)
	}
	return p, nil
}

func decodeBatch(b []byte) (model.PredictionBatch, error) {
	batch := model.PredictionBatch{Preds: []model.Prediction{}}
	err := walk(b, func(num protowire.Number, typ protowire.Type, v []byte) error {
		if num <= fieldPreds && typ != protowire.BytesType {
			return wireTypeError(num, typ)
		}
		switch num {
		case fieldLicenseID:
			batch.LicenseID = string(v)
		case fieldPreds:
			pred, err := decodePrediction(v)
			if err != nil {
				return fmt.Errorf("preds[%d]: %w", len(batch.Preds), err)
			}
			batch.Preds = append(batch.Preds, pred)
		}
		return nil
	})
	return batch, err
}

func decodePrediction(b []byte) (model.Prediction, error) {
	pred := model.Prediction{Tags: []string{}}
	err := walk(b, func(num protowire.Number, typ protowire.Type, v []byte) error {
		switch num {
		case fieldImageFrame, fieldTags:
			if typ != protowire.BytesType {
				return wireTypeError(num, typ)
			}
			if num == fieldTags {
				pred.Tags = append(pred.Tags, string(v))
			} else {
				pred.ImageFrame = string(v)
			}
		case fieldProb:
			if typ != protowire.Fixed64Type {
				return wireTypeError(num, typ)
			}
			bits, _ := protowire.ConsumeFixed64(v)
			pred.Prob = math.Float64frombits(bits)
		}
		return nil
	})
	return pred, err
}

func wireTypeError(num protowire.Number, typ protowire.Type) error {
	return fmt.Errorf("field %d: unexpected wire type %d", num, typ)
}

// walk iterates the fields of one message. For length-delimited fields v is
// the payload without its length prefix; for other types it is the raw
// encoded value.
func walk(b []byte, fn func(num protowire.Number, typ protowire.Type, v []byte) error) error {
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return protowire.ParseError(n)
		}
		b = b[n:]

		var v []byte
		switch typ {
		case protowire.BytesType:
			v, n = protowire.ConsumeBytes(b)
		default:
			n = protowire.ConsumeFieldValue(num, typ, b)
			if n >= 0 {
				v = b[:n]
			}
		}
		if n < 0 {
			return fmt.Errorf("field %d: %w", num, protowire.ParseError(n))
		}
		b = b[n:]

		if err := fn(num, typ, v); err != nil {
			return err
		}
	}
	return nil
}
