package model

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	errspkg "github.com/drblury/predictflow/internal/runtime/errors"
)

const validBody = `{
	"device_id": "ab1",
	"client_id": "cd2",
	"created_at": "2024-01-01 00:00:00.000000",
	"data": {
		"license_id": "license_xyz",
		"preds": [
			{"image_frame": "Zm9v", "prob": 0.1, "tags": []},
			{"image_frame": "YmFy", "prob": 0.9, "tags": ["night", "car"]}
		]
	}
}`

func TestParseValid(t *testing.T) {
	p, err := Parse([]byte(validBody))
	require.NoError(t, err)

	assert.Equal(t, "ab1", p.DeviceID)
	assert.Equal(t, "cd2", p.ClientID)
	assert.Equal(t, "2024-01-01 00:00:00.000000", p.CreatedAt)
	assert.Equal(t, "license_xyz", p.Data.LicenseID)
	require.Len(t, p.Data.Preds, 2)
	assert.Equal(t, Prediction{ImageFrame: "Zm9v", Prob: 0.1, Tags: []string{}}, p.Data.Preds[0])
	assert.Equal(t, []string{"night", "car"}, p.Data.Preds[1].Tags)
	assert.NoError(t, p.Validate())
}

func TestParseEmptyPreds(t *testing.T) {
	p, err := Parse([]byte(`{"device_id":"a","client_id":"b","created_at":"2024-01-01 00:00:00.000000","data":{"license_id":"l","preds":[]}}`))
	require.NoError(t, err)
	assert.NotNil(t, p.Data.Preds)
	assert.Empty(t, p.Data.Preds)
}

func TestParseRejects(t *testing.T) {
	tests := []struct {
		name      string
		body      string
		wantField string
	}{
		{"empty body", ``, "body"},
		{"malformed json", `{"device_id":`, "body"},
		{"wrong type", `{"device_id":1}`, "body"},
		{"missing device", `{"client_id":"b","created_at":"2024-01-01 00:00:00.000000","data":{"license_id":"l","preds":[]}}`, "device_id"},
		{"missing data", `{"device_id":"a","client_id":"b","created_at":"2024-01-01 00:00:00.000000"}`, "data"},
		{"missing preds", `{"device_id":"a","client_id":"b","created_at":"2024-01-01 00:00:00.000000","data":{"license_id":"l"}}`, "data.preds"},
		{"missing license", `{"device_id":"a","client_id":"b","created_at":"2024-01-01 00:00:00.000000","data":{"preds":[]}}`, "data.license_id"},
		{"iso timestamp", `{"device_id":"a","client_id":"b","created_at":"2024-01-01T00:00:00Z","data":{"license_id":"l","preds":[]}}`, "created_at"},
		{"one digit hour", `{"device_id":"a","client_id":"b","created_at":"2024-01-01 1:00:00.000000","data":{"license_id":"l","preds":[]}}`, "created_at"},
		{"three fraction digits", `{"device_id":"a","client_id":"b","created_at":"2024-01-01 00:00:00.000","data":{"license_id":"l","preds":[]}}`, "created_at"},
		{"prob above one", `{"device_id":"a","client_id":"b","created_at":"2024-01-01 00:00:00.000000","data":{"license_id":"l","preds":[{"image_frame":"x","prob":1.5,"tags":[]}]}}`, "data.preds[0].prob"},
		{"prob missing", `{"device_id":"a","client_id":"b","created_at":"2024-01-01 00:00:00.000000","data":{"license_id":"l","preds":[{"image_frame":"x","tags":[]}]}}`, "data.preds[0].prob"},
		{"tags missing", `{"device_id":"a","client_id":"b","created_at":"2024-01-01 00:00:00.000000","data":{"license_id":"l","preds":[{"image_frame":"x","prob":0.5}]}}`, "data.preds[0].tags"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p, err := Parse([]byte(tt.body))
			assert.Nil(t, p)

			var verr *errspkg.ValidationError
			require.True(t, errors.As(err, &verr), "got %v", err)
			fields := make([]string, 0, len(verr.Fields))
			for _, f := range verr.Fields {
				fields = append(fields, f.Field)
				assert.NotEmpty(t, f.Message)
			}
			assert.Contains(t, fields, tt.wantField)
		})
	}
}

func TestParseReportsEveryField(t *testing.T) {
	_, err := Parse([]byte(`{"data":{"license_id":"l","preds":[]}}`))
	var verr *errspkg.ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Len(t, verr.Fields, 3)
}

func TestTransformTagsLowProbabilityOnce(t *testing.T) {
	p := &Payload{Data: PredictionBatch{Preds: []Prediction{
		{Prob: 0.1, Tags: []string{}},
		{Prob: 0.25, Tags: []string{"edge"}},
		{Prob: 0.0, Tags: []string{LowProbTag}},
		{Prob: 0.24, Tags: nil},
	}}}

	p.Transform()
	p.Transform()

	assert.Equal(t, []string{LowProbTag}, p.Data.Preds[0].Tags)
	assert.Equal(t, []string{"edge"}, p.Data.Preds[1].Tags)
	assert.Equal(t, []string{LowProbTag}, p.Data.Preds[2].Tags)
	assert.Equal(t, []string{LowProbTag}, p.Data.Preds[3].Tags)
}

func TestRecordsFlattensInOrder(t *testing.T) {
	p, err := Parse([]byte(validBody))
	require.NoError(t, err)

	var got []Record
	var idx []int
	for i, rec := range p.Records() {
		idx = append(idx, i)
		got = append(got, rec)
	}

	assert.Equal(t, []int{0, 1}, idx)
	require.Len(t, got, 2)
	assert.Equal(t, Record{
		DeviceID:   "ab1",
		ClientID:   "cd2",
		CreatedAt:  "2024-01-01 00:00:00.000000",
		LicenseID:  "license_xyz",
		ImageFrame: "YmFy",
		Prob:       0.9,
		Tags:       []string{"night", "car"},
	}, got[1])
}

func TestRecordsStopsEarly(t *testing.T) {
	p, err := Parse([]byte(validBody))
	require.NoError(t, err)

	count := 0
	for range p.Records() {
		count++
		break
	}
	assert.Equal(t, 1, count)
}

func TestValidateDomainPayload(t *testing.T) {
	var nilPayload *Payload
	assert.ErrorIs(t, nilPayload.Validate(), errspkg.ErrPayloadRequired)

	p := &Payload{CreatedAt: "2024-01-01 00:00:00.000000", Data: PredictionBatch{Preds: []Prediction{{Prob: -0.1}}}}
	err := p.Validate()
	require.Error(t, err)
	assert.True(t, errspkg.IsValidation(err))
	assert.Contains(t, err.Error(), "data.preds[0].prob")

	p.Data.Preds[0].Prob = 0.5
	p.CreatedAt = "yesterday"
	assert.ErrorContains(t, p.Validate(), "created_at")
}

func TestNormalize(t *testing.T) {
	p := &Payload{Data: PredictionBatch{Preds: []Prediction{{}}}}
	p.Normalize()
	assert.NotNil(t, p.Data.Preds[0].Tags)

	empty := &Payload{}
	empty.Normalize()
	assert.NotNil(t, empty.Data.Preds)
}

func TestValidCreatedAt(t *testing.T) {
	assert.True(t, ValidCreatedAt("2023-12-31 23:59:59.999999"))
	assert.False(t, ValidCreatedAt("2023-12-31 23:59:59"))
	assert.False(t, ValidCreatedAt("2023-13-01 00:00:00.000000"))
	assert.False(t, ValidCreatedAt("2024-01-01 1:00:00.000000"))
	assert.False(t, ValidCreatedAt("2024-01-01 01:00:00.0000000"))
	assert.False(t, ValidCreatedAt("2024-01-01T01:00:00.000000"))
	assert.True(t, ValidCreatedAt("2024-01-01 01:00:00.000000"))
}
