package codec

import (
	"fmt"

	"github.com/drblury/predictflow/internal/runtime/jsoncodec"
	"github.com/drblury/predictflow/internal/runtime/model"
)

// JSON identifiers.
const (
	JSONName        = "json"
	JSONContentType = "application/json"
)

// JSON encodes payloads as the same JSON document the HTTP API accepts.
type JSON struct{}

func (JSON) Name() string        { return JSONName }
func (JSON) ContentType() string { return JSONContentType }

func (JSON) Encode(p *model.Payload) ([]byte, error) {
	if p == nil {
		return nil, fmt.Errorf("codec: json: nil payload")
	}
	return jsoncodec.Marshal(p)
}

// Decode applies the same rules as the HTTP API, so a body that would have
// been rejected at submission is rejected here too.
func (JSON) Decode(body []byte) (*model.Payload, error) {
	p, err := model.Parse(body)
	if err != nil {
		return nil, decodeError(JSONName, err)
	}
	return p, nil
}
