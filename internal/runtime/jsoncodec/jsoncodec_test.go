package jsoncodec

import (
	"bytes"
	"strings"
	"testing"
)

type row struct {
	Model string            `json:"model"`
	Prob  float64           `json:"prob"`
	Tags  []string          `json:"tags"`
	Extra map[string]string `json:"extra,omitempty"`
}

func TestMarshalMatchesEncodingJSON(t *testing.T) {
	data, err := Marshal(row{
		Model: "<m1>",
		Prob:  0.25,
		Tags:  []string{"night", "low_prob"},
		Extra: map[string]string{"zone": "b", "batch": "a"},
	})
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	want := `{"model":"\u003cm1\u003e","prob":0.25,"tags":["night","low_prob"],"extra":{"batch":"a","zone":"b"}}`
	if string(data) != want {
		t.Fatalf("got %s\nwant %s", data, want)
	}

	var back row
	if err := Unmarshal(data, &back); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if back.Model != "<m1>" || back.Tags[1] != "low_prob" || back.Extra["zone"] != "b" {
		t.Fatalf("unexpected decode %#v", back)
	}
}

func TestMarshalStringForTagColumn(t *testing.T) {
	got, err := MarshalString([]string{})
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if got != "[]" {
		t.Fatalf("empty tags encoded as %s", got)
	}
}

func TestStreamHelpers(t *testing.T) {
	var buf bytes.Buffer
	if err := Encode(&buf, row{Model: "m2", Prob: 1}); err != nil {
		t.Fatalf("encode: %v", err)
	}
	if !strings.HasSuffix(buf.String(), "\n") {
		t.Fatalf("encoder output should be newline terminated: %q", buf.String())
	}

	var decoded row
	if err := Decode(&buf, &decoded); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if decoded.Model != "m2" || decoded.Prob != 1 {
		t.Fatalf("unexpected decode %#v", decoded)
	}

	if err := Decode(strings.NewReader(`{"model":`), &decoded); err == nil {
		t.Fatal("truncated body should fail to decode")
	}
}
