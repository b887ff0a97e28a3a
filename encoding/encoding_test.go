package encoding

import (
	"testing"
)

type item struct {
	Key   int    `json:"key"`
	Value string `json:"value"`
}

func TestDefaultMarshalerRoundTrip(t *testing.T) {
	ba, err := DefaultMarshaler.Marshal(item{Key: 1, Value: "one"})
	if err != nil {
		t.Fatalf("Marshal failed: %v", err)
	}
	if string(ba) != `{"key":1,"value":"one"}` {
		t.Errorf("got %s", ba)
	}
	var got item
	if err := DefaultMarshaler.Unmarshal(ba, &got); err != nil {
		t.Fatalf("Unmarshal failed: %v", err)
	}
	if got.Key != 1 || got.Value != "one" {
		t.Errorf("got %+v", got)
	}
	if err := DefaultMarshaler.Unmarshal([]byte("{"), &got); err == nil {
		t.Errorf("Unmarshal accepted truncated input")
	}
}
