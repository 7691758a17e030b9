package jsonrpc

import (
	"encoding/json"
	"testing"
)

func TestRequestDefaults(t *testing.T) {
	var req Request
	if err := json.Unmarshal([]byte(`{"id":1,"method":"eth_blockNumber"}`), &req); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if req.Jsonrpc != "2.0" {
		t.Errorf("expected default jsonrpc 2.0, got %q", req.Jsonrpc)
	}
	if string(req.Params) != "[]" {
		t.Errorf("expected default empty params, got %s", req.Params)
	}
}

func TestRequestMissingMethod(t *testing.T) {
	var req Request
	if err := json.Unmarshal([]byte(`{"id":1}`), &req); err == nil {
		t.Fatal("expected error for missing method")
	}
}

func TestIDPreservedVerbatim(t *testing.T) {
	cases := []string{`1`, `"abc"`, `null`}
	for _, id := range cases {
		body := []byte(`{"id":` + id + `,"method":"eth_chainId"}`)
		rb, err := DecodeRequestOrBatch(body)
		if err != nil {
			t.Fatalf("decode %s: %v", id, err)
		}
		if string(rb.Single.ID) != id {
			t.Errorf("id not preserved: got %s want %s", rb.Single.ID, id)
		}
	}
}

func TestDecodeBatch(t *testing.T) {
	body := []byte(`[{"id":27,"method":"a"},{"id":"28","method":"b"},{"id":29,"method":"c"}]`)
	rb, err := DecodeRequestOrBatch(body)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(rb.Batch) != 3 {
		t.Fatalf("expected 3 requests, got %d", len(rb.Batch))
	}
	if string(rb.Batch[1].ID) != `"28"` {
		t.Errorf("expected quoted id preserved, got %s", rb.Batch[1].ID)
	}
}

func TestCanonicalParamsStableKeyOrder(t *testing.T) {
	a, err := CanonicalParams(json.RawMessage(`[{"b":1,"a":2}]`))
	if err != nil {
		t.Fatalf("canon a: %v", err)
	}
	b, err := CanonicalParams(json.RawMessage(`[{"a":2,"b":1}]`))
	if err != nil {
		t.Fatalf("canon b: %v", err)
	}
	if a != b {
		t.Errorf("expected stable canonical form regardless of input key order: %q vs %q", a, b)
	}
}

func TestBatchOrSingleMarshal(t *testing.T) {
	single := &BatchOrSingle{Single: NewResult(json.RawMessage(`1`), json.RawMessage(`"0x1"`))}
	b, err := single.MarshalJSON()
	if err != nil {
		t.Fatalf("marshal single: %v", err)
	}
	if b[0] != '{' {
		t.Errorf("expected a single reply to marshal as an object, got %s", b)
	}

	batch := &BatchOrSingle{Batch: []*Response{NewResult(json.RawMessage(`1`), json.RawMessage(`"0x1"`))}}
	b, err = batch.MarshalJSON()
	if err != nil {
		t.Fatalf("marshal batch: %v", err)
	}
	if b[0] != '[' {
		t.Errorf("expected a batch reply to marshal as an array, got %s", b)
	}
}

func TestCanonicalParamsEmpty(t *testing.T) {
	for _, in := range []string{``, `null`, `[]`} {
		got, err := CanonicalParams(json.RawMessage(in))
		if err != nil {
			t.Fatalf("canon %q: %v", in, err)
		}
		if got != "" {
			t.Errorf("expected empty canonical form for %q, got %q", in, got)
		}
	}
}
