package router

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"fmt"
)

// pageCursor is the opaque pagination token handed to clients. It records
// which upstream the walk is on, the upstream's own inner cursor, and an
// offset into the current inner page for re-slicing oversized pages.
type pageCursor struct {
	Upstream string `json:"u"`
	Inner    string `json:"c,omitempty"`
	Offset   int    `json:"o,omitempty"`
}

func encodeCursor(c pageCursor) string {
	data, _ := json.Marshal(c)
	return base64.StdEncoding.EncodeToString(data)
}

// decodeCursor strictly parses a client-supplied cursor. Anything malformed
// maps to an invalid-params error upstream of here.
func decodeCursor(raw string) (pageCursor, error) {
	data, err := base64.StdEncoding.DecodeString(raw)
	if err != nil {
		return pageCursor{}, fmt.Errorf("cursor is not valid base64: %w", err)
	}
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	var c pageCursor
	if err := dec.Decode(&c); err != nil {
		return pageCursor{}, fmt.Errorf("cursor payload is malformed: %w", err)
	}
	if c.Upstream == "" {
		return pageCursor{}, fmt.Errorf("cursor is missing the upstream marker")
	}
	if c.Offset < 0 {
		return pageCursor{}, fmt.Errorf("cursor offset is negative")
	}
	return c, nil
}
