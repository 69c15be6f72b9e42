package handler

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/UltraSive/kvmodel/internal/datastore"
)

// ParseTTL parses a millisecond ttl query value. An empty string means no
// ttl was given.
func ParseTTL(s string) (*int64, error) {
	if s == "" {
		return nil, nil
	}
	ms, err := parseMillis(s)
	if err != nil {
		return nil, err
	}
	return &ms, nil
}

// ParseExpireBody decodes the {"ttl": milliseconds} body of an expire call.
// The ttl must be a bare JSON integer; quoted numbers are rejected.
func ParseExpireBody(body []byte) (int64, error) {
	var in struct {
		TTL json.RawMessage `json:"ttl"`
	}
	if err := json.Unmarshal(body, &in); err != nil {
		return 0, fmt.Errorf("%w: malformed expire body: %v", ErrBadRequest, err)
	}
	raw := bytes.TrimSpace(in.TTL)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return 0, fmt.Errorf("%w: ttl is required", ErrBadRequest)
	}
	return parseMillis(string(raw))
}

func parseMillis(s string) (int64, error) {
	ms, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: ttl %s is not an integer number of milliseconds", ErrBadRequest, s)
	}
	if err := checkMillis(ms); err != nil {
		return 0, err
	}
	return ms, nil
}

func checkMillis(ms int64) error {
	if ms > datastore.MaxTTLMillis {
		return fmt.Errorf("%w: ttl %d exceeds the maximum of %d milliseconds", ErrBadRequest, ms, datastore.MaxTTLMillis)
	}
	return nil
}
