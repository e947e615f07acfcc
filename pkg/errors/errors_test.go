package errors

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestBodyIncludesTypeAndOmitsEmptyRequestID(t *testing.T) {
	body := Body(New(NotFound, "Method not found: /bye"), "")

	assert.Equal(t, "Method not found: /bye", body["error"])
	assert.Equal(t, "NotFound", body["type"])
	assert.NotContains(t, body, "request_id")
	assert.NotContains(t, body, "message")
}

func TestBodyIncludesRequestIDWhenPresent(t *testing.T) {
	body := Body(New(Internal, "boom"), "req-1")
	assert.Equal(t, "req-1", body["request_id"])
}

func TestBodyIncludesCauseAsMessage(t *testing.T) {
	body := Body(Wrap(BadGateway, errors.New("dial tcp: refused"), "upstream call failed"), "")
	assert.Equal(t, "upstream call failed", body["error"])
	assert.Equal(t, "dial tcp: refused", body["message"])
}

func TestBodyWrapsUntaggedErrorAsInternal(t *testing.T) {
	body := Body(errors.New("plain failure"), "")
	assert.Equal(t, "Internal", body["type"])
	assert.Equal(t, "plain failure", body["error"])
}

func TestBodyIncludesValidationAndRetryAfter(t *testing.T) {
	vbody := Body(ValidationErr("invalid request", map[string]string{"name": "required"}), "")
	assert.Equal(t, map[string]string{"name": "required"}, vbody["validation_errors"])

	rbody := Body(RateLimitErr(30), "")
	assert.Equal(t, 30, rbody["retry_after"])
}
