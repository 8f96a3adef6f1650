package idempotency

import "time"

// Status values for idempotency entries
const (
	StatusInProgress = "IN_PROGRESS"
	StatusDone       = "DONE"
	StatusFailed     = "FAILED"
)

// IdempotencyRecord is the shape persisted in the idempotency DynamoDB table.
type IdempotencyRecord struct {
	IdempotencyKey string    `dynamodbav:"idempotency_key"` // PK
	Status         string    `dynamodbav:"status"`
	ResponseBody   string    `dynamodbav:"response_body,omitempty"` // encoded CachedResult
	LockOwner      string    `dynamodbav:"lock_owner,omitempty"`
	LockExpiresAt  int64     `dynamodbav:"lock_expires_at,omitempty"`
	CreatedAt      time.Time `dynamodbav:"created_at"`
	UpdatedAt      time.Time `dynamodbav:"updated_at"`
	ExpiresAt      int64     `dynamodbav:"expires_at"` // TTL epoch seconds
	Note           string    `dynamodbav:"note,omitempty"`
}

// Response is what a guarded handler produced.
type Response struct {
	StatusCode int
	Body       []byte
	Headers    map[string]string
}

// Successful reports whether the response is in the 2xx range, the only range
// that gets cached.
func (r Response) Successful() bool {
	return r.StatusCode >= 200 && r.StatusCode < 300
}

// CachedResult is the full outcome of a completed operation. It is written once
// on first success and replayed for every later request with the same key.
type CachedResult struct {
	StatusCode  int               `json:"statusCode" validate:"min=200,max=299"`
	Body        []byte            `json:"body"`
	Headers     map[string]string `json:"headers,omitempty"`
	Fingerprint string            `json:"fingerprint,omitempty"`
	Timestamp   time.Time         `json:"timestamp" validate:"required"`
}

func (r CachedResult) response() Response {
	return Response{StatusCode: r.StatusCode, Body: r.Body, Headers: r.Headers}
}

// Outcome is returned by Guard.Do.
type Outcome struct {
	Response Response
	// Replayed is set when Response came from a stored result.
	Replayed bool
	// Concurrent is set when the replay resolved a duplicate that arrived while
	// the original was still executing.
	Concurrent  bool
	CompletedAt time.Time
}
