package trafficstore

import "github.com/google/uuid"

// Exchange is one captured HTTP request/response pair. Fields are set in
// two passes: InsertOpen populates the request-side fields with Status 0;
// Complete later fills in the response-side fields exactly once.
type Exchange struct {
	ID          int64     `json:"id"`
	TraceID     uuid.UUID `json:"traceId"`
	TimestampMs int64     `json:"timestampMs"`

	Method string `json:"method"`
	URL    string `json:"url"`
	Host   string `json:"host"`
	Path   string `json:"path"`

	RequestHeaders map[string]string `json:"requestHeaders"`
	RequestBody    []byte            `json:"requestBody,omitempty"`

	Status          int               `json:"status"` // 0 while pending
	ResponseHeaders map[string]string `json:"responseHeaders,omitempty"`
	ResponseBody    []byte            `json:"responseBody,omitempty"`
	ContentType     string            `json:"contentType,omitempty"`

	DurationMs int64 `json:"durationMs"`
	SizeBytes  int64 `json:"sizeBytes"`

	// Completed distinguishes a genuinely-pending row (InsertOpen only)
	// from one Complete already closed out with Status left at 0 on the
	// client-disconnect path — Status alone can't carry both meanings.
	Completed bool `json:"completed"`

	RequestTruncated  bool   `json:"requestTruncated"`
	ResponseTruncated bool   `json:"responseTruncated"`
	ErrorKind         string `json:"errorKind,omitempty"`
}

// OpenFields carries the request-side data supplied to InsertOpen.
type OpenFields struct {
	TraceID          uuid.UUID
	TimestampMs      int64
	Method           string
	URL              string
	Host             string
	Path             string
	RequestHeaders   map[string]string
	RequestBody      []byte
	RequestTruncated bool
}

// CompleteFields carries the response-side data supplied to Complete.
type CompleteFields struct {
	Status            int
	ResponseHeaders   map[string]string
	ResponseBody      []byte
	ContentType       string
	DurationMs        int64
	ResponseTruncated bool
	ErrorKind         string
}

// StatusBucket names the four HTTP status range buckets recognized by
// FilterPredicate. Values outside 2xx-5xx never match any bucket.
type StatusBucket string

// Status bucket identifiers.
const (
	Status2xx StatusBucket = "2xx"
	Status3xx StatusBucket = "3xx"
	Status4xx StatusBucket = "4xx"
	Status5xx StatusBucket = "5xx"
)

func bucketRange(b StatusBucket) (low, high int, ok bool) {
	switch b {
	case Status2xx:
		return 200, 300, true
	case Status3xx:
		return 300, 400, true
	case Status4xx:
		return 400, 500, true
	case Status5xx:
		return 500, 600, true
	default:
		return 0, 0, false
	}
}

// FilterPredicate describes a query over the store. All set fields are
// ANDed together; within a set field, membership is ORed.
type FilterPredicate struct {
	TextSubstring string // matched against url|host|path, case-insensitive
	Methods       []string
	StatusBuckets []StatusBucket
	Hosts         []string
	ContentTypes  []string // substring match against Exchange.ContentType

	TimeFromMs int64 // inclusive; 0 means unbounded
	TimeToMs   int64 // inclusive; 0 means unbounded

	Limit  int
	Offset int
}
