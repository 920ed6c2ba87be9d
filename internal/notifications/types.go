package notifications

import "time"

// EventType names an S3 event, with "*" wildcard forms.
type EventType string

const (
	EventObjectCreated          EventType = "s3:ObjectCreated:*"
	EventObjectCreatedPut       EventType = "s3:ObjectCreated:Put"
	EventObjectCreatedPost      EventType = "s3:ObjectCreated:Post"
	EventObjectCreatedCopy      EventType = "s3:ObjectCreated:Copy"
	EventObjectCreatedMultipart EventType = "s3:ObjectCreated:CompleteMultipartUpload"

	EventObjectRemoved             EventType = "s3:ObjectRemoved:*"
	EventObjectRemovedDelete       EventType = "s3:ObjectRemoved:Delete"
	EventObjectRemovedDeleteMarker EventType = "s3:ObjectRemoved:DeleteMarkerCreated"
)

// Configuration is the stored per-bucket notification document.
type Configuration struct {
	Bucket    string    `json:"bucket"`
	Rules     []Rule    `json:"rules"`
	UpdatedAt time.Time `json:"updatedAt"`
	UpdatedBy string    `json:"updatedBy,omitempty"`
}

// Rule is one webhook sink with its event and key filters.
type Rule struct {
	ID            string            `json:"id"`
	Enabled       bool              `json:"enabled"`
	WebhookURL    string            `json:"webhookUrl"`
	Events        []EventType       `json:"events"`
	FilterPrefix  string            `json:"filterPrefix,omitempty"`
	FilterSuffix  string            `json:"filterSuffix,omitempty"`
	CustomHeaders map[string]string `json:"customHeaders,omitempty"`
}

// Event is one record of a webhook payload, shaped like the S3 event
// schema.
type Event struct {
	EventVersion string    `json:"eventVersion"`
	EventSource  string    `json:"eventSource"`
	EventTime    time.Time `json:"eventTime"`
	EventName    EventType `json:"eventName"`
	UserIdentity struct {
		PrincipalID string `json:"principalId"`
	} `json:"userIdentity"`
	RequestParameters struct {
		SourceIPAddress string `json:"sourceIPAddress"`
	} `json:"requestParameters"`
	ResponseElements struct {
		XAmzRequestID string `json:"x-amz-request-id"`
	} `json:"responseElements"`
	S3 struct {
		S3SchemaVersion string `json:"s3SchemaVersion"`
		ConfigurationID string `json:"configurationId"`
		Bucket          struct {
			Name          string `json:"name"`
			OwnerIdentity struct {
				PrincipalID string `json:"principalId"`
			} `json:"ownerIdentity"`
			ARN string `json:"arn"`
		} `json:"bucket"`
		Object struct {
			Key       string `json:"key"`
			Size      int64  `json:"size,omitempty"`
			ETag      string `json:"eTag,omitempty"`
			VersionID string `json:"versionId,omitempty"`
			Sequencer string `json:"sequencer"`
		} `json:"object"`
	} `json:"s3"`
}

// WebhookPayload is the body posted to a sink.
type WebhookPayload struct {
	Records []Event `json:"Records"`
}

// EventInfo is the minimal input for publishing one event.
type EventInfo struct {
	Bucket    string
	Key       string
	Size      int64
	ETag      string
	VersionID string
	EventType EventType
	Principal string
	RequestID string
	SourceIP  string
}
