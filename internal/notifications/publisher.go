package notifications

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/stratumfs/stratumfs/internal/index"
)

const (
	eventVersion    = "2.1"
	eventSource     = "stratumfs:s3"
	s3SchemaVersion = "1.0"
	webhookTimeout  = 10 * time.Second
	maxAttempts     = 3
	retryDelay      = 2 * time.Second
)

// Publisher loads bucket notification configurations from the index and
// posts matching events to their webhook sinks.
type Publisher struct {
	idx        *index.Store
	httpClient *http.Client
	log        *logrus.Entry
}

// NewPublisher builds a publisher over the metadata index.
func NewPublisher(idx *index.Store) *Publisher {
	return &Publisher{
		idx:        idx,
		httpClient: &http.Client{Timeout: webhookTimeout},
		log:        logrus.WithField("component", "notifications"),
	}
}

// Configuration returns the stored document for a bucket, or nil when
// none is configured.
func (p *Publisher) Configuration(ctx context.Context, bucket string) (*Configuration, error) {
	blob, err := p.idx.GetBucketConfig(ctx, bucket, index.ConfigNotification)
	if errors.Is(err, index.ErrConfigNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var config Configuration
	if err := json.Unmarshal(blob, &config); err != nil {
		return nil, fmt.Errorf("stored notification config is malformed: %w", err)
	}
	return &config, nil
}

// Publish posts the event to every matching rule. Sinks are invoked
// asynchronously; webhook failures never fail the request that produced
// the event.
func (p *Publisher) Publish(ctx context.Context, info EventInfo) {
	config, err := p.Configuration(ctx, info.Bucket)
	if err != nil {
		p.log.WithError(err).WithField("bucket", info.Bucket).Error("Failed to load notification configuration")
		return
	}
	if config == nil || len(config.Rules) == 0 {
		return
	}

	event := buildEvent(info)
	for _, rule := range config.Rules {
		if matchesRule(&rule, info) {
			event.S3.ConfigurationID = rule.ID
			go p.sendWebhook(rule, event)
		}
	}
}

func buildEvent(info EventInfo) Event {
	event := Event{
		EventVersion: eventVersion,
		EventSource:  eventSource,
		EventTime:    time.Now().UTC(),
		EventName:    info.EventType,
	}
	event.UserIdentity.PrincipalID = info.Principal
	event.RequestParameters.SourceIPAddress = info.SourceIP
	event.ResponseElements.XAmzRequestID = info.RequestID

	event.S3.S3SchemaVersion = s3SchemaVersion
	event.S3.Bucket.Name = info.Bucket
	event.S3.Bucket.OwnerIdentity.PrincipalID = info.Principal
	event.S3.Bucket.ARN = "arn:aws:s3:::" + info.Bucket

	event.S3.Object.Key = info.Key
	event.S3.Object.Size = info.Size
	event.S3.Object.ETag = info.ETag
	event.S3.Object.VersionID = info.VersionID
	event.S3.Object.Sequencer = strconv.FormatInt(time.Now().UnixNano(), 16)
	return event
}

func matchesRule(rule *Rule, info EventInfo) bool {
	if !rule.Enabled {
		return false
	}
	matched := false
	for _, ruleEvent := range rule.Events {
		if matchesEventType(ruleEvent, info.EventType) {
			matched = true
			break
		}
	}
	if !matched {
		return false
	}
	if rule.FilterPrefix != "" && !strings.HasPrefix(info.Key, rule.FilterPrefix) {
		return false
	}
	if rule.FilterSuffix != "" && !strings.HasSuffix(info.Key, rule.FilterSuffix) {
		return false
	}
	return true
}

// matchesEventType handles "s3:ObjectCreated:*" style wildcards.
func matchesEventType(ruleEvent, eventType EventType) bool {
	if ruleEvent == eventType {
		return true
	}
	if prefix, ok := strings.CutSuffix(string(ruleEvent), "*"); ok {
		return strings.HasPrefix(string(eventType), prefix)
	}
	return false
}

func (p *Publisher) sendWebhook(rule Rule, event Event) {
	body, err := json.Marshal(WebhookPayload{Records: []Event{event}})
	if err != nil {
		p.log.WithError(err).Error("Failed to marshal webhook payload")
		return
	}

	var lastErr error
	for attempt := 0; attempt < maxAttempts; attempt++ {
		if attempt > 0 {
			time.Sleep(retryDelay)
		}

		req, err := http.NewRequest(http.MethodPost, rule.WebhookURL, bytes.NewReader(body))
		if err != nil {
			lastErr = err
			break
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("User-Agent", "StratumFS/1.0")
		req.Header.Set("X-StratumFS-Event", string(event.EventName))
		req.Header.Set("X-StratumFS-Bucket", event.S3.Bucket.Name)
		for key, value := range rule.CustomHeaders {
			req.Header.Set(key, value)
		}

		resp, err := p.httpClient.Do(req)
		if err != nil {
			lastErr = err
			p.log.WithError(err).WithFields(logrus.Fields{
				"url":     rule.WebhookURL,
				"attempt": attempt + 1,
			}).Warn("Failed to send webhook")
			continue
		}
		resp.Body.Close()

		if resp.StatusCode >= 200 && resp.StatusCode < 300 {
			p.log.WithFields(logrus.Fields{
				"url":    rule.WebhookURL,
				"event":  event.EventName,
				"bucket": event.S3.Bucket.Name,
				"key":    event.S3.Object.Key,
			}).Debug("Webhook delivered")
			return
		}
		lastErr = fmt.Errorf("webhook returned status %d", resp.StatusCode)
	}

	p.log.WithError(lastErr).WithFields(logrus.Fields{
		"url":   rule.WebhookURL,
		"event": event.EventName,
	}).Error("Webhook delivery failed after retries")
}

// ParseConfiguration decodes and validates a notification document.
func ParseConfiguration(data []byte) (*Configuration, error) {
	var config Configuration
	if err := json.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("malformed notification document: %w", err)
	}
	if err := config.Validate(); err != nil {
		return nil, err
	}
	return &config, nil
}

// Validate checks a configuration document before it is stored.
func (c *Configuration) Validate() error {
	for i, rule := range c.Rules {
		if rule.WebhookURL == "" {
			return fmt.Errorf("rule %d: webhook url is required", i)
		}
		if !strings.HasPrefix(rule.WebhookURL, "http://") && !strings.HasPrefix(rule.WebhookURL, "https://") {
			return fmt.Errorf("rule %d: webhook url must be http or https", i)
		}
		if len(rule.Events) == 0 {
			return fmt.Errorf("rule %d: at least one event type is required", i)
		}
	}
	return nil
}
