package alert

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/sns"
	snstypes "github.com/aws/aws-sdk-go-v2/service/sns/types"

	"github.com/dwsmith1983/rollout/pkg/types"
)

const (
	snsPublishTimeout = 10 * time.Second
	snsMaxSubject     = 100
)

// SNSAPI is the subset of the SNS client used by SNSSink.
type SNSAPI interface {
	Publish(ctx context.Context, input *sns.PublishInput, opts ...func(*sns.Options)) (*sns.PublishOutput, error)
}

// SNSSink publishes deployment outcomes to an SNS topic. Environment and
// level are sent as message attributes so subscribers can filter on them.
type SNSSink struct {
	client   SNSAPI
	topicARN string
	fifo     bool
}

// SNSSinkOption configures an SNSSink.
type SNSSinkOption func(*SNSSink)

// WithSNSClient sets a custom SNS client (useful for testing).
func WithSNSClient(c SNSAPI) SNSSinkOption {
	return func(s *SNSSink) { s.client = c }
}

// NewSNSSink creates an SNS sink for topicARN using the default AWS
// credential chain unless a client is supplied.
func NewSNSSink(topicARN string, opts ...SNSSinkOption) (*SNSSink, error) {
	if topicARN == "" {
		return nil, fmt.Errorf("SNS topic ARN required")
	}
	s := &SNSSink{
		topicARN: topicARN,
		fifo:     strings.HasSuffix(topicARN, ".fifo"),
	}
	for _, o := range opts {
		o(s)
	}
	if s.client == nil {
		cfg, err := awsconfig.LoadDefaultConfig(context.Background())
		if err != nil {
			return nil, fmt.Errorf("loading AWS config: %w", err)
		}
		s.client = sns.NewFromConfig(cfg)
	}
	return s, nil
}

// Name returns the sink identifier.
func (s *SNSSink) Name() string { return string(types.AlertSNS) }

// Send publishes the alert as JSON. On FIFO topics messages are grouped per
// environment and deduplicated by run ID.
func (s *SNSSink) Send(ctx context.Context, alert types.Alert) error {
	data, err := json.Marshal(alert)
	if err != nil {
		return fmt.Errorf("marshaling alert: %w", err)
	}

	in := &sns.PublishInput{
		TopicArn: aws.String(s.topicARN),
		Subject:  aws.String(subject(alert)),
		Message:  aws.String(string(data)),
		MessageAttributes: map[string]snstypes.MessageAttributeValue{
			"environment": stringAttr(alert.Environment),
			"level":       stringAttr(string(alert.Level)),
		},
	}
	if s.fifo {
		in.MessageGroupId = aws.String(alert.Environment)
		if alert.RunID != "" {
			in.MessageDeduplicationId = aws.String(alert.RunID)
		}
	}

	ctx, cancel := context.WithTimeout(ctx, snsPublishTimeout)
	defer cancel()
	if _, err := s.client.Publish(ctx, in); err != nil {
		return fmt.Errorf("publishing to SNS: %w", err)
	}
	return nil
}

// subject renders the email subject. SNS rejects subjects over 100 characters.
func subject(alert types.Alert) string {
	s := fmt.Sprintf("[%s] deploy %s", alert.Level, alert.Environment)
	if len(s) > snsMaxSubject {
		s = s[:snsMaxSubject]
	}
	return s
}

func stringAttr(v string) snstypes.MessageAttributeValue {
	if v == "" {
		v = "unknown"
	}
	return snstypes.MessageAttributeValue{DataType: aws.String("String"), StringValue: aws.String(v)}
}
