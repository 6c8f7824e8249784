package pinpoint

import (
	"context"

	"example.com/backstage/services/forwarder/config"
	"example.com/backstage/services/forwarder/internal/models"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/aws/retry"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/pinpoint"
	"github.com/aws/aws-sdk-go-v2/service/pinpoint/types"
	"github.com/pkg/errors"
)

// API is the subset of the Pinpoint SDK client used here.
type API interface {
	PutEvents(ctx context.Context, params *pinpoint.PutEventsInput, optFns ...func(*pinpoint.Options)) (*pinpoint.PutEventsOutput, error)
}

// Client submits batches to Pinpoint's PutEvents API.
type Client struct {
	api API
}

// NewClient builds a Pinpoint client from static credentials. maxAttempts
// is handed to the SDK's standard retryer.
func NewClient(ctx context.Context, cfg config.Config) (*Client, error) {
	maxAttempts := cfg.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = 3
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx,
		awsconfig.WithRegion(cfg.AWSRegion),
		awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AWSAccessKey, cfg.AWSSecretAccessKey, ""),
		),
		awsconfig.WithRetryer(func() aws.Retryer {
			return retry.AddWithMaxAttempts(retry.NewStandard(), maxAttempts)
		}),
	)
	if err != nil {
		return nil, errors.Wrap(err, "failed to load AWS configuration")
	}

	return NewClientWithAPI(pinpoint.NewFromConfig(awsCfg)), nil
}

// NewClientWithAPI wraps an existing SDK client.
func NewClientWithAPI(api API) *Client {
	return &Client{api: api}
}

// Submit sends every batch item to the application in one PutEvents call.
func (c *Client) Submit(ctx context.Context, applicationID string, batch models.Batch) (models.SubmitResult, error) {
	out, err := c.api.PutEvents(ctx, &pinpoint.PutEventsInput{
		ApplicationId: aws.String(applicationID),
		EventsRequest: toEventsRequest(batch),
	})
	if err != nil {
		return models.SubmitResult{}, errors.Wrap(err, "pinpoint PutEvents failed")
	}
	return fromEventsResponse(out), nil
}

func toEventsRequest(batch models.Batch) *types.EventsRequest {
	items := make(map[string]types.EventsBatch, len(batch))
	for key, item := range batch {
		events := make(map[string]types.Event, len(item.Events))
		for eventKey, ev := range item.Events {
			events[eventKey] = toEvent(ev)
		}
		items[key] = types.EventsBatch{
			Endpoint: toEndpoint(item.Endpoint),
			Events:   events,
		}
	}
	return &types.EventsRequest{BatchItem: items}
}

func toEvent(ev models.NormalizedEvent) types.Event {
	out := types.Event{
		EventType:        aws.String(ev.EventType),
		Attributes:       ev.Attributes,
		Metrics:          ev.Metrics,
		ClientSdkVersion: optional(ev.ClientSDKVersion),
		SdkName:          optional(ev.SDKName),
		Timestamp:        aws.String(ev.Timestamp),
	}
	if ev.SessionID != "" {
		out.Session = &types.Session{
			Id:             aws.String(ev.SessionID),
			StartTimestamp: aws.String(ev.Timestamp),
		}
	}
	return out
}

func toEndpoint(r models.EndpointRecord) *types.PublicEndpoint {
	if r.IsEmpty() {
		return &types.PublicEndpoint{}
	}

	ep := &types.PublicEndpoint{
		Address:     optional(r.Address),
		ChannelType: types.ChannelType(r.ChannelType),
		Demographic: &types.EndpointDemographic{
			AppVersion:      optional(r.Demographic.AppVersion),
			Locale:          optional(r.Demographic.Locale),
			Make:            optional(r.Demographic.Make),
			Model:           optional(r.Demographic.Model),
			Platform:        optional(r.Demographic.Platform),
			PlatformVersion: optional(r.Demographic.PlatformVersion),
			Timezone:        optional(r.Demographic.Timezone),
		},
		Location: &types.EndpointLocation{
			City:       optional(r.Location.City),
			Country:    optional(r.Location.Country),
			Region:     optional(r.Location.Region),
			PostalCode: optional(r.Location.PostalCode),
			Latitude:   r.Location.Latitude,
			Longitude:  r.Location.Longitude,
		},
	}
	if r.UserID != "" {
		ep.User = &types.EndpointUser{UserId: aws.String(r.UserID)}
	}
	return ep
}

func fromEventsResponse(out *pinpoint.PutEventsOutput) models.SubmitResult {
	result := models.SubmitResult{Results: map[string]models.ItemResult{}}
	if out == nil || out.EventsResponse == nil {
		return result
	}

	for key, item := range out.EventsResponse.Results {
		var ir models.ItemResult
		if ep := item.EndpointItemResponse; ep != nil {
			ir.EndpointStatusCode = int(aws.ToInt32(ep.StatusCode))
			ir.EndpointMessage = aws.ToString(ep.Message)
		}
		if len(item.EventsItemResponse) > 0 {
			ir.Events = make(map[string]models.EventResult, len(item.EventsItemResponse))
			for eventKey, ev := range item.EventsItemResponse {
				ir.Events[eventKey] = models.EventResult{
					StatusCode: int(aws.ToInt32(ev.StatusCode)),
					Message:    aws.ToString(ev.Message),
				}
			}
		}
		result.Results[key] = ir
	}
	return result
}

func optional(s string) *string {
	if s == "" {
		return nil
	}
	return aws.String(s)
}
