package pinpoint

import (
	"context"
	"errors"
	"testing"

	"example.com/backstage/services/forwarder/internal/models"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/pinpoint"
	"github.com/aws/aws-sdk-go-v2/service/pinpoint/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

type mockAPI struct {
	mock.Mock
}

func (m *mockAPI) PutEvents(ctx context.Context, params *pinpoint.PutEventsInput, optFns ...func(*pinpoint.Options)) (*pinpoint.PutEventsOutput, error) {
	args := m.Called(ctx, params)
	out, _ := args.Get(0).(*pinpoint.PutEventsOutput)
	return out, args.Error(1)
}

func sampleBatch() models.Batch {
	lat := 1.5
	return models.Batch{
		"d1": {
			Endpoint: models.EndpointRecord{
				Address:     "d1",
				ChannelType: "CUSTOM",
				UserID:      "user-1",
				Demographic: models.Demographic{Platform: "iOS"},
				Location:    models.Location{Country: "KE", Latitude: &lat},
			},
			Events: map[string]models.NormalizedEvent{
				"e1": {
					Key:        "e1",
					EventType:  "pageview",
					Attributes: map[string]string{"a": "b"},
					Metrics:    map[string]float64{"screen_width": 1024},
					SDKName:    "web",
					SessionID:  "s1",
					Timestamp:  "2024-01-01T00:00:00.000Z",
				},
			},
		},
		"random": {
			Events: map[string]models.NormalizedEvent{
				"e2": {Key: "e2", EventType: "click", Timestamp: "2024-01-01T00:00:01.000Z"},
			},
		},
	}
}

func TestSubmitBuildsPutEventsRequest(t *testing.T) {
	api := new(mockAPI)
	api.On("PutEvents", mock.Anything, mock.MatchedBy(func(in *pinpoint.PutEventsInput) bool {
		return aws.ToString(in.ApplicationId) == "app-1"
	})).Return(&pinpoint.PutEventsOutput{
		EventsResponse: &types.EventsResponse{
			Results: map[string]types.ItemResponse{
				"d1": {
					EndpointItemResponse: &types.EndpointItemResponse{StatusCode: aws.Int32(202), Message: aws.String("Accepted")},
					EventsItemResponse: map[string]types.EventItemResponse{
						"e1": {StatusCode: aws.Int32(400), Message: aws.String("bad")},
					},
				},
			},
		},
	}, nil)

	result, err := NewClientWithAPI(api).Submit(context.Background(), "app-1", sampleBatch())
	require.NoError(t, err)
	api.AssertExpectations(t)

	assert.Equal(t, 202, result.Results["d1"].EndpointStatusCode)
	assert.Equal(t, 400, result.Results["d1"].Events["e1"].StatusCode)
	assert.Equal(t, 1, result.Failures())

	in := api.Calls[0].Arguments.Get(1).(*pinpoint.PutEventsInput)
	require.Len(t, in.EventsRequest.BatchItem, 2)

	d1 := in.EventsRequest.BatchItem["d1"]
	assert.Equal(t, "d1", aws.ToString(d1.Endpoint.Address))
	assert.Equal(t, types.ChannelTypeCustom, d1.Endpoint.ChannelType)
	assert.Equal(t, "iOS", aws.ToString(d1.Endpoint.Demographic.Platform))
	assert.Nil(t, d1.Endpoint.Demographic.Locale)
	assert.Equal(t, "KE", aws.ToString(d1.Endpoint.Location.Country))
	assert.Equal(t, 1.5, aws.ToFloat64(d1.Endpoint.Location.Latitude))
	assert.Equal(t, "user-1", aws.ToString(d1.Endpoint.User.UserId))

	e1 := d1.Events["e1"]
	assert.Equal(t, "pageview", aws.ToString(e1.EventType))
	assert.Equal(t, map[string]string{"a": "b"}, e1.Attributes)
	assert.Equal(t, 1024.0, e1.Metrics["screen_width"])
	assert.Equal(t, "web", aws.ToString(e1.SdkName))
	assert.Nil(t, e1.ClientSdkVersion)
	require.NotNil(t, e1.Session)
	assert.Equal(t, "s1", aws.ToString(e1.Session.Id))

	anon := in.EventsRequest.BatchItem["random"]
	require.NotNil(t, anon.Endpoint)
	assert.Nil(t, anon.Endpoint.Address)
	assert.Nil(t, anon.Endpoint.User)
	assert.Nil(t, anon.Events["e2"].Session)
}

func TestSubmitWrapsErrors(t *testing.T) {
	api := new(mockAPI)
	api.On("PutEvents", mock.Anything, mock.Anything).Return(nil, errors.New("throttled"))

	_, err := NewClientWithAPI(api).Submit(context.Background(), "app-1", sampleBatch())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "throttled")
}

func TestFromEventsResponseHandlesNil(t *testing.T) {
	assert.Empty(t, fromEventsResponse(nil).Results)
	assert.Empty(t, fromEventsResponse(&pinpoint.PutEventsOutput{}).Results)
}
