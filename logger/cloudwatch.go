package logger

import (
	"context"
	"os"
	"strings"
	"sync/atomic"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/cloudwatch"
	cwtypes "github.com/aws/aws-sdk-go-v2/service/cloudwatch/types"
)

type cloudWatchState struct {
	client    *cloudwatch.Client
	namespace string
}

var cwState atomic.Pointer[cloudWatchState]

// InitCloudWatch initialises the CloudWatch client. An empty region falls back
// to AWS_REGION. When the AWS configuration cannot be loaded publishing stays
// disabled and only a warning is logged.
func InitCloudWatch(ctx context.Context, region, namespace string) {
	log := GetLogger().WithComponent("cloudwatch")

	if region == "" {
		region = os.Getenv("AWS_REGION")
	}
	if namespace == "" {
		namespace = "LiqFlow"
	}

	opts := []func(*config.LoadOptions) error{}
	if region != "" {
		opts = append(opts, config.WithRegion(region))
	}

	cfg, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		log.WithError(err).Warn("failed to load AWS configuration; CloudWatch metrics disabled")
		return
	}

	cwState.Store(&cloudWatchState{
		client:    cloudwatch.NewFromConfig(cfg),
		namespace: namespace,
	})

	log.WithFields(Fields{"region": region, "namespace": namespace}).Info("initialized CloudWatch client")
}

func publishMetrics(ctx context.Context, data []cwtypes.MetricDatum) {
	state := cwState.Load()
	if state == nil || state.client == nil || len(data) == 0 {
		return
	}

	log := GetLogger().WithComponent("cloudwatch")
	if _, err := state.client.PutMetricData(ctx, &cloudwatch.PutMetricDataInput{
		Namespace:  aws.String(state.namespace),
		MetricData: data,
	}); err != nil {
		log.WithError(err).Warn("failed to publish CloudWatch metrics")
		return
	}

	names := make([]string, 0, len(data))
	for _, datum := range data {
		if datum.MetricName != nil {
			names = append(names, *datum.MetricName)
		}
	}
	log.WithFields(Fields{"metrics": strings.Join(names, ",")}).Debug("published metrics to CloudWatch")
}
