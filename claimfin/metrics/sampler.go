package metrics

import (
	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/cloudwatch"
	"github.com/aws/aws-sdk-go/service/cloudwatch/cloudwatchiface"
	"github.com/pkg/errors"
)

type Dimension struct {
	Name  string
	Value string
}

// Sampler publishes gauge samples to CloudWatch.
type Sampler struct {
	Namespace string
	Unit      string
	Service   cloudwatchiface.CloudWatchAPI
}

func (s *Sampler) PutSample(name string, value float64, dimensions []Dimension) error {
	var d []*cloudwatch.Dimension
	for _, v := range dimensions {
		d = append(d, &cloudwatch.Dimension{
			Name:  aws.String(v.Name),
			Value: aws.String(v.Value),
		})
	}

	input := &cloudwatch.PutMetricDataInput{
		MetricData: []*cloudwatch.MetricDatum{{
			Dimensions: d,
			MetricName: aws.String(name),
			Unit:       aws.String(s.Unit),
			Value:      aws.Float64(value),
		}},
		Namespace: aws.String(s.Namespace),
	}
	if _, err := s.Service.PutMetricData(input); err != nil {
		return errors.Wrapf(err, "failed to put sample %s", name)
	}
	return nil
}

func NewSampler(ns, unit, region string) (*Sampler, error) {
	sess, err := session.NewSession(&aws.Config{
		Region: aws.String(region),
	})
	if err != nil {
		return nil, errors.Wrap(err, "failed to create aws session")
	}
	return &Sampler{ns, unit, cloudwatch.New(sess)}, nil
}
