package queueing

import (
	"context"
	"fmt"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/ssm"
	"github.com/aws/aws-sdk-go/service/ssm/ssmiface"
	"github.com/slack-go/slack"

	"github.com/CMSgov/claimfin/claimfin/models"
	"github.com/CMSgov/claimfin/conf"
	"github.com/CMSgov/claimfin/log"
)

const (
	OperationsChannel = "C0992DK6Y01" // #claimfin-operations
	AlertsChannel     = "C034CFU945C" // #claimfin-alerts
	SuccessMsg        = "SUCCESS"
	FailureMsg        = "FAILURE"

	slackTokenParam = "/claimfin/slack/token/alerts"
)

type Notifier interface {
	PostMessageContext(context.Context, string, ...slack.MsgOption) (string, string, error)
}

// NewNotifier returns a Slack client, or nil when no token is configured.
// Locally the token comes from CLAIMFIN_SLACK_TOKEN, elsewhere from the
// parameter store.
func NewNotifier(region string) (Notifier, error) {
	var token string
	if conf.GetEnv("ENV") == "local" {
		token = conf.GetEnv("CLAIMFIN_SLACK_TOKEN")
	} else {
		sess, err := session.NewSession(&aws.Config{Region: aws.String(region)})
		if err != nil {
			return nil, err
		}
		if token, err = getParameter(ssm.New(sess), slackTokenParam); err != nil {
			return nil, err
		}
	}
	if token == "" {
		return nil, nil
	}
	return slack.New(token), nil
}

func getParameter(svc ssmiface.SSMAPI, name string) (string, error) {
	out, err := svc.GetParameter(&ssm.GetParameterInput{
		Name:           aws.String(name),
		WithDecryption: aws.Bool(true),
	})
	if err != nil {
		return "", fmt.Errorf("error retrieving parameter %s from parameter store: %w", name, err)
	}
	if out.Parameter == nil || aws.StringValue(out.Parameter.Value) == "" {
		return "", fmt.Errorf("no parameter store value found for %s", name)
	}
	return aws.StringValue(out.Parameter.Value), nil
}

// NotifyDegraded posts a Degraded claim to the alerts channel.
func NotifyDegraded(ctx context.Context, n Notifier, key models.ClaimKey, failures int, cause error) {
	sendMessage(ctx, n, AlertsChannel,
		fmt.Sprintf("%s: claim %s degraded after %d failed recomputes in %s env: %v",
			FailureMsg, key, failures, conf.GetEnv("DEPLOYMENT_TARGET"), cause), false)
}

func sendMessage(ctx context.Context, n Notifier, channel, msg string, status bool) {
	if n == nil {
		return
	}
	color := "danger"
	if status {
		color = "good"
	}
	a := slack.Attachment{
		Color: color,
		Text:  msg,
	}
	if _, _, err := n.PostMessageContext(ctx, channel, slack.MsgOptionAttachments(a)); err != nil {
		log.Worker.Errorf("Failed to send slack message: %+v", err)
	}
}
