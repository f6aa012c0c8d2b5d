package workflow

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/sfn"
)

// StepFunctionsTrigger starts a Step Functions execution that owns the
// polling cadence for one study.
type StepFunctionsTrigger struct {
	client          *sfn.Client
	stateMachineARN string
}

// NewStepFunctionsTrigger constructs a Step Functions-backed trigger.
func NewStepFunctionsTrigger(ctx context.Context, region, stateMachineARN string) (*StepFunctionsTrigger, error) {
	stateMachineARN = strings.TrimSpace(stateMachineARN)
	if stateMachineARN == "" {
		return nil, fmt.Errorf("state machine arn is required")
	}

	loadOpts := []func(*awsconfig.LoadOptions) error{}
	if region != "" {
		loadOpts = append(loadOpts, awsconfig.WithRegion(region))
	}

	cfg, err := awsconfig.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}

	return &StepFunctionsTrigger{
		client:          sfn.NewFromConfig(cfg),
		stateMachineARN: stateMachineARN,
	}, nil
}

// Start launches one execution named after the study.
func (t *StepFunctionsTrigger) Start(ctx context.Context, name string, input PollInput) error {
	payload, err := json.Marshal(input)
	if err != nil {
		return fmt.Errorf("encode workflow input: %w", err)
	}

	_, err = t.client.StartExecution(ctx, &sfn.StartExecutionInput{
		StateMachineArn: aws.String(t.stateMachineARN),
		Name:            aws.String(executionName(name)),
		Input:           aws.String(string(payload)),
	})
	if err != nil {
		return fmt.Errorf("start execution %s: %w", name, err)
	}
	return nil
}

// executionName squeezes a label into the provider's execution-name charset.
func executionName(name string) string {
	cleaned := strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
			return r
		default:
			return '-'
		}
	}, strings.TrimSpace(name))
	if len(cleaned) > 80 {
		cleaned = cleaned[:80]
	}
	return cleaned
}

var _ Trigger = (*StepFunctionsTrigger)(nil)
