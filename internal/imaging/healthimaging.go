package imaging

import (
	"context"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/medicalimaging"
	"github.com/google/uuid"
)

// HealthImagingClient implements Client against AWS HealthImaging.
type HealthImagingClient struct {
	client *medicalimaging.Client
}

// NewHealthImagingClient constructs a HealthImaging-backed import client.
func NewHealthImagingClient(ctx context.Context, region string) (*HealthImagingClient, error) {
	loadOpts := []func(*awsconfig.LoadOptions) error{}
	if region != "" {
		loadOpts = append(loadOpts, awsconfig.WithRegion(region))
	}

	cfg, err := awsconfig.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}

	return &HealthImagingClient{client: medicalimaging.NewFromConfig(cfg)}, nil
}

// StartImport starts a DICOM import job against a source prefix.
func (c *HealthImagingClient) StartImport(ctx context.Context, input StartImportInput) (StartImportOutput, error) {
	req := &medicalimaging.StartDICOMImportJobInput{
		DatastoreId:       aws.String(input.DatastoreID),
		DataAccessRoleArn: aws.String(input.AccessRoleARN),
		InputS3Uri:        aws.String(input.SourceURI),
		OutputS3Uri:       aws.String(input.OutputURI),
		ClientToken:       aws.String(uuid.NewString()),
	}
	if input.JobName != "" {
		req.JobName = aws.String(input.JobName)
	}

	out, err := c.client.StartDICOMImportJob(ctx, req)
	if err != nil {
		return StartImportOutput{}, fmt.Errorf("start dicom import job datastore=%s: %w", input.DatastoreID, err)
	}
	return StartImportOutput{JobID: aws.ToString(out.JobId)}, nil
}

// GetJob fetches the current state of an import job. An unrecognized provider
// status comes back as a FAILED job together with the mapping diagnostic.
func (c *HealthImagingClient) GetJob(ctx context.Context, datastoreID, jobID string) (Job, error) {
	out, err := c.client.GetDICOMImportJob(ctx, &medicalimaging.GetDICOMImportJobInput{
		DatastoreId: aws.String(datastoreID),
		JobId:       aws.String(jobID),
	})
	if err != nil {
		return Job{}, fmt.Errorf("get dicom import job datastore=%s job=%s: %w", datastoreID, jobID, err)
	}

	props := out.JobProperties
	if props == nil {
		return Job{}, fmt.Errorf("get dicom import job job=%s: empty job properties", jobID)
	}

	raw := string(props.JobStatus)
	status, mapErr := MapStatus(raw)
	job := Job{
		ID:        aws.ToString(props.JobId),
		Status:    status,
		RawStatus: raw,
		OutputURI: aws.ToString(props.OutputS3Uri),
		Message:   aws.ToString(props.Message),
	}
	return job, mapErr
}

var _ Client = (*HealthImagingClient)(nil)
