package archive

import (
	"bytes"
	"context"
	"path"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/google/uuid"
)

// Capabilities checked by Probe.
const (
	CapPut    = "archive.put"
	CapDelete = "archive.delete"
)

// ProbeResult records one capability check.
type ProbeResult struct {
	Capability string `json:"capability"`
	Allowed    bool   `json:"allowed"`
	Key        string `json:"key"`
	Detail     string `json:"detail,omitempty"`
}

// Probe writes and removes a small marker object under the archive prefix
// to confirm the credentials can upload. Checks stop at the first failure;
// the returned results cover every check attempted.
func (a *S3Archiver) Probe(ctx context.Context) ([]ProbeResult, error) {
	key := path.Join(a.prefix, "_agentdock", "probe-"+uuid.NewString())
	body := []byte("agentdock write probe\n")

	results := make([]ProbeResult, 0, 2)
	_, err := a.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(a.bucket),
		Key:           aws.String(key),
		Body:          bytes.NewReader(body),
		ContentLength: aws.Int64(int64(len(body))),
		ContentType:   aws.String("text/plain"),
	})
	if err != nil {
		err = a.wrapError("PutObject", key, err)
		results = append(results, ProbeResult{Capability: CapPut, Key: key, Detail: err.Error()})
		return results, err
	}
	results = append(results, ProbeResult{Capability: CapPut, Allowed: true, Key: key})

	// A lingering marker is harmless, so a denied delete is reported
	// without failing the probe.
	if _, err := a.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(a.bucket),
		Key:    aws.String(key),
	}); err != nil {
		results = append(results, ProbeResult{Capability: CapDelete, Key: key, Detail: a.wrapError("DeleteObject", key, err).Error()})
		return results, nil
	}
	results = append(results, ProbeResult{Capability: CapDelete, Allowed: true, Key: key})
	return results, nil
}
