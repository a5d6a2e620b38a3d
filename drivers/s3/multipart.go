package s3

import (
	"bytes"
	"fmt"
	"io"
	"strings"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/awserr"
	"github.com/aws/aws-sdk-go/service/s3"

	"github.com/cloudgateway/gateway/storagedriver"
)

// readSeeker buffers an io.Reader into memory so it can be handed to the AWS
// SDK, which requires io.ReadSeeker for request signing and retries.
func readSeeker(r io.Reader) io.ReadSeeker {
	if rs, ok := r.(io.ReadSeeker); ok {
		return rs
	}
	buf, _ := io.ReadAll(r)
	return bytes.NewReader(buf)
}

// multipart implements storagedriver.MultipartDriver against S3's native
// CreateMultipartUpload/UploadPart/CompleteMultipartUpload API (spec §4.5).
// Unlike Drive/OneDrive, S3 parts are addressed by part number rather than
// byte offset, so ProxyChunk derives the part number from the session's
// configured PartSize.
type multipart struct{ d *Driver }

// Align rounds a requested part size up to S3's minimum, except the caller
// may still submit a smaller final part.
func (m *multipart) Align(requestedPartSize int64) int64 {
	if requestedPartSize < minPartSize {
		return minPartSize
	}
	return requestedPartSize
}

func (m *multipart) OpenSession(ctx storagedriver.OpContext, subPath string, fileSize int64, partSize int64) (string, string, map[string]string, error) {
	created, err := m.d.s3.CreateMultipartUploadWithContext(ctx.Context, &s3.CreateMultipartUploadInput{
		Bucket: aws.String(m.d.bucket),
		Key:    aws.String(m.d.key(subPath)),
	})
	if err != nil {
		return "", "", nil, wrapErr(subPath, err)
	}
	return aws.StringValue(created.UploadId), "", map[string]string{"key": m.d.key(subPath)}, nil
}

func (m *multipart) ProxyChunk(ctx storagedriver.OpContext, session storagedriver.MultipartSessionView, chunk storagedriver.ChunkRequest) (storagedriver.ChunkResult, error) {
	partNumber := int64(chunk.ContentRangeStart/session.PartSize) + 1

	resp, err := m.d.s3.UploadPartWithContext(ctx.Context, &s3.UploadPartInput{
		Bucket:        aws.String(m.d.bucket),
		Key:           aws.String(session.ProviderMeta["key"]),
		UploadId:      aws.String(session.ProviderUploadID),
		PartNumber:    aws.Int64(partNumber),
		Body:          readSeeker(chunk.Body),
		ContentLength: aws.Int64(chunk.BodyLength),
	})
	if err != nil {
		if awsErr, ok := err.(awserr.Error); ok && awsErr.Code() == "NoSuchUpload" {
			return storagedriver.ChunkResult{NotFound: true}, nil
		}
		return storagedriver.ChunkResult{}, wrapErr(session.SubPath, err)
	}

	nextStart := chunk.ContentRangeEnd + 1
	done := nextStart >= chunk.TotalSize

	return storagedriver.ChunkResult{
		Done:              done,
		BytesUploaded:     nextStart,
		NextExpectedRange: fmt.Sprintf("%d-", nextStart),
		ETag:              aws.StringValue(resp.ETag),
	}, nil
}

// ProbeStatus has no direct S3 analogue (parts already uploaded aren't
// enumerable by byte offset), so it asks the provider with ListParts and
// reports the sum of the uploaded parts' sizes as the offset.
func (m *multipart) ProbeStatus(ctx storagedriver.OpContext, session storagedriver.MultipartSessionView) (storagedriver.ChunkResult, error) {
	resp, err := m.d.s3.ListPartsWithContext(ctx.Context, &s3.ListPartsInput{
		Bucket:   aws.String(m.d.bucket),
		Key:      aws.String(session.ProviderMeta["key"]),
		UploadId: aws.String(session.ProviderUploadID),
	})
	if err != nil {
		if awsErr, ok := err.(awserr.Error); ok && awsErr.Code() == "NoSuchUpload" {
			return storagedriver.ChunkResult{NotFound: true}, nil
		}
		return storagedriver.ChunkResult{}, wrapErr(session.SubPath, err)
	}

	var uploaded int64
	for _, p := range resp.Parts {
		uploaded += aws.Int64Value(p.Size)
	}
	return storagedriver.ChunkResult{
		BytesUploaded:     uploaded,
		NextExpectedRange: fmt.Sprintf("%d-", uploaded),
		Done:              uploaded >= session.FileSize,
	}, nil
}

func (m *multipart) Complete(ctx storagedriver.OpContext, session storagedriver.MultipartSessionView, parts []storagedriver.CompletedPart) (int64, string, error) {
	completed := make([]*s3.CompletedPart, len(parts))
	for i, p := range parts {
		completed[i] = &s3.CompletedPart{PartNumber: aws.Int64(int64(p.PartNumber)), ETag: aws.String(p.ETag)}
	}

	resp, err := m.d.s3.CompleteMultipartUploadWithContext(ctx.Context, &s3.CompleteMultipartUploadInput{
		Bucket:          aws.String(m.d.bucket),
		Key:             aws.String(session.ProviderMeta["key"]),
		UploadId:        aws.String(session.ProviderUploadID),
		MultipartUpload: &s3.CompletedMultipartUpload{Parts: completed},
	})
	if err != nil {
		return 0, "", wrapErr(session.SubPath, err)
	}

	return session.FileSize, strings.Trim(aws.StringValue(resp.ETag), `"`), nil
}

func (m *multipart) Abort(ctx storagedriver.OpContext, session storagedriver.MultipartSessionView) error {
	_, err := m.d.s3.AbortMultipartUploadWithContext(ctx.Context, &s3.AbortMultipartUploadInput{
		Bucket:   aws.String(m.d.bucket),
		Key:      aws.String(session.ProviderMeta["key"]),
		UploadId: aws.String(session.ProviderUploadID),
	})
	return wrapErr(session.SubPath, err)
}
